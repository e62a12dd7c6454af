package node

import (
	"bytes"
	"encoding/gob"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/consensus"
	"github.com/stegos-labs/node/pkg/crypto"
)

// Wire DTOs never carry a *crypto.PublicKey: gob cannot encode the
// unexported curve-point state a circl key wraps, and there is no need
// to trust a sender's self-reported key anyway — the receiver always
// looks its sender up by canonical key bytes in its own validator set
// before verifying a signature.

type txWire struct {
	Hash    crypto.Hash
	Raw     []byte
	Inputs  int
	Outputs int
}

type consensusWire struct {
	Height      uint64
	View        uint64
	RequestHash crypto.Hash
	Body        consensus.Body
	SenderKey   []byte
	SenderSig   crypto.Signature
}

type sealedBlockWire struct {
	Micro *chain.MicroBlock
	Macro *chain.MacroBlock
}

func (w sealedBlockWire) block() chain.Block {
	if w.Micro != nil {
		return w.Micro
	}
	return w.Macro
}

type viewChangeWire struct {
	Chain     chain.ChainInfo
	SenderKey []byte
	Sig       crypto.Signature
}

type viewChangeProofWire struct {
	Proof chain.SealedViewChangeProof
}

// loaderRequestWire asks a peer for every block strictly above FromHeight.
type loaderRequestWire struct {
	FromHeight uint64
}

type loaderResponseWire struct {
	Blocks []sealedBlockWire
}

// loaderWire tags which of the two shapes a message on the shared
// unicast loader protocol carries, since requests and responses travel
// over the same stream in opposite directions.
type loaderWire struct {
	Request  *loaderRequestWire
	Response *loaderResponseWire
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
