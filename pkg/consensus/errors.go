package consensus

import (
	"errors"
	"fmt"

	"github.com/stegos-labs/node/pkg/crypto"
)

// Signature/membership errors.
var (
	ErrInvalidMessageSignature = errors.New("consensus: invalid message signature")
	ErrInvalidLeaderSignature  = errors.New("consensus: invalid leader signature")
	ErrInvalidBlockSignature   = errors.New("consensus: invalid block multi-signature")
	ErrLeaderIsNotValidator    = errors.New("consensus: leader is not a validator")
)

// DifferentPublicKeyError reports that a remote block's producer does not
// match the deterministic leader for its claimed view.
type DifferentPublicKeyError struct {
	Expected, Got []byte
}

func (e *DifferentPublicKeyError) Error() string {
	return fmt.Sprintf("consensus: different public key: expected %x, got %x", e.Expected, e.Got)
}

// Consensus/fork errors.
var (
	ErrInvalidPropose         = errors.New("consensus: invalid proposal")
	ErrNoProofWasFound        = errors.New("consensus: no view-change proof was found")
	ErrInvalidViewChangeProof = errors.New("consensus: invalid view-change proof")
	ErrInvalidViewChange      = errors.New("consensus: invalid (stale) view change")
	ErrForkCanceled           = errors.New("consensus: fork resolution canceled")
)

// Block/order errors.
type ExpectedMicroBlockError struct {
	Height uint64
	Hash   crypto.Hash
}

func (e *ExpectedMicroBlockError) Error() string {
	return fmt.Sprintf("consensus: expected a micro block at height %d, got %s", e.Height, e.Hash)
}

type ExpectedMacroBlockError struct {
	Height uint64
	Hash   crypto.Hash
}

func (e *ExpectedMacroBlockError) Error() string {
	return fmt.Sprintf("consensus: expected a macro block at height %d, got %s", e.Height, e.Hash)
}

var (
	ErrInvalidPreviousHash = errors.New("consensus: invalid previous block hash")
	ErrInvalidBlockReward  = errors.New("consensus: invalid block reward")
)
