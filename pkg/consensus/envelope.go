package consensus

import (
	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

// MessageKind discriminates a ConsensusMessage's body; the string values
// are the literal tag discriminators the canonical hash commits to and
// must be written verbatim.
type MessageKind string

const (
	KindProposal  MessageKind = "Propose"
	KindPrevote   MessageKind = "Prevote"
	KindPrecommit MessageKind = "Precommit"
)

// Body is the payload of a ConsensusMessage. Exactly one of the typed
// accessors below is meaningful, selected by Kind.
type Body struct {
	Kind MessageKind

	// Proposal fields.
	Request *chain.MacroBlock
	Proof   []byte // externally-supplied proof accompanying a proposal

	// Precommit fields.
	RequestHashSig crypto.Signature
}

func (b Body) hash() crypto.Hash {
	hr := crypto.NewHasher().WriteString(string(b.Kind))
	switch b.Kind {
	case KindProposal:
		if b.Request != nil {
			hr.WriteHash(b.Request.Hash())
		} else {
			hr.WriteHash(crypto.Hash{})
		}
		hr.WriteBytes(b.Proof)
	case KindPrevote:
		// no additional fields
	case KindPrecommit:
		hr.WriteBytes(b.RequestHashSig)
	}
	return hr.Sum()
}

// Message is a signed consensus-layer envelope: {height, view, request
// hash, body, sender public key, sender signature}. The signature covers
// the canonical hash of height, view, request hash and body; the sender
// key fields are not part of the signed hash.
type Message struct {
	Height      uint64
	View        uint64
	RequestHash crypto.Hash
	Body        Body
	SenderKey   []byte
	SenderPK    *crypto.PublicKey
	SenderSig   crypto.Signature
}

func (m Message) signingHash() crypto.Hash {
	return crypto.NewHasher().
		WriteUint64(m.Height).
		WriteUint64(m.View).
		WriteHash(m.RequestHash).
		WriteHash(m.Body.hash()).
		Sum()
}

// NewMessage creates and signs a consensus message.
func NewMessage(height, view uint64, requestHash crypto.Hash, body Body, signer *crypto.Keypair, senderKey []byte) Message {
	m := Message{
		Height:      height,
		View:        view,
		RequestHash: requestHash,
		Body:        body,
		SenderKey:   senderKey,
		SenderPK:    signer.PublicKey(),
	}
	m.SenderSig = signer.SignHash(m.signingHash())
	return m
}

// ValidateRequest is invoked on Proposal bodies to check the proposed
// request against chain state. Failure surfaces as ErrInvalidPropose.
type ValidateRequest func(requestHash crypto.Hash, request *chain.MacroBlock, view uint64) error

// Validate checks the envelope's signature and, for Proposal bodies,
// the externally supplied request predicate.
func (m Message) Validate(validateRequest ValidateRequest) error {
	if !VerifyHash(m.SenderPK, m.signingHash(), m.SenderSig) {
		return ErrInvalidMessageSignature
	}
	if m.Body.Kind == KindProposal && validateRequest != nil {
		if err := validateRequest(m.RequestHash, m.Body.Request, m.View); err != nil {
			return err
		}
	}
	return nil
}

func VerifyHash(pk *crypto.PublicKey, h crypto.Hash, sig crypto.Signature) bool {
	return crypto.VerifyHash(pk, h, sig)
}
