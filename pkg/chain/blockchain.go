package chain

import (
	"time"

	"github.com/stegos-labs/node/pkg/crypto"
)

// ElectionResult is an immutable snapshot of the validator set and VRF
// randomness a consensus round or leader computation is pinned to.
type ElectionResult struct {
	Validators *ValidatorSet
	Random     crypto.Hash
}

func (er ElectionResult) SelectLeader(view uint64) Validator {
	return er.Validators.Leader(er.Random, view)
}

// Blockchain is the abstract chain capability the core consumes. The core
// never implements persistence; this interface is the contract an
// external storage component must satisfy.
type Blockchain interface {
	Height() uint64
	Epoch() uint64
	BlocksInEpoch() uint64
	LastBlockHash() crypto.Hash
	LastMacroBlockHeight() uint64
	LastMacroBlockTimestamp() time.Time
	LastRandom() crypto.Hash

	Validators() *ValidatorSet
	TotalSlots() int64
	IsValidator(key []byte) bool
	Leader() Validator
	SelectLeader(view uint64) Validator
	ElectionResult() ElectionResult

	BlockByHeight(h uint64) (Block, error)

	// PushMicroBlock and PushMacroBlock apply a validated block, returning
	// the UTXO inputs/outputs it spent/created (opaque beyond their
	// count, per the core's non-goals).
	PushMicroBlock(b *MicroBlock, ts time.Time) (inputs, outputs []Transaction, err error)
	PushMacroBlock(b *MacroBlock, ts time.Time) error

	// PopMicroBlock refuses to cross a macro-block boundary.
	PopMicroBlock() (inputs, outputs []Transaction, err error)

	ViewChange() uint64
	ViewChangeProof() *SealedViewChangeProof
	SetViewChange(v uint64, proof *SealedViewChangeProof)

	ValidateMacroBlock(b *MacroBlock, ts time.Time, asProposal bool) error
}
