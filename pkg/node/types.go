package node

import (
	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

// Request is one of the public queries a caller can issue against a
// running driver's current chain state.
type Request struct {
	ElectionInfo *struct{}
	EscrowInfo   *struct{}
}

// ElectionInfo is a snapshot of the current validator set and the VRF
// randomness it was elected against.
type ElectionInfo struct {
	Validators []chain.Validator
	Random     crypto.Hash
}

// EscrowInfo is a snapshot of total staked slots, the one figure the
// escrow/stake accounting non-goal still leaves a caller able to ask for.
type EscrowInfo struct {
	TotalSlots int64
}

// Response carries exactly one of the two snapshots a Request can ask
// for.
type Response struct {
	ElectionInfo *ElectionInfo
	EscrowInfo   *EscrowInfo
}

// BlockAdded is published every time a block is applied to the chain,
// whatever its kind.
type BlockAdded struct {
	Height          uint64
	Hash            crypto.Hash
	Lag             int64
	View            uint64
	LocalTimestamp  int64
	RemoteTimestamp int64
	Synchronized    bool
	Epoch           uint64
}

// EpochChanged is published whenever a macro block closes an epoch.
type EpochChanged struct {
	Epoch      uint64
	Validators []chain.Validator
}

// OutputsChanged is published whenever a block spends or creates UTXOs,
// including reversions from a pop or a fork rollback.
type OutputsChanged struct {
	Epoch   uint64
	Inputs  []chain.Transaction
	Outputs []chain.Transaction
}
