// Package chainstore implements the external Blockchain capability
// pkg/chain defines: a height-indexed ledger of applied blocks plus the
// epoch bookkeeping (validator set, view-change state, randomness) the
// consensus core reads but never persists itself.
package chainstore

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/consensus"
	"github.com/stegos-labs/node/pkg/crypto"
)

var (
	ErrUnknownHeight     = errors.New("chainstore: unknown height")
	ErrPopPastMacroBlock = errors.New("chainstore: cannot pop past a macro block boundary")
)

// Memory is an in-memory Blockchain, used by tests and single-process
// devnets. It is safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	blocksInEpoch uint64

	blocks map[uint64]chain.Block
	height uint64

	validators *chain.ValidatorSet
	random     crypto.Hash

	lastMacroHeight    uint64
	lastMacroTimestamp time.Time

	viewChange      uint64
	viewChangeProof *chain.SealedViewChangeProof

	wal WAL
}

// NewMemory seeds a fresh chain with a genesis macro block at height 0.
func NewMemory(validators *chain.ValidatorSet, blocksInEpoch uint64, genesisRandom crypto.Hash, wal WAL) *Memory {
	if wal == nil {
		wal = NewNopWAL()
	}
	genesis := &chain.MacroBlock{
		Base: chain.BaseBlockHeader{
			Version:    1,
			Height:     0,
			Randomness: genesisRandom,
		},
	}
	m := &Memory{
		blocksInEpoch: blocksInEpoch,
		blocks:        map[uint64]chain.Block{0: genesis},
		validators:    validators,
		random:        genesisRandom,
		wal:           wal,
	}
	return m
}

func (m *Memory) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height
}

func (m *Memory) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Every closed epoch spans blocksInEpoch micro blocks plus the macro
	// block sealing it.
	return m.lastMacroHeight / (m.blocksInEpoch + 1)
}

func (m *Memory) BlocksInEpoch() uint64 { return m.blocksInEpoch }

func (m *Memory) LastBlockHash() crypto.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[m.height].Hash()
}

func (m *Memory) LastMacroBlockHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMacroHeight
}

func (m *Memory) LastMacroBlockTimestamp() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMacroTimestamp
}

func (m *Memory) LastRandom() crypto.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.random
}

func (m *Memory) Validators() *chain.ValidatorSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validators
}

func (m *Memory) TotalSlots() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validators.TotalSlots()
}

func (m *Memory) IsValidator(key []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validators.Contains(key)
}

func (m *Memory) ElectionResult() chain.ElectionResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return chain.ElectionResult{Validators: m.validators, Random: m.random}
}

func (m *Memory) Leader() chain.Validator { return m.SelectLeader(0) }

func (m *Memory) SelectLeader(view uint64) chain.Validator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validators.Leader(m.random, view)
}

func (m *Memory) BlockByHeight(h uint64) (chain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[h]
	if !ok {
		return nil, ErrUnknownHeight
	}
	return b, nil
}

func (m *Memory) ViewChange() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewChange
}

func (m *Memory) ViewChangeProof() *chain.SealedViewChangeProof {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewChangeProof
}

func (m *Memory) SetViewChange(v uint64, proof *chain.SealedViewChangeProof) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewChange = v
	m.viewChangeProof = proof
}

// ValidateMacroBlock checks structural invariants a macro block proposal
// (asProposal=true) or a fully sealed macro block (asProposal=false)
// must satisfy before it can be pushed: correct previous-hash linkage
// and a non-negative block reward (the amount itself is not compared
// with any configured value).
func (m *Memory) ValidateMacroBlock(b *chain.MacroBlock, ts time.Time, asProposal bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b.Base.Previous != m.blocks[m.height].Hash() {
		return consensus.ErrInvalidPreviousHash
	}
	if b.BlockReward < 0 {
		return consensus.ErrInvalidBlockReward
	}
	return nil
}

func (m *Memory) PushMicroBlock(b *chain.MicroBlock, ts time.Time) (inputs, outputs []chain.Transaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.Base.Previous != m.blocks[m.height].Hash() {
		return nil, nil, consensus.ErrInvalidPreviousHash
	}
	if b.BlockReward < 0 {
		return nil, nil, consensus.ErrInvalidBlockReward
	}
	for _, tx := range b.Transactions {
		for i := 0; i < tx.Inputs; i++ {
			inputs = append(inputs, tx)
		}
		for i := 0; i < tx.Outputs; i++ {
			outputs = append(outputs, tx)
		}
	}
	m.height = b.Base.Height
	m.blocks[m.height] = b
	m.random = b.Base.Randomness
	// Leader attempts start over at the new height.
	m.viewChange = 0
	m.viewChangeProof = nil
	m.wal.Append(blockSummary(b.Hash(), m.height, false))
	return inputs, outputs, nil
}

func (m *Memory) PushMacroBlock(b *chain.MacroBlock, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.Base.Previous != m.blocks[m.height].Hash() {
		return consensus.ErrInvalidPreviousHash
	}
	m.height = b.Base.Height
	m.blocks[m.height] = b
	m.lastMacroHeight = m.height
	m.lastMacroTimestamp = ts
	m.random = b.Base.Randomness
	m.viewChange = 0
	m.viewChangeProof = nil
	m.wal.Append(blockSummary(b.Hash(), m.height, true))
	return nil
}

// PopMicroBlock removes the chain's current tip, refusing to cross a
// macro-block boundary (macro blocks close an epoch irreversibly once
// applied; only fork resolution within an open epoch ever pops).
func (m *Memory) PopMicroBlock() (inputs, outputs []chain.Transaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.height <= m.lastMacroHeight {
		return nil, nil, ErrPopPastMacroBlock
	}
	b, ok := m.blocks[m.height].(*chain.MicroBlock)
	if !ok {
		return nil, nil, ErrPopPastMacroBlock
	}
	for _, tx := range b.Transactions {
		for i := 0; i < tx.Inputs; i++ {
			inputs = append(inputs, tx)
		}
		for i := 0; i < tx.Outputs; i++ {
			outputs = append(outputs, tx)
		}
	}
	delete(m.blocks, m.height)
	m.height--
	m.random = m.blocks[m.height].Header().Randomness
	return inputs, outputs, nil
}

func blockSummary(h crypto.Hash, height uint64, isMacro bool) string {
	kind := "micro"
	if isMacro {
		kind = "macro"
	}
	return kind + " " + strconv.FormatUint(height, 10) + " " + h.String()
}

var _ chain.Blockchain = (*Memory)(nil)
