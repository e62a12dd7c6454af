package chainstore

import (
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/consensus"
	"github.com/stegos-labs/node/pkg/crypto"
)

// storedBlock is the gob-encoded envelope persisted per height: exactly
// one of Micro/Macro is set.
type storedBlock struct {
	Micro *chain.MicroBlock
	Macro *chain.MacroBlock
}

func (s storedBlock) toBlock() chain.Block {
	if s.Micro != nil {
		return s.Micro
	}
	return s.Macro
}

// Pebble is a disk-backed Blockchain. Every applied block is durably
// keyed by height; on reopen the height, last macro height and
// randomness are recovered from the persisted blocks. The validator set
// is the one passed to NewPebble, and view-change state is not
// recovered: it restarts at view 0.
type Pebble struct {
	mu sync.RWMutex
	db *pebble.DB

	blocksInEpoch uint64
	height        uint64

	validators *chain.ValidatorSet
	random     crypto.Hash

	lastMacroHeight    uint64
	lastMacroTimestamp time.Time

	viewChange      uint64
	viewChangeProof *chain.SealedViewChangeProof
}

func NewPebble(path string, validators *chain.ValidatorSet, blocksInEpoch uint64, genesisRandom crypto.Hash) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	p := &Pebble{
		db:            db,
		blocksInEpoch: blocksInEpoch,
		validators:    validators,
		random:        genesisRandom,
	}

	if _, closer, err := db.Get(heightKey(0)); err == pebble.ErrNotFound {
		genesis := &chain.MacroBlock{
			Base: chain.BaseBlockHeader{Version: 1, Height: 0, Randomness: genesisRandom},
		}
		if err := p.writeBlock(genesis, nil); err != nil {
			return nil, err
		}
	} else if err == nil {
		closer.Close()
		if err := p.recoverTip(); err != nil {
			return nil, err
		}
	} else {
		return nil, err
	}

	return p, nil
}

// recoverTip rebuilds the in-memory chain cursor (height, last macro
// boundary, randomness) from the persisted blocks after a restart.
// View-change state is deliberately not recovered: leader attempts at
// the tip height start over at view 0.
func (p *Pebble) recoverTip() error {
	prefix := []byte("b:")
	iter, _ := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var sb storedBlock
		if err := decodeGob(iter.Value(), &sb); err != nil {
			return err
		}
		b := sb.toBlock()
		p.height = b.Header().Height
		p.random = b.Header().Randomness
		if sb.Macro != nil {
			p.lastMacroHeight = sb.Macro.Base.Height
			p.lastMacroTimestamp = time.Unix(0, sb.Macro.Base.Timestamp)
		}
	}
	return nil
}

func (p *Pebble) Close() error { return p.db.Close() }

func (p *Pebble) writeBlock(macro *chain.MacroBlock, micro *chain.MicroBlock) error {
	sb := storedBlock{Micro: micro, Macro: macro}
	height := sb.toBlock().Header().Height
	val, err := encodeGob(sb)
	if err != nil {
		return err
	}
	return p.db.Set(heightKey(height), val, pebble.Sync)
}

func (p *Pebble) readBlock(height uint64) (chain.Block, error) {
	val, closer, err := p.db.Get(heightKey(height))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrUnknownHeight
		}
		return nil, err
	}
	defer closer.Close()
	var sb storedBlock
	if err := decodeGob(val, &sb); err != nil {
		return nil, err
	}
	return sb.toBlock(), nil
}

func (p *Pebble) Height() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.height
}

func (p *Pebble) Epoch() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastMacroHeight / (p.blocksInEpoch + 1)
}

func (p *Pebble) BlocksInEpoch() uint64 { return p.blocksInEpoch }

func (p *Pebble) LastBlockHash() crypto.Hash {
	b, err := p.BlockByHeight(p.Height())
	if err != nil {
		return crypto.Hash{}
	}
	return b.Hash()
}

func (p *Pebble) LastMacroBlockHeight() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastMacroHeight
}

func (p *Pebble) LastMacroBlockTimestamp() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastMacroTimestamp
}

func (p *Pebble) LastRandom() crypto.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.random
}

func (p *Pebble) Validators() *chain.ValidatorSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validators
}

func (p *Pebble) TotalSlots() int64 { return p.Validators().TotalSlots() }

func (p *Pebble) IsValidator(key []byte) bool { return p.Validators().Contains(key) }

func (p *Pebble) ElectionResult() chain.ElectionResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return chain.ElectionResult{Validators: p.validators, Random: p.random}
}

func (p *Pebble) Leader() chain.Validator { return p.SelectLeader(0) }

func (p *Pebble) SelectLeader(view uint64) chain.Validator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.validators.Leader(p.random, view)
}

func (p *Pebble) BlockByHeight(h uint64) (chain.Block, error) {
	return p.readBlock(h)
}

func (p *Pebble) ViewChange() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.viewChange
}

func (p *Pebble) ViewChangeProof() *chain.SealedViewChangeProof {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.viewChangeProof
}

func (p *Pebble) SetViewChange(v uint64, proof *chain.SealedViewChangeProof) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewChange = v
	p.viewChangeProof = proof
}

func (p *Pebble) ValidateMacroBlock(b *chain.MacroBlock, ts time.Time, asProposal bool) error {
	tip, err := p.BlockByHeight(p.Height())
	if err != nil {
		return err
	}
	if b.Base.Previous != tip.Hash() {
		return consensus.ErrInvalidPreviousHash
	}
	if b.BlockReward < 0 {
		return consensus.ErrInvalidBlockReward
	}
	return nil
}

func (p *Pebble) PushMicroBlock(b *chain.MicroBlock, ts time.Time) (inputs, outputs []chain.Transaction, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tip, terr := p.readBlock(p.height)
	if terr != nil {
		return nil, nil, terr
	}
	if b.Base.Previous != tip.Hash() {
		return nil, nil, consensus.ErrInvalidPreviousHash
	}
	if b.BlockReward < 0 {
		return nil, nil, consensus.ErrInvalidBlockReward
	}
	if err := p.writeBlock(nil, b); err != nil {
		return nil, nil, err
	}
	for _, tx := range b.Transactions {
		for i := 0; i < tx.Inputs; i++ {
			inputs = append(inputs, tx)
		}
		for i := 0; i < tx.Outputs; i++ {
			outputs = append(outputs, tx)
		}
	}
	p.height = b.Base.Height
	p.random = b.Base.Randomness
	// Leader attempts start over at the new height.
	p.viewChange = 0
	p.viewChangeProof = nil
	return inputs, outputs, nil
}

func (p *Pebble) PushMacroBlock(b *chain.MacroBlock, ts time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tip, terr := p.readBlock(p.height)
	if terr != nil {
		return terr
	}
	if b.Base.Previous != tip.Hash() {
		return consensus.ErrInvalidPreviousHash
	}
	if err := p.writeBlock(b, nil); err != nil {
		return err
	}
	p.height = b.Base.Height
	p.lastMacroHeight = p.height
	p.lastMacroTimestamp = ts
	p.random = b.Base.Randomness
	p.viewChange = 0
	p.viewChangeProof = nil
	return nil
}

// PopMicroBlock removes the current tip by deleting its key. It refuses
// to cross a macro-block boundary, same as the in-memory store.
func (p *Pebble) PopMicroBlock() (inputs, outputs []chain.Transaction, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.height <= p.lastMacroHeight {
		return nil, nil, ErrPopPastMacroBlock
	}
	b, terr := p.readBlock(p.height)
	if terr != nil {
		return nil, nil, terr
	}
	micro, ok := b.(*chain.MicroBlock)
	if !ok {
		return nil, nil, ErrPopPastMacroBlock
	}
	for _, tx := range micro.Transactions {
		for i := 0; i < tx.Inputs; i++ {
			inputs = append(inputs, tx)
		}
		for i := 0; i < tx.Outputs; i++ {
			outputs = append(outputs, tx)
		}
	}
	if err := p.db.Delete(heightKey(p.height), pebble.Sync); err != nil {
		return nil, nil, err
	}
	p.height--
	prev, terr := p.readBlock(p.height)
	if terr != nil {
		return nil, nil, terr
	}
	p.random = prev.Header().Randomness
	return inputs, outputs, nil
}

var _ chain.Blockchain = (*Pebble)(nil)
