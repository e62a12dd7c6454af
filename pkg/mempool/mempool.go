// Package mempool holds validated, not-yet-included transactions in FIFO
// admission order, bounded by the UTXO fan-in/fan-out limits a node is
// configured with.
package mempool

import (
	"errors"
	"sync"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

var (
	// ErrMempoolFull is returned when admitting a transaction would push
	// the mempool's total UTXO count past its configured cap.
	ErrMempoolFull = errors.New("mempool: full")
	// ErrTooManyInputsOrOutputs is returned when a single transaction
	// alone exceeds the configured per-transaction UTXO cap.
	ErrTooManyInputsOrOutputs = errors.New("mempool: transaction exceeds max utxo per tx")
	// ErrAlreadyPresent is returned for a duplicate transaction hash.
	ErrAlreadyPresent = errors.New("mempool: transaction already present")
)

// Mempool is a FIFO queue of admitted transactions, indexed by hash for
// O(1) duplicate detection and removal.
type Mempool struct {
	mu sync.Mutex

	maxUtxoInTx      int
	maxUtxoInMempool int

	order []crypto.Hash
	byTx  map[crypto.Hash]chain.Transaction

	inputsLen  int
	outputsLen int
}

func New(maxUtxoInTx, maxUtxoInMempool int) *Mempool {
	return &Mempool{
		maxUtxoInTx:      maxUtxoInTx,
		maxUtxoInMempool: maxUtxoInMempool,
		byTx:             make(map[crypto.Hash]chain.Transaction),
	}
}

// Push admits a transaction, enforcing the per-tx and total UTXO caps.
func (m *Mempool) Push(tx chain.Transaction) error {
	if tx.Inputs+tx.Outputs > m.maxUtxoInTx {
		return ErrTooManyInputsOrOutputs
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTx[tx.Hash]; ok {
		return ErrAlreadyPresent
	}
	if m.inputsLen+m.outputsLen+tx.Inputs+tx.Outputs > m.maxUtxoInMempool {
		return ErrMempoolFull
	}

	m.order = append(m.order, tx.Hash)
	m.byTx[tx.Hash] = tx
	m.inputsLen += tx.Inputs
	m.outputsLen += tx.Outputs
	return nil
}

// SelectForProposal returns up to maxUtxo worth of transactions (summed
// input+output count) in FIFO admission order, without removing them —
// eviction only happens once their containing block is applied, via
// Remove.
func (m *Mempool) SelectForProposal(maxUtxo int) []chain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []chain.Transaction
	used := 0
	for _, h := range m.order {
		tx := m.byTx[h]
		n := tx.Inputs + tx.Outputs
		if maxUtxo > 0 && used+n > maxUtxo {
			break
		}
		out = append(out, tx)
		used += n
	}
	return out
}

// Remove evicts a transaction once it has been included in an applied
// block (or invalidated by one that spent its inputs).
func (m *Mempool) Remove(h crypto.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byTx[h]
	if !ok {
		return
	}
	delete(m.byTx, h)
	m.inputsLen -= tx.Inputs
	m.outputsLen -= tx.Outputs
	for i, oh := range m.order {
		if oh == h {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Mempool) Contains(h crypto.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byTx[h]
	return ok
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// InputsLen and OutputsLen report the mempool's current total UTXO
// fan-in/fan-out, fed directly into the MEMPOOL_INPUTS/MEMPOOL_OUTPUTS
// gauges.
func (m *Mempool) InputsLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputsLen
}

func (m *Mempool) OutputsLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputsLen
}
