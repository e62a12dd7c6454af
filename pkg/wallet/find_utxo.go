// Package wallet holds UTXO-selection logic a transaction-building
// client runs before submitting a transaction to a node; none of it
// executes inside the consensus core.
package wallet

import (
	"errors"
	"sort"
)

// ErrNotEnoughMoney is returned when the candidate unspent set cannot
// cover sum plus the larger of the two fee options.
var ErrNotEnoughMoney = errors.New("wallet: not enough money")

// Unspent is one candidate input: an opaque reference plus its amount.
type Unspent[T any] struct {
	Output T
	Amount int64
}

// FindUTXO selects unspent outputs covering sum, preferring a single
// output worth exactly sum+fee, then the shortest run of outputs taken
// smallest first that adds up to exactly sum+fee (no change), then the
// shortest smallest-first run covering sum+feeChange (with change).
// Only those ascending runs are tried; other subsets that would avoid
// change are not searched.
//
// Invariant: the amounts spent equal sum plus whichever fee was
// charged, plus change. fee is charged only on the no-change paths;
// every other result is charged feeChange, and its change is zero when
// the run adds up to exactly sum+feeChange.
func FindUTXO[T any](unspent []Unspent[T], sum, fee, feeChange int64) (spent []T, feeUsed int64, change int64, err error) {
	if sum < 0 || fee < 0 || feeChange < 0 {
		panic("wallet: find_utxo: sum, fee, and fee_change must be non-negative")
	}

	for _, u := range unspent {
		if u.Amount == sum+fee {
			return []T{u.Output}, fee, 0, nil
		}
	}

	sorted := make([]Unspent[T], len(unspent))
	copy(sorted, unspent)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount < sorted[j].Amount })

	// Try to spend without a change output.
	var withoutChange []T
	remaining := sum + fee
	for _, u := range sorted {
		remaining -= u.Amount
		withoutChange = append(withoutChange, u.Output)
		if remaining <= 0 {
			break
		}
	}
	if remaining == 0 {
		return withoutChange, fee, 0, nil
	}

	// Fall back to spending with a change output.
	var withChange []T
	remaining = sum + feeChange
	for _, u := range sorted {
		remaining -= u.Amount
		withChange = append(withChange, u.Output)
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		return nil, 0, 0, ErrNotEnoughMoney
	}
	return withChange, feeChange, -remaining, nil
}
