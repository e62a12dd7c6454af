package consensus

import (
	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

// CreateMultiSignature iterates the validator set in canonical order and
// sums the signature of every validator present in the signatures map into
// a running accumulator, setting the matching bitmap bit. It asserts
// (panics) that every provided signature was consumed — an orphan signer
// means the caller built the input map from a different validator set.
func CreateMultiSignature(validators *chain.ValidatorSet, signatures map[string]crypto.Signature) (chain.MultiSignature, error) {
	var sigs []crypto.Signature
	var bm chain.Bitmap
	consumed := 0
	for i := 0; i < validators.Len(); i++ {
		v := validators.At(i)
		sig, ok := signatures[string(v.Key)]
		if !ok {
			continue
		}
		sigs = append(sigs, sig)
		bm.Set(i)
		consumed++
	}
	if consumed != len(signatures) {
		panic("consensus: create_multi_signature: orphan signer not present in validator set")
	}
	agg, err := crypto.Aggregate(sigs)
	if err != nil {
		return chain.MultiSignature{}, err
	}
	return chain.MultiSignature{Sig: agg, Bitmap: bm}, nil
}

// CheckMultiSignature verifies the supermajority invariant: the aggregate
// signature pair-verifies against the sum of public keys at set bit
// positions, the leader's bit is set, and the stake-weighted sum of set
// bits is >= 2/3 of total slots.
func CheckMultiSignature(h crypto.Hash, ms chain.MultiSignature, validators *chain.ValidatorSet, leader []byte, totalSlots int64) bool {
	var pks []*crypto.PublicKey
	var stake int64
	hasLeader := false
	for _, bit := range ms.Bitmap.Indices() {
		if bit >= validators.Len() {
			return false
		}
		v := validators.At(bit)
		pks = append(pks, v.PublicKey)
		stake += v.Stake
		if string(v.Key) == string(leader) {
			hasLeader = true
		}
	}
	if !hasLeader {
		return false
	}
	if stake*3 < totalSlots*2 {
		return false
	}
	return crypto.VerifyAggregate(pks, h, ms.Sig)
}

// MergeMultiSignature adds signatures for bits present only in one side
// into dst, idempotent on bits present in both. Used to fold a leader's
// own proposal signature into a quorum collected by validators when the
// leader fails to broadcast the sealed block.
//
// This only folds bits that are disjoint between the two sides: group
// addition of two aggregates double-counts any bit present in both, so
// callers must only merge a src whose contributing bits are not already
// in dst (true for its one real use: the leader's single proposal
// signature being folded into a quorum that never observed it).
func MergeMultiSignature(dst *chain.MultiSignature, src chain.MultiSignature) error {
	var newBits []int
	for _, bit := range src.Bitmap.Indices() {
		if !dst.Bitmap.Get(bit) {
			newBits = append(newBits, bit)
		}
	}
	if len(newBits) == 0 {
		return nil
	}
	agg, err := crypto.Aggregate([]crypto.Signature{dst.Sig, src.Sig})
	if err != nil {
		return err
	}
	dst.Sig = agg
	for _, bit := range newBits {
		dst.Bitmap.Set(bit)
	}
	return nil
}
