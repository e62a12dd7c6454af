// Package chain defines the data model the consensus core shares with the
// (externally owned) blockchain storage layer: validator sets, block
// headers, and the two block flavors a micro/macro epoch cadence produces.
package chain

import (
	"sort"

	"github.com/stegos-labs/node/pkg/crypto"
)

// WitnessesMax bounds the validator bitmap capacity. Validator-set
// rotation must preserve canonical ordering so that bit positions stay
// stable within an epoch.
const WitnessesMax = 256

// Validator is one (public key, stake) pair in a ValidatorSet.
type Validator struct {
	PublicKey *crypto.PublicKey
	Key       []byte // canonical public-key bytes, used for ordering and hashing
	Stake     int64
}

// ValidatorSet is an ordered set of validators at a given height. Ordering
// is deterministic by public-key bytes so that bit positions in a
// multi-signature bitmap are stable for the life of the epoch.
type ValidatorSet struct {
	members []Validator
}

// NewValidatorSet builds a canonically-ordered validator set. The input
// slice is copied and sorted; callers must not rely on their own ordering.
func NewValidatorSet(members []Validator) *ValidatorSet {
	cp := make([]Validator, len(members))
	copy(cp, members)
	sort.Slice(cp, func(i, j int) bool {
		return string(cp[i].Key) < string(cp[j].Key)
	})
	return &ValidatorSet{members: cp}
}

func (vs *ValidatorSet) Len() int { return len(vs.members) }

func (vs *ValidatorSet) At(i int) Validator { return vs.members[i] }

func (vs *ValidatorSet) All() []Validator {
	out := make([]Validator, len(vs.members))
	copy(out, vs.members)
	return out
}

// TotalSlots is the sum of all validator stakes.
func (vs *ValidatorSet) TotalSlots() int64 {
	var total int64
	for _, v := range vs.members {
		total += v.Stake
	}
	return total
}

// IndexOf returns the canonical bit position of a public key, or -1 if the
// key is not a member.
func (vs *ValidatorSet) IndexOf(key []byte) int {
	for i, v := range vs.members {
		if string(v.Key) == string(key) {
			return i
		}
	}
	return -1
}

func (vs *ValidatorSet) Contains(key []byte) bool { return vs.IndexOf(key) >= 0 }

// Leader deterministically selects the validator responsible for a given
// view, seeded by the last block's randomness mixed with the view number.
// Weighting is stake-proportional over the canonical ordering.
func (vs *ValidatorSet) Leader(randomness crypto.Hash, view uint64) Validator {
	seed := mix(randomness, view)
	total := vs.TotalSlots()
	if total <= 0 || len(vs.members) == 0 {
		return Validator{}
	}
	// Treat the first 8 bytes of the seed as an unsigned weight selector
	// in [0, total).
	var sel uint64
	for i := 0; i < 8; i++ {
		sel = (sel << 8) | uint64(seed[i])
	}
	target := int64(sel % uint64(total))
	var acc int64
	for _, v := range vs.members {
		acc += v.Stake
		if target < acc {
			return v
		}
	}
	return vs.members[len(vs.members)-1]
}

// mix combines the previous block's randomness with a view number, the
// VRF-seed used to pick each view's leader.
func mix(randomness crypto.Hash, view uint64) crypto.Hash {
	return crypto.NewHasher().WriteHash(randomness).WriteUint64(view).Sum()
}

// BaseBlockHeader is the header shared by both block flavors.
type BaseBlockHeader struct {
	Version    uint32
	Previous   crypto.Hash
	Height     uint64
	View       uint64
	Timestamp  int64 // unix nanoseconds
	Randomness crypto.Hash
}

func (h BaseBlockHeader) hashInto(hr *crypto.Hasher) {
	hr.WriteUint32(h.Version)
	hr.WriteHash(h.Previous)
	hr.WriteUint64(h.Height)
	hr.WriteUint64(h.View)
	hr.WriteInt64(h.Timestamp)
	hr.WriteHash(h.Randomness)
}

// ChainInfo is a compact witness of a chain tip, embedded inside
// view-change votes and sealed proofs.
type ChainInfo struct {
	Height    uint64
	LastBlock crypto.Hash
	View      uint64
}

func (ci ChainInfo) Hash() crypto.Hash {
	return crypto.NewHasher().
		WriteString("ChainInfo").
		WriteUint64(ci.Height).
		WriteHash(ci.LastBlock).
		WriteUint64(ci.View).
		Sum()
}

// Bitmap is a fixed-capacity bit set over validator-set positions, used by
// multi-signatures.
type Bitmap struct {
	bits [WitnessesMax]bool
}

func (b *Bitmap) Set(i int)      { b.bits[i] = true }
func (b *Bitmap) Get(i int) bool { return b.bits[i] }
func (b *Bitmap) Clear(i int)    { b.bits[i] = false }

func (b *Bitmap) Count() int {
	n := 0
	for _, v := range b.bits {
		if v {
			n++
		}
	}
	return n
}

// Indices returns the set bit positions in ascending order.
func (b *Bitmap) Indices() []int {
	var out []int
	for i, v := range b.bits {
		if v {
			out = append(out, i)
		}
	}
	return out
}

// MarshalBinary packs the bitmap into WitnessesMax/8 bytes, LSB-first
// within each byte. Bitmap has no exported fields, so the wire and
// storage codecs (gob) need an explicit binary form to round-trip it.
func (b Bitmap) MarshalBinary() ([]byte, error) {
	out := make([]byte, WitnessesMax/8)
	for i, set := range b.bits {
		if set {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out, nil
}

func (b *Bitmap) UnmarshalBinary(data []byte) error {
	*b = Bitmap{}
	for i := 0; i < WitnessesMax && i/8 < len(data); i++ {
		if data[i/8]&(1<<(i%8)) != 0 {
			b.bits[i] = true
		}
	}
	return nil
}

// MultiSignature is a threshold BLS signature plus the bitmap of
// contributing validator positions.
type MultiSignature struct {
	Sig    crypto.Signature
	Bitmap Bitmap
}

// Transaction is the opaque payload the core moves around; its internal
// structure (inputs/outputs/UTXO semantics) belongs to the wallet and
// storage layers. The core only needs enough shape to enforce the
// configured size-based mempool and block limits.
type Transaction struct {
	Hash    crypto.Hash
	Raw     []byte
	Inputs  int // UTXO input count, reported by the chain validator
	Outputs int // UTXO output count, reported by the chain validator
}

// MicroBlock is a leader-signed block carrying transactions.
type MicroBlock struct {
	Base            BaseBlockHeader
	Transactions    []Transaction
	ViewChangeProof *SealedViewChangeProof // proof of its predecessor's skip, if any
	BlockReward     int64
	LeaderKey       []byte
	Sig             crypto.Signature
}

func (b *MicroBlock) Hash() crypto.Hash {
	hr := crypto.NewHasher().WriteString("MicroBlock")
	b.Base.hashInto(hr)
	hr.WriteUint64(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		hr.WriteHash(tx.Hash)
	}
	hr.WriteInt64(b.BlockReward)
	hr.WriteBytes(b.LeaderKey)
	return hr.Sum()
}

func (b *MicroBlock) Header() BaseBlockHeader { return b.Base }
func (b *MicroBlock) IsMicro() bool           { return true }

// MacroBlock is the BFT-agreed, epoch-closing block.
type MacroBlock struct {
	Base        BaseBlockHeader
	BlockReward int64
	Multisig    MultiSignature
}

func (b *MacroBlock) Hash() crypto.Hash {
	hr := crypto.NewHasher().WriteString("MacroBlock")
	b.Base.hashInto(hr)
	hr.WriteInt64(b.BlockReward)
	return hr.Sum()
}

func (b *MacroBlock) Header() BaseBlockHeader { return b.Base }
func (b *MacroBlock) IsMicro() bool           { return false }

// Block is either flavor of sealed block.
type Block interface {
	Hash() crypto.Hash
	Header() BaseBlockHeader
	IsMicro() bool
}

// SealedViewChangeProof is the witness that a supermajority observed the
// same stalled tip and agreed to skip a view.
type SealedViewChangeProof struct {
	Chain ChainInfo
	Proof MultiSignature
}
