package crypto

import (
	"errors"

	bls12381 "github.com/cloudflare/circl/ecc/bls12381"
	bls "github.com/cloudflare/circl/sign/bls"
)

// scheme fixes public keys to G2 and signatures to G1 (circl's
// KeyG2SigG1), per the data model: both groups are additive and
// summation is the aggregation primitive.
type scheme = bls.KeyG2SigG1

type PublicKey = bls.PublicKey[scheme]
type Signature = []byte

var errNoSignatures = errors.New("crypto: no signatures to aggregate")

// Keypair is a BLS pairing-friendly keypair. It exposes exactly the two
// operations the consensus layer needs: sign-hash and verify-hash.
type Keypair struct {
	sk *bls.PrivateKey[scheme]
	pk *PublicKey
}

// GenerateKeypair derives a keypair deterministically from seed material
// (tests use a fixed seed per validator so runs are reproducible). The
// seed is stretched through the canonical digest first: KeyGen requires
// at least 32 bytes of input key material, and callers pass short
// human-readable names.
func GenerateKeypair(seed []byte) (*Keypair, error) {
	ikm := DigestBytes(seed)
	sk, err := bls.KeyGen[scheme](ikm[:], nil, nil)
	if err != nil {
		return nil, err
	}
	return &Keypair{sk: sk, pk: sk.PublicKey()}, nil
}

func (k *Keypair) PublicKey() *PublicKey { return k.pk }

// SignHash signs the digest of a canonically-hashed message.
func (k *Keypair) SignHash(h Hash) Signature {
	return bls.Sign(k.sk, h[:])
}

// VerifyHash checks an individual signature against a digest.
func VerifyHash(pk *PublicKey, h Hash, sig Signature) bool {
	if len(sig) == 0 {
		return false
	}
	return bls.Verify(pk, h[:], bls.Signature(sig))
}

// Aggregate sums individual G1 signatures over the same message into one
// multi-signature. Summation is commutative but not idempotent: a
// contributor included twice is counted twice, so partial aggregates can
// only be folded together when their contributor sets are disjoint.
func Aggregate(sigs []Signature) (Signature, error) {
	raw := make([]bls.Signature, 0, len(sigs))
	for _, s := range sigs {
		if len(s) == 0 {
			continue
		}
		raw = append(raw, bls.Signature(s))
	}
	if len(raw) == 0 {
		return nil, errNoSignatures
	}
	agg, err := bls.Aggregate(bls.G2{}, raw)
	if err != nil {
		return nil, err
	}
	return Signature(agg), nil
}

// VerifyAggregate checks a single aggregate signature over one shared
// message against the sum of the given public keys. This is BLS
// same-message multisignature verification: sum the contributing G2
// public keys into one combined key, then run a single pair-verify
// against it. That is a distinct scheme from circl's own
// VerifyAggregate, which verifies one distinct message per signer and
// requires len(pubs) == len(msgs) — calling it here with one shared
// message would reject every real quorum of more than one signer.
func VerifyAggregate(pks []*PublicKey, h Hash, aggSig Signature) bool {
	if len(aggSig) == 0 || len(pks) == 0 {
		return false
	}
	var sum bls12381.G2
	sum.SetIdentity()
	for _, pk := range pks {
		raw, err := pk.MarshalBinary()
		if err != nil {
			return false
		}
		var p bls12381.G2
		if err := p.SetBytes(raw); err != nil {
			return false
		}
		sum.Add(&sum, &p)
	}
	combined := new(PublicKey)
	if err := combined.UnmarshalBinary(sum.BytesCompressed()); err != nil {
		return false
	}
	return bls.Verify(combined, h[:], bls.Signature(aggSig))
}
