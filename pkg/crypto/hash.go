// Package crypto provides the canonical hashing and BLS signing primitives
// the consensus layer builds on.
package crypto

import (
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/sha3"
)

// Hash is an opaque 256-bit digest produced by the canonical hashing
// protocol: fixed field order, length-prefixed byte strings, and a literal
// tag string per variant for anything with more than one shape.
type Hash [32]byte

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0xf]
	}
	return string(out)
}

func (h Hash) IsZero() bool { return h == Hash{} }

// Hasher accumulates the canonical byte encoding of a signed structure and
// yields its digest. Every signed message in the system writes its fields
// to a Hasher in a fixed order; implementations must never rely on
// reflection over struct fields.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a fresh canonical hasher. The digest algorithm is
// SHA3-256; it is part of the protocol and cannot vary per node.
func NewHasher() *Hasher {
	return &Hasher{h: sha3.New256()}
}

func (hr *Hasher) WriteUint64(v uint64) *Hasher {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	hr.h.Write(buf[:])
	return hr
}

func (hr *Hasher) WriteUint32(v uint32) *Hasher {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	hr.h.Write(buf[:])
	return hr
}

func (hr *Hasher) WriteInt64(v int64) *Hasher {
	return hr.WriteUint64(uint64(v))
}

// WriteBytes writes a length-prefixed byte string, per the canonical
// serialization: every variable-length field commits to its own length so
// that two different decompositions of the same concatenated bytes can
// never collide.
func (hr *Hasher) WriteBytes(b []byte) *Hasher {
	hr.WriteUint64(uint64(len(b)))
	hr.h.Write(b)
	return hr
}

// WriteString writes a tag string discriminator (e.g. "Propose") verbatim,
// length-prefixed like any other byte string.
func (hr *Hasher) WriteString(s string) *Hasher {
	return hr.WriteBytes([]byte(s))
}

func (hr *Hasher) WriteHash(h Hash) *Hasher {
	hr.h.Write(h[:])
	return hr
}

func (hr *Hasher) Sum() Hash {
	var out Hash
	copy(out[:], hr.h.Sum(nil))
	return out
}

// DigestBytes is a one-shot convenience for hashing an already-encoded
// byte string (used for payloads that are opaque to the consensus layer,
// e.g. raw transaction bytes).
func DigestBytes(b []byte) Hash {
	return sha3.Sum256(b)
}
