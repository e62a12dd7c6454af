package consensus

import (
	"testing"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

func TestViewChangeCollectorSealsOnSupermajority(t *testing.T) {
	vs, validators := buildValidators(t, 4)
	local := chain.ChainInfo{Height: 5, LastBlock: crypto.DigestBytes([]byte("tip")), View: 1}
	ci := chain.ChainInfo{Height: 5, LastBlock: crypto.DigestBytes([]byte("tip")), View: 2}

	c := NewViewChangeCollector(validators)

	var proof *chain.SealedViewChangeProof
	for i, v := range vs[:3] {
		msg := NewViewChangeMessage(ci, v.key, v.member.Key)
		p, err := c.Feed(local, msg)
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			if p != nil {
				t.Fatalf("sealed too early after %d votes", i+1)
			}
		} else {
			proof = p
		}
	}
	if proof == nil {
		t.Fatal("expected a sealed proof after 3/4 votes")
	}
	if !CheckViewChangeProof(proof, validators, validators.TotalSlots()) {
		t.Fatal("sealed proof should check out")
	}
}

func TestViewChangeCollectorRejectsNonMember(t *testing.T) {
	_, validators := buildValidators(t, 4)
	outsider, err := crypto.GenerateKeypair([]byte("outsider"))
	if err != nil {
		t.Fatal(err)
	}
	local := chain.ChainInfo{Height: 5, LastBlock: crypto.DigestBytes([]byte("tip")), View: 1}
	ci := chain.ChainInfo{Height: 5, LastBlock: crypto.DigestBytes([]byte("tip")), View: 2}

	c := NewViewChangeCollector(validators)
	msg := NewViewChangeMessage(ci, outsider, []byte("not-a-member"))
	if _, err := c.Feed(local, msg); err == nil {
		t.Fatal("expected error feeding a non-member vote")
	}
}

func TestViewChangeCollectorForget(t *testing.T) {
	vs, validators := buildValidators(t, 4)
	local := chain.ChainInfo{Height: 5, LastBlock: crypto.DigestBytes([]byte("tip")), View: 1}
	ci := chain.ChainInfo{Height: 5, LastBlock: crypto.DigestBytes([]byte("tip")), View: 2}

	c := NewViewChangeCollector(validators)
	msg := NewViewChangeMessage(ci, vs[0].key, vs[0].member.Key)
	if _, err := c.Feed(local, msg); err != nil {
		t.Fatal(err)
	}
	c.Forget(5)
	if len(c.votes) != 0 {
		t.Fatalf("expected votes at or below height 5 to be forgotten, got %d buckets", len(c.votes))
	}
}

func TestViewChangeCollectorDropsStaleChainInfo(t *testing.T) {
	vs, validators := buildValidators(t, 4)
	local := chain.ChainInfo{Height: 5, LastBlock: crypto.DigestBytes([]byte("tip")), View: 1}

	c := NewViewChangeCollector(validators)

	forked := chain.ChainInfo{Height: 5, LastBlock: crypto.DigestBytes([]byte("other-tip")), View: 2}
	msg := NewViewChangeMessage(forked, vs[0].key, vs[0].member.Key)
	if _, err := c.Feed(local, msg); err != ErrInvalidViewChange {
		t.Fatalf("expected ErrInvalidViewChange for a forked tip, got %v", err)
	}

	wrongHeight := chain.ChainInfo{Height: 4, LastBlock: local.LastBlock, View: 2}
	msg = NewViewChangeMessage(wrongHeight, vs[0].key, vs[0].member.Key)
	if _, err := c.Feed(local, msg); err != ErrInvalidViewChange {
		t.Fatalf("expected ErrInvalidViewChange for a stale height, got %v", err)
	}

	staleView := chain.ChainInfo{Height: local.Height, LastBlock: local.LastBlock, View: local.View}
	msg = NewViewChangeMessage(staleView, vs[0].key, vs[0].member.Key)
	if _, err := c.Feed(local, msg); err != ErrInvalidViewChange {
		t.Fatalf("expected ErrInvalidViewChange for a non-advancing view, got %v", err)
	}

	if len(c.votes) != 0 {
		t.Fatalf("expected no votes recorded from dropped messages, got %d buckets", len(c.votes))
	}
}
