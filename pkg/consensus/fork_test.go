package consensus

import (
	"testing"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

func TestResolveForkDuplicateIsCanceled(t *testing.T) {
	h := crypto.DigestBytes([]byte("same-block"))
	res, err := ResolveFork(10, 2, 2, h, h, crypto.DigestBytes([]byte("prev")), []byte("leader"), []byte("leader"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != ForkCancel {
		t.Fatalf("expected ForkCancel for a duplicate, got %v", res.Decision)
	}
}

func TestResolveForkEquivocationIsCanceled(t *testing.T) {
	local := crypto.DigestBytes([]byte("local"))
	remote := crypto.DigestBytes([]byte("remote"))
	res, err := ResolveFork(10, 2, 2, local, remote, crypto.DigestBytes([]byte("prev")), []byte("leader"), []byte("leader"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != ForkCancel {
		t.Fatalf("expected ForkCancel for equivocation, got %v", res.Decision)
	}
}

func TestResolveForkWrongLeaderIsRejected(t *testing.T) {
	_, err := ResolveFork(10, 2, 3, crypto.Hash{}, crypto.Hash{}, crypto.Hash{}, []byte("impostor"), []byte("leader"), nil)
	if _, ok := err.(*DifferentPublicKeyError); !ok {
		t.Fatalf("expected DifferentPublicKeyError, got %v", err)
	}
}

func TestResolveForkLowerViewSendsBlocks(t *testing.T) {
	res, err := ResolveFork(10, 5, 3, crypto.Hash{}, crypto.Hash{}, crypto.Hash{}, []byte("leader"), []byte("leader"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != ForkCancel || string(res.SendBlocksTo) != "leader" {
		t.Fatalf("expected ForkCancel+SendBlocksTo, got %+v", res)
	}
}

func TestResolveForkMissingProofErrors(t *testing.T) {
	_, err := ResolveFork(10, 2, 3, crypto.Hash{}, crypto.Hash{}, crypto.Hash{}, []byte("leader"), []byte("leader"), nil)
	if err != ErrNoProofWasFound {
		t.Fatalf("expected ErrNoProofWasFound, got %v", err)
	}
}

func TestResolveForkRequestsHistoryOnPreviousMismatch(t *testing.T) {
	localPrev := crypto.DigestBytes([]byte("local-prev"))
	proof := &chain.SealedViewChangeProof{
		Chain: chain.ChainInfo{Height: 10, LastBlock: crypto.DigestBytes([]byte("remote-prev")), View: 3},
	}
	res, err := ResolveFork(10, 2, 3, crypto.Hash{}, crypto.Hash{}, localPrev, []byte("leader"), []byte("leader"), proof)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != ForkRequestHistory {
		t.Fatalf("expected ForkRequestHistory, got %v", res.Decision)
	}
}

func TestResolveForkRollsBackOnMatchingPrevious(t *testing.T) {
	prev := crypto.DigestBytes([]byte("shared-prev"))
	proof := &chain.SealedViewChangeProof{
		Chain: chain.ChainInfo{Height: 10, LastBlock: prev, View: 3},
	}
	res, err := ResolveFork(10, 2, 3, crypto.Hash{}, crypto.Hash{}, prev, []byte("leader"), []byte("leader"), proof)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != ForkRollback || res.Height != 10 || res.RemoteView != 3 {
		t.Fatalf("expected ForkRollback at height 10 view 3, got %+v", res)
	}
}
