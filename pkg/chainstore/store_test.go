package chainstore

import (
	"testing"
	"time"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

func testValidatorSet(t *testing.T) *chain.ValidatorSet {
	t.Helper()
	kp, err := crypto.GenerateKeypair([]byte("validator-0"))
	if err != nil {
		t.Fatal(err)
	}
	return chain.NewValidatorSet([]chain.Validator{
		{PublicKey: kp.PublicKey(), Key: []byte("v0"), Stake: 1},
	})
}

func TestMemoryPushAndPopMicroBlock(t *testing.T) {
	vs := testValidatorSet(t)
	m := NewMemory(vs, 5, crypto.DigestBytes([]byte("genesis")), nil)

	genesisHash := m.LastBlockHash()
	micro := &chain.MicroBlock{
		Base: chain.BaseBlockHeader{Version: 1, Previous: genesisHash, Height: 1},
		Transactions: []chain.Transaction{
			{Hash: crypto.DigestBytes([]byte("tx1")), Inputs: 1, Outputs: 2},
		},
	}
	inputs, outputs, err := m.PushMicroBlock(micro, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != 1 || len(outputs) != 2 {
		t.Fatalf("unexpected inputs/outputs: %d/%d", len(inputs), len(outputs))
	}
	if m.Height() != 1 {
		t.Fatalf("expected height 1, got %d", m.Height())
	}

	poppedIn, poppedOut, err := m.PopMicroBlock()
	if err != nil {
		t.Fatal(err)
	}
	if len(poppedIn) != 1 || len(poppedOut) != 2 {
		t.Fatalf("unexpected popped inputs/outputs")
	}
	if m.Height() != 0 {
		t.Fatalf("expected height back to 0, got %d", m.Height())
	}
	if m.LastBlockHash() != genesisHash {
		t.Fatalf("expected tip back at genesis after pop")
	}
}

func TestMemoryPushMicroBlockResetsViewChange(t *testing.T) {
	vs := testValidatorSet(t)
	m := NewMemory(vs, 5, crypto.DigestBytes([]byte("genesis")), nil)
	m.SetViewChange(2, nil)

	micro := &chain.MicroBlock{
		Base: chain.BaseBlockHeader{Version: 1, Previous: m.LastBlockHash(), Height: 1, View: 2},
	}
	if _, _, err := m.PushMicroBlock(micro, time.Now()); err != nil {
		t.Fatal(err)
	}
	if m.ViewChange() != 0 {
		t.Fatalf("expected leader attempts to restart at view 0 for the next height, got %d", m.ViewChange())
	}
	if m.ViewChangeProof() != nil {
		t.Fatal("expected the retained view-change proof cleared once its block applied")
	}
}

func TestMemoryPopRefusesPastMacroBoundary(t *testing.T) {
	vs := testValidatorSet(t)
	m := NewMemory(vs, 5, crypto.DigestBytes([]byte("genesis")), nil)
	if _, _, err := m.PopMicroBlock(); err != ErrPopPastMacroBlock {
		t.Fatalf("expected ErrPopPastMacroBlock, got %v", err)
	}
}

func TestPebblePushPopAndReopen(t *testing.T) {
	vs := testValidatorSet(t)
	dir := t.TempDir()
	genesisRandom := crypto.DigestBytes([]byte("genesis"))

	p, err := NewPebble(dir, vs, 5, genesisRandom)
	if err != nil {
		t.Fatal(err)
	}

	micro := &chain.MicroBlock{
		Base: chain.BaseBlockHeader{
			Version:    1,
			Previous:   p.LastBlockHash(),
			Height:     1,
			Randomness: crypto.DigestBytes([]byte("r1")),
		},
		Transactions: []chain.Transaction{
			{Hash: crypto.DigestBytes([]byte("tx1")), Inputs: 1, Outputs: 2},
		},
	}
	inputs, outputs, err := p.PushMicroBlock(micro, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != 1 || len(outputs) != 2 {
		t.Fatalf("unexpected inputs/outputs: %d/%d", len(inputs), len(outputs))
	}
	if p.Height() != 1 {
		t.Fatalf("expected height 1, got %d", p.Height())
	}
	microHash := micro.Hash()
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening must recover the tip from the persisted blocks.
	p, err = NewPebble(dir, vs, 5, genesisRandom)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if p.Height() != 1 {
		t.Fatalf("expected recovered height 1, got %d", p.Height())
	}
	if p.LastBlockHash() != microHash {
		t.Fatal("expected recovered tip to be the persisted micro block")
	}
	if p.LastRandom() != micro.Base.Randomness {
		t.Fatal("expected recovered randomness from the tip block")
	}

	poppedIn, poppedOut, err := p.PopMicroBlock()
	if err != nil {
		t.Fatal(err)
	}
	if len(poppedIn) != 1 || len(poppedOut) != 2 {
		t.Fatalf("unexpected popped inputs/outputs")
	}
	if p.Height() != 0 {
		t.Fatalf("expected height back to 0, got %d", p.Height())
	}
	if _, _, err := p.PopMicroBlock(); err != ErrPopPastMacroBlock {
		t.Fatalf("expected ErrPopPastMacroBlock at genesis, got %v", err)
	}
}

func TestMemoryPushMacroBlockAdvancesEpochBookkeeping(t *testing.T) {
	vs := testValidatorSet(t)
	m := NewMemory(vs, 5, crypto.DigestBytes([]byte("genesis")), nil)

	macro := &chain.MacroBlock{
		Base: chain.BaseBlockHeader{Version: 1, Previous: m.LastBlockHash(), Height: 5},
	}
	if err := m.PushMacroBlock(macro, time.Now()); err != nil {
		t.Fatal(err)
	}
	if m.LastMacroBlockHeight() != 5 {
		t.Fatalf("expected last macro height 5, got %d", m.LastMacroBlockHeight())
	}
	if m.ViewChange() != 0 {
		t.Fatalf("expected view change reset to 0 after macro block, got %d", m.ViewChange())
	}
}
