package consensus

import (
	"testing"

	"github.com/stegos-labs/node/pkg/chain"
)

func sampleMacroBlock(height uint64) *chain.MacroBlock {
	return &chain.MacroBlock{
		Base: chain.BaseBlockHeader{
			Version: 1,
			Height:  height,
		},
		BlockReward: 60,
	}
}

func TestRoundReachesCommitOnSupermajority(t *testing.T) {
	vs, validators := buildValidators(t, 4)
	leader := vs[0].member

	rounds := make([]*Round, len(vs))
	for i, v := range vs {
		rounds[i] = NewRound(10, validators, v.member, v.key, leader, 0)
	}

	block := sampleMacroBlock(10)
	if err := rounds[0].Propose(block); err != nil {
		t.Fatal(err)
	}

	// Deliver every outbox message to every other round, in waves, until
	// all non-leader rounds commit. A handful of passes suffices since
	// each message delivery can itself enqueue further messages.
	for pass := 0; pass < 6; pass++ {
		var outgoing []Message
		for _, r := range rounds {
			outgoing = append(outgoing, r.Drain()...)
		}
		if len(outgoing) == 0 {
			break
		}
		for _, r := range rounds {
			for _, m := range outgoing {
				if err := r.FeedMessage(m, nil); err != nil {
					t.Fatalf("feed message: %v", err)
				}
			}
		}
	}

	for i, r := range rounds {
		if r.State() != StateCommit {
			t.Fatalf("round %d did not reach commit, state=%v", i, r.State())
		}
		if r.Committed() == nil {
			t.Fatalf("round %d has nil committed block", i)
		}
		if !CheckMultiSignature(r.Committed().Hash(), r.Committed().Multisig, validators, leader.Key, validators.TotalSlots()) {
			t.Fatalf("round %d sealed an invalid multi-signature", i)
		}
	}
}

func TestRoundRejectsProposalFromWrongLeader(t *testing.T) {
	vs, validators := buildValidators(t, 4)
	leader := vs[0].member
	impostor := vs[1]

	r := NewRound(10, validators, vs[2].member, vs[2].key, leader, 0)

	block := sampleMacroBlock(10)
	requestHash := block.Hash()
	fake := NewMessage(10, 0, requestHash, Body{Kind: KindProposal, Request: block}, impostor.key, impostor.member.Key)

	err := r.FeedMessage(fake, nil)
	if _, ok := err.(*DifferentPublicKeyError); !ok {
		t.Fatalf("expected DifferentPublicKeyError, got %v", err)
	}
}

func TestRoundBuffersFutureViewMessages(t *testing.T) {
	vs, validators := buildValidators(t, 4)
	leader := vs[0].member
	r := NewRound(10, validators, vs[1].member, vs[1].key, leader, 0)

	block := sampleMacroBlock(10)
	requestHash := block.Hash()
	futureMsg := NewMessage(10, 1, requestHash, Body{Kind: KindPrevote}, vs[2].key, vs[2].member.Key)

	if err := r.FeedMessage(futureMsg, nil); err != nil {
		t.Fatal(err)
	}
	if r.State() != StatePropose {
		t.Fatalf("future-view message must not affect current-view state, got %v", r.State())
	}

	buffered := r.TakeBufferedForView(1)
	if len(buffered) != 1 {
		t.Fatalf("expected 1 buffered message for view 1, got %d", len(buffered))
	}
}

// TestRoundWithholdsCommitUntilLeaderQuorumOrForced exercises the silent-leader
// case: a precommit quorum forms entirely among the non-leader validators
// (which alone meets the 2/3-stake threshold in a 3-validator set), but the
// leader's own precommit never arrives. The round must not auto-commit from
// that quorum alone, since the resulting multi-signature would be missing
// the leader's bit; only ForceCommit, folding in the leader's proposal
// signature, may seal it.
func TestRoundWithholdsCommitUntilLeaderQuorumOrForced(t *testing.T) {
	vs, validators := buildValidators(t, 3)
	leader := vs[0].member

	follower1 := NewRound(10, validators, vs[1].member, vs[1].key, leader, 0)
	follower2 := NewRound(10, validators, vs[2].member, vs[2].key, leader, 0)
	leaderRound := NewRound(10, validators, vs[0].member, vs[0].key, leader, 0)

	block := sampleMacroBlock(10)
	if err := leaderRound.Propose(block); err != nil {
		t.Fatal(err)
	}
	proposal := leaderRound.Drain()
	if len(proposal) != 2 || proposal[0].Body.Kind != KindProposal {
		t.Fatalf("expected the proposal followed by the leader's self-prevote, got %d messages", len(proposal))
	}

	// Followers see the proposal (capturing the leader's proposal
	// signature) and each other's prevote/precommit, but never the
	// leader's own precommit: the leader goes silent right after
	// proposing.
	for _, r := range []*Round{follower1, follower2} {
		if err := r.FeedMessage(proposal[0], nil); err != nil {
			t.Fatal(err)
		}
	}
	for pass := 0; pass < 4; pass++ {
		var outgoing []Message
		outgoing = append(outgoing, follower1.Drain()...)
		outgoing = append(outgoing, follower2.Drain()...)
		if len(outgoing) == 0 {
			break
		}
		for _, r := range []*Round{follower1, follower2} {
			for _, m := range outgoing {
				if err := r.FeedMessage(m, nil); err != nil {
					t.Fatalf("feed message: %v", err)
				}
			}
		}
	}

	for i, r := range []*Round{follower1, follower2} {
		if r.State() != StatePrecommit {
			t.Fatalf("follower %d should remain in Precommit pending the leader, got %v", i, r.State())
		}
		if r.Committed() != nil {
			t.Fatalf("follower %d must not commit a multi-signature missing the leader's bit", i)
		}
	}

	// The macro view-change timer fires on each follower: fold the
	// leader's proposal signature into the quorum and force the commit.
	for i, r := range []*Round{follower1, follower2} {
		if !r.ForceCommit() {
			t.Fatalf("follower %d: expected ForceCommit to succeed", i)
		}
		if r.Committed() == nil {
			t.Fatalf("follower %d: expected a committed block after ForceCommit", i)
		}
		if !CheckMultiSignature(r.Committed().Hash(), r.Committed().Multisig, validators, leader.Key, validators.TotalSlots()) {
			t.Fatalf("follower %d sealed an invalid multi-signature", i)
		}
	}
}
