package node

import (
	"context"
	"time"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/consensus"
	"github.com/stegos-labs/node/pkg/metrics"
	"github.com/stegos-labs/node/pkg/p2p"
)

// currentProposeTimer exposes the active role's propose timer to Run's
// select, or a channel that never fires if the current role has none.
func (s *Service) currentProposeTimer() <-chan time.Time {
	if s.role.kind == RoleMicroBlockValidator && s.role.micro != nil {
		return s.role.micro.proposeTimer
	}
	return nil
}

func (s *Service) clearProposeTimer() {
	if s.role.kind == RoleMicroBlockValidator && s.role.micro != nil {
		s.role.micro.proposeTimer = nil
	}
}

func (s *Service) currentMicroViewChangeTimer() <-chan time.Time {
	if s.role.kind == RoleMicroBlockValidator && s.role.micro != nil {
		return s.role.micro.viewChangeTimer
	}
	return nil
}

func (s *Service) currentMacroViewChangeTimer() <-chan time.Time {
	if s.role.kind == RoleMacroBlockValidator && s.role.macro != nil {
		return s.role.macro.viewChangeTimer
	}
	return nil
}

// handleMicroBlockViewChangeTimer fires when the current view's leader
// never gossiped a micro block in time. It casts (and self-counts) a
// vote to skip to the next view, sealing and applying the view change
// locally the moment a supermajority is reached, whether that happens
// on this vote or a later one gossiped in from a peer.
func (s *Service) handleMicroBlockViewChangeTimer() {
	if s.role.kind != RoleMicroBlockValidator || s.role.micro == nil {
		return
	}
	s.role.micro.viewChangeTimer = nil

	currentView := s.chain.ViewChange()
	local := chain.ChainInfo{
		Height:    s.chain.Height() + 1,
		LastBlock: s.chain.LastBlockHash(),
		View:      currentView,
	}
	ci := chain.ChainInfo{
		Height:    local.Height,
		LastBlock: local.LastBlock,
		View:      currentView + 1,
	}
	vote := consensus.NewViewChangeMessage(ci, s.keypair, s.selfKey)

	w := viewChangeWire{Chain: vote.Chain, SenderKey: vote.SenderKey, Sig: vote.Sig}
	s.publish(context.Background(), p2p.TopicViewChanges, w)

	proof, err := s.role.micro.collector.Feed(local, vote)
	if err != nil {
		s.log.Warnw("view_change_self_vote_rejected", "err", err)
		// Still worth arming a fresh timer: other validators' votes may
		// yet seal the proof.
		s.role.micro.viewChangeTimer = s.clock.After(s.cfg.Consensus.MicroBlockTimeout)
		return
	}
	if proof != nil {
		s.acceptMicroViewChange(proof)
		return
	}
	s.role.micro.viewChangeTimer = s.clock.After(s.cfg.Consensus.MicroBlockTimeout)
}

// handleMacroBlockViewChangeTimer fires when the current round's leader
// never published the sealed macro block in time. If a precommit
// supermajority was already reached but lacked the leader's own bit
// (the leader went silent right after proposing), the round is
// force-committed by folding in the leader's proposal signature.
// Otherwise the round advances to a new view under the next leader.
func (s *Service) handleMacroBlockViewChangeTimer() {
	if s.role.kind != RoleMacroBlockValidator || s.role.macro == nil {
		return
	}
	round := s.role.macro.round

	if round.State() == consensus.StatePrecommit && round.ForceCommit() {
		metrics.AUTOCOMMIT.Inc()
		s.commitMacroRound(round)
		s.requestHistory()
		return
	}

	metrics.KeyBlockViewChanges.Inc()
	nextView := round.View() + 1
	leader := s.chain.Validators().Leader(s.chain.LastRandom(), nextView)
	buffered := round.TakeBufferedForView(nextView)
	round.NextRound(nextView, leader)

	if string(leader.Key) == string(s.selfKey) {
		s.proposeMacroBlock(round)
	} else {
		s.role.macro.viewChangeTimer = s.clock.After(time.Duration(nextView+1) * s.cfg.Consensus.MacroBlockTimeout)
	}
	s.drainRoundOutbox(round)
	for _, m := range buffered {
		s.feedRoundMessage(m)
	}
	s.requestHistory()
}
