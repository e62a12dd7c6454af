package node

import (
	"time"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/consensus"
)

// updateValidationStatus recomputes the driver's role from current chain
// state: block kind (micro while the epoch still has room, macro once
// it's full) crossed with membership (validator if self's key sits in
// the active set, auditor otherwise). It runs after every applied block
// and after every accepted view change, since either can flip either
// axis.
func (s *Service) updateValidationStatus() {
	blocksInEpoch := s.chain.Height() - s.chain.LastMacroBlockHeight()
	isValidator := s.chain.IsValidator(s.selfKey)

	var carried []consensus.Message
	var collector *consensus.ViewChangeCollector
	if s.role.kind == RoleMicroBlockValidator && s.role.micro != nil {
		carried = s.role.micro.futureConsensus
		collector = s.role.micro.collector
	}

	var kind RoleKind
	switch {
	case blocksInEpoch < s.chain.BlocksInEpoch() && isValidator:
		kind = RoleMicroBlockValidator
	case blocksInEpoch < s.chain.BlocksInEpoch():
		kind = RoleMicroBlockAuditor
	case isValidator:
		kind = RoleMacroBlockValidator
	default:
		kind = RoleMacroBlockAuditor
	}

	s.role = role{kind: kind}
	switch kind {
	case RoleMicroBlockValidator:
		s.enterMicroBlockValidator(carried, collector)
	case RoleMacroBlockValidator:
		s.enterMacroBlockValidator(carried)
	}
}

// enterMicroBlockValidator arms either the propose timer (self is the
// leader for the current view) or the view-change timer (watching for
// the leader to go silent). The collector survives micro-to-micro
// transitions within an epoch (stale votes are pruned as blocks apply)
// and starts fresh whenever the epoch, and so possibly the validator
// set, rolled over.
func (s *Service) enterMicroBlockValidator(carried []consensus.Message, collector *consensus.ViewChangeCollector) {
	view := s.chain.ViewChange()
	if collector == nil {
		collector = consensus.NewViewChangeCollector(s.chain.Validators())
	}
	mv := &microValidator{
		collector:       collector,
		futureConsensus: carried,
	}
	s.role.micro = mv

	leader := s.chain.SelectLeader(view)
	if string(leader.Key) == string(s.selfKey) {
		if view == 0 {
			mv.proposeTimer = s.clock.After(s.cfg.Consensus.TxWaitTimeout)
		} else {
			// A view change already elected us; propose without delay.
			mv.proposeTimer = s.clock.After(0)
		}
	} else {
		mv.viewChangeTimer = s.clock.After(s.cfg.Consensus.MicroBlockTimeout)
	}
}

// enterMacroBlockValidator starts a fresh Round for the epoch-closing
// block. A leader proposes immediately; a follower arms the view-change
// timer and replays any macro consensus messages buffered while it was
// still finishing out the micro epoch.
func (s *Service) enterMacroBlockValidator(carried []consensus.Message) {
	height := s.chain.Height() + 1
	view := s.chain.ViewChange()
	validators := s.chain.Validators()
	leader := s.chain.SelectLeader(view)

	self := chain.Validator{Key: s.selfKey, PublicKey: s.keypair.PublicKey()}
	if idx := validators.IndexOf(s.selfKey); idx >= 0 {
		self = validators.At(idx)
	}

	round := consensus.NewRound(height, validators, self, s.keypair, leader, view)
	mv := &macroValidator{round: round}
	s.role.macro = mv

	if string(leader.Key) == string(s.selfKey) {
		s.proposeMacroBlock(round)
	} else {
		mv.viewChangeTimer = s.clock.After(time.Duration(view+1) * s.cfg.Consensus.MacroBlockTimeout)
	}
	s.drainRoundOutbox(round)

	for _, m := range carried {
		s.feedRoundMessage(m)
	}
}
