package node

import (
	"context"
	"fmt"
	"time"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/consensus"
	"github.com/stegos-labs/node/pkg/crypto"
	"github.com/stegos-labs/node/pkg/metrics"
	"github.com/stegos-labs/node/pkg/p2p"
)

// deriveRandomness computes the next block's VRF-seed stand-in. Actual
// VRF generation belongs to the validator's signing key material and is
// out of scope here; mixing the previous randomness with height and
// view keeps leader election deterministic without requiring a VRF
// implementation this package doesn't own. Unlike a VRF output, the
// value can be computed ahead of time by anyone from public chain data.
func deriveRandomness(prev crypto.Hash, height, view uint64) crypto.Hash {
	return crypto.NewHasher().WriteHash(prev).WriteUint64(height).WriteUint64(view).Sum()
}

// createMicroBlock is invoked by the propose timer: it assembles a
// micro block from the current mempool and chain tip, signs it, applies
// it locally, and gossips it.
func (s *Service) createMicroBlock() {
	if s.role.kind != RoleMicroBlockValidator || s.role.micro == nil {
		return
	}
	view := s.chain.ViewChange()
	height := s.chain.Height() + 1
	txs := s.mempool.SelectForProposal(s.cfg.Node.MaxUtxoInBlock)

	block := &chain.MicroBlock{
		Base: chain.BaseBlockHeader{
			Version:    1,
			Previous:   s.chain.LastBlockHash(),
			Height:     height,
			View:       view,
			Timestamp:  s.clock.Now().UnixNano(),
			Randomness: deriveRandomness(s.chain.LastRandom(), height, view),
		},
		Transactions:    txs,
		ViewChangeProof: s.chain.ViewChangeProof(),
		BlockReward:     s.cfg.Node.BlockReward,
		LeaderKey:       s.selfKey,
	}
	block.Sig = s.keypair.SignHash(block.Hash())

	if err := s.applyBlock(block); err != nil {
		s.log.Warnw("micro_block_apply_failed", "height", height, "err", err)
		return
	}
	s.publish(context.Background(), p2p.TopicBlock, sealedBlockWire{Micro: block})
}

// proposeMacroBlock builds and proposes the epoch-closing macro block
// from current chain state, via the round's leader path.
func (s *Service) proposeMacroBlock(round *consensus.Round) {
	block := &chain.MacroBlock{
		Base: chain.BaseBlockHeader{
			Version:    1,
			Previous:   s.chain.LastBlockHash(),
			Height:     round.Height(),
			View:       round.View(),
			Timestamp:  s.clock.Now().UnixNano(),
			Randomness: deriveRandomness(s.chain.LastRandom(), round.Height(), round.View()),
		},
		BlockReward: s.cfg.Node.BlockReward,
	}
	if err := round.Propose(block); err != nil {
		s.log.Warnw("macro_propose_failed", "height", round.Height(), "err", err)
	}
}

// macroProposalValidator checks an incoming macro-block proposal against
// chain state before the round accepts it into its prevote path.
func (s *Service) macroProposalValidator() consensus.ValidateRequest {
	return func(requestHash crypto.Hash, request *chain.MacroBlock, view uint64) error {
		if request == nil {
			return consensus.ErrInvalidPropose
		}
		ts := time.Unix(0, request.Base.Timestamp)
		return s.chain.ValidateMacroBlock(request, ts, true)
	}
}

func (s *Service) drainRoundOutbox(round *consensus.Round) {
	for _, m := range round.Drain() {
		s.publishConsensusMessage(m)
	}
}

func (s *Service) publishConsensusMessage(m consensus.Message) {
	w := consensusWire{
		Height:      m.Height,
		View:        m.View,
		RequestHash: m.RequestHash,
		Body:        m.Body,
		SenderKey:   m.SenderKey,
		SenderSig:   m.SenderSig,
	}
	s.publish(context.Background(), p2p.TopicConsensus, w)
}

// feedRoundMessage routes one consensus message into the active macro
// round, draining any resulting outbox traffic and committing if the
// round just reached supermajority.
func (s *Service) feedRoundMessage(m consensus.Message) {
	if s.role.macro == nil {
		return
	}
	round := s.role.macro.round
	if err := round.FeedMessage(m, s.macroProposalValidator()); err != nil {
		s.log.Warnw("consensus_message_rejected", "height", m.Height, "view", m.View, "err", err)
	}
	s.drainRoundOutbox(round)
	if round.Committed() != nil {
		s.commitMacroRound(round)
	}
}

func (s *Service) commitMacroRound(round *consensus.Round) {
	block := round.Committed()
	if err := s.applyBlock(block); err != nil {
		// The chain refusing a block a supermajority already committed
		// means the local view is corrupt; stop the loop rather than keep
		// running desynced.
		s.log.Errorw("macro_commit_apply_failed", "height", block.Base.Height, "err", err)
		s.abort(fmt.Errorf("%w: %v", errCommittedBlockRejected, err))
		return
	}
	s.publish(context.Background(), p2p.TopicBlock, sealedBlockWire{Macro: block})
}

// applyBlock pushes a validated block onto the chain and fans out the
// resulting notifications, regardless of whether it was locally
// produced or received (and, for fork-resolved blocks, after a
// rollback).
func (s *Service) applyBlock(b chain.Block) error {
	ts := time.Unix(0, b.Header().Timestamp)
	switch blk := b.(type) {
	case *chain.MicroBlock:
		inputs, outputs, err := s.chain.PushMicroBlock(blk, ts)
		if err != nil {
			return err
		}
		for _, tx := range blk.Transactions {
			s.mempool.Remove(tx.Hash)
		}
		s.onBlockApplied(blk.Base, inputs, outputs, false)
	case *chain.MacroBlock:
		if err := s.chain.PushMacroBlock(blk, ts); err != nil {
			return err
		}
		s.onBlockApplied(blk.Base, nil, nil, true)
	}
	return nil
}

func (s *Service) onBlockApplied(base chain.BaseBlockHeader, inputs, outputs []chain.Transaction, isMacro bool) {
	now := s.clock.Now()
	lag := now.UnixNano() - base.Timestamp

	metrics.MempoolTransactions.Set(int64(s.mempool.Len()))
	metrics.MempoolInputs.Set(int64(s.mempool.InputsLen()))
	metrics.MempoolOutputs.Set(int64(s.mempool.OutputsLen()))
	metrics.BlockLag.Set(lag)
	metrics.BlockLocalTimestamp.Set(metrics.TimeToTimestampMs(now.UnixNano()))
	metrics.BlockRemoteTimestamp.Set(metrics.TimeToTimestampMs(base.Timestamp))

	if s.role.kind == RoleMicroBlockValidator && s.role.micro != nil && s.role.micro.collector != nil {
		s.role.micro.collector.Forget(base.Height)
	}

	synced := s.isSynchronized()
	if synced {
		metrics.Synchronized.Set(1)
	} else {
		metrics.Synchronized.Set(0)
	}

	added := BlockAdded{
		Height:          base.Height,
		Hash:            s.chain.LastBlockHash(),
		Lag:             lag,
		View:            base.View,
		LocalTimestamp:  metrics.TimeToTimestampMs(now.UnixNano()),
		RemoteTimestamp: metrics.TimeToTimestampMs(base.Timestamp),
		Synchronized:    synced,
		Epoch:           s.chain.Epoch(),
	}
	for _, ch := range s.onBlockAdded {
		select {
		case ch <- added:
		default:
		}
	}

	if isMacro {
		// Epoch rollover: anything still buffered was addressed at the
		// closed epoch and is re-fetched via the loader if still needed.
		s.futureBlocks = make(map[uint64]chain.Block)

		ec := EpochChanged{Epoch: s.chain.Epoch(), Validators: s.chain.Validators().All()}
		for _, ch := range s.onEpochChanged {
			select {
			case ch <- ec:
			default:
			}
		}
	}

	s.fanOutOutputsChanged(inputs, outputs)
	s.updateValidationStatus()
	s.drainOrphans()
}

func (s *Service) fanOutOutputsChanged(inputs, outputs []chain.Transaction) {
	if len(inputs) == 0 && len(outputs) == 0 {
		return
	}
	oc := OutputsChanged{Epoch: s.chain.Epoch(), Inputs: inputs, Outputs: outputs}
	for _, ch := range s.onOutputsChanged {
		select {
		case ch <- oc:
		default:
		}
	}
}

// drainOrphans applies any buffered future blocks that have become the
// new tip, repeating until the buffer no longer has the next height. If
// blocks remain buffered above the (new) tip, it asks for history to
// fill the remaining gap.
func (s *Service) drainOrphans() {
	for {
		tip := s.chain.Height()
		b, ok := s.futureBlocks[tip+1]
		if !ok {
			break
		}
		delete(s.futureBlocks, tip+1)
		s.ingestBlock(b)
	}
	if len(s.futureBlocks) > 0 {
		s.requestHistory()
	}
}
