package node

import (
	"context"
	"errors"

	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/consensus"
	"github.com/stegos-labs/node/pkg/crypto"
	"github.com/stegos-labs/node/pkg/metrics"
	"github.com/stegos-labs/node/pkg/p2p"
)

// handleTransaction admits a transaction to the mempool. local is true
// for transactions submitted through Node's public API, which are
// re-gossiped; transactions arriving from the network are only ever
// admitted, never re-broadcast (gossipsub already handles fan-out).
func (s *Service) handleTransaction(tx chain.Transaction, local bool) {
	if err := s.mempool.Push(tx); err != nil {
		s.log.Debugw("tx_rejected", "hash", tx.Hash, "err", err)
		return
	}
	metrics.MempoolTransactions.Set(int64(s.mempool.Len()))
	metrics.MempoolInputs.Set(int64(s.mempool.InputsLen()))
	metrics.MempoolOutputs.Set(int64(s.mempool.OutputsLen()))

	if local {
		w := txWire{Hash: tx.Hash, Raw: tx.Raw, Inputs: tx.Inputs, Outputs: tx.Outputs}
		s.publish(context.Background(), p2p.TopicTx, w)
	}
}

// handlePopBlock removes the chain's current tip, the driver-level
// counterpart of a debug/rollback console command.
func (s *Service) handlePopBlock() {
	inputs, outputs, err := s.chain.PopMicroBlock()
	if err != nil {
		s.log.Warnw("pop_block_failed", "err", err)
		return
	}
	s.fanOutOutputsChanged(inputs, outputs)
	s.updateValidationStatus()
}

// handleConsensusMessage gates a macro-consensus message by current
// role: only an active macro-block validator feeds it to its round
// immediately; a node still finishing out micro blocks for the epoch
// buffers it for replay once it catches up, and an auditor drops it.
func (s *Service) handleConsensusMessage(m consensus.Message) {
	switch s.role.kind {
	case RoleMacroBlockValidator:
		s.feedRoundMessage(m)
	case RoleMicroBlockValidator:
		if s.role.micro != nil {
			s.role.micro.futureConsensus = append(s.role.micro.futureConsensus, m)
		}
	}
}

// handleViewChangeMessage feeds one gossiped view-change vote into the
// local collector. Only a micro-block validator runs a collector; an
// accepted view change is otherwise passed on only through the direct
// unicast sent to the newly elected leader.
func (s *Service) handleViewChangeMessage(m consensus.ViewChangeMessage) {
	if s.role.kind != RoleMicroBlockValidator || s.role.micro == nil || s.role.micro.collector == nil {
		return
	}
	local := chain.ChainInfo{
		Height:    s.chain.Height() + 1,
		LastBlock: s.chain.LastBlockHash(),
		View:      s.chain.ViewChange(),
	}
	proof, err := s.role.micro.collector.Feed(local, m)
	if err != nil {
		s.log.Warnw("view_change_vote_rejected", "err", err)
		return
	}
	if proof != nil {
		s.acceptMicroViewChange(proof)
	}
}

// handleViewChangeDirect accepts a sealed view-change proof unicast
// directly to this node (normally because it is the newly elected
// leader). It validates independently of role, so an auditor that
// never ran a collector still learns the new view.
func (s *Service) handleViewChangeDirect(proof chain.SealedViewChangeProof, sender []byte) {
	if err := consensus.ValidateViewChangeProof(&proof, s.chain.Validators(), s.chain.TotalSlots()); err != nil {
		s.log.Warnw("view_change_direct_invalid", "sender", sender, "err", err)
		return
	}
	// The proof must describe our own tip: a proof sealed for a height
	// we have already moved past (or have not reached) carries no
	// actionable skip.
	if proof.Chain.Height != s.chain.Height()+1 ||
		proof.Chain.LastBlock != s.chain.LastBlockHash() ||
		proof.Chain.View <= s.chain.ViewChange() {
		return
	}
	s.acceptMicroViewChange(&proof)
}

// acceptMicroViewChange applies a sealed proof to chain state and
// notifies the newly-elected leader directly, as a latency shortcut
// ahead of that leader's own gossip-collected quorum (if any).
func (s *Service) acceptMicroViewChange(proof *chain.SealedViewChangeProof) {
	s.chain.SetViewChange(proof.Chain.View, proof)
	metrics.MicroBlockViewChanges.Inc()
	s.updateValidationStatus()

	newLeader := s.chain.Validators().Leader(s.chain.LastRandom(), proof.Chain.View)
	if string(newLeader.Key) == string(s.selfKey) {
		return
	}
	w := viewChangeProofWire{Proof: *proof}
	data, err := gobEncode(w)
	if err != nil {
		s.log.Warnw("view_change_direct_encode_failed", "err", err)
		return
	}
	if err := s.net.Send(context.Background(), newLeader.Key, string(p2p.TopicViewChangesDirect), data); err != nil {
		s.log.Debugw("view_change_direct_send_failed", "err", err)
	}
}

// handleLoaderMessage dispatches one message received over the shared
// request/response loader protocol.
func (s *Service) handleLoaderMessage(um p2p.UnicastMessage) {
	var w loaderWire
	if err := gobDecode(um.Data, &w); err != nil {
		s.log.Warnw("loader_decode_failed", "err", err)
		return
	}
	switch {
	case w.Request != nil:
		s.sendHistoryTo(um.From, w.Request.FromHeight)
	case w.Response != nil:
		for _, bw := range w.Response.Blocks {
			s.ingestBlock(bw.block())
		}
	}
}

// requestHistory asks every other known validator for everything above
// the current tip. It is invoked on startup and whenever the orphan
// buffer holds blocks the local chain cannot yet connect to.
func (s *Service) requestHistory() {
	req := loaderWire{Request: &loaderRequestWire{FromHeight: s.chain.Height()}}
	data, err := gobEncode(req)
	if err != nil {
		s.log.Warnw("loader_request_encode_failed", "err", err)
		return
	}
	validators := s.chain.Validators()
	for i := 0; i < validators.Len(); i++ {
		v := validators.At(i)
		if string(v.Key) == string(s.selfKey) {
			continue
		}
		if err := s.net.Send(context.Background(), v.Key, string(p2p.TopicLoader), data); err != nil {
			s.log.Debugw("loader_request_send_failed", "peer", v.Key, "err", err)
		}
	}
}

func (s *Service) requestHistoryFrom(peer []byte) {
	req := loaderWire{Request: &loaderRequestWire{FromHeight: s.chain.Height()}}
	data, err := gobEncode(req)
	if err != nil {
		s.log.Warnw("loader_request_encode_failed", "err", err)
		return
	}
	if err := s.net.Send(context.Background(), peer, string(p2p.TopicLoader), data); err != nil {
		s.log.Debugw("loader_request_send_failed", "peer", peer, "err", err)
	}
}

// sendHistoryTo replies to a loader request with every block strictly
// above fromHeight.
func (s *Service) sendHistoryTo(peer []byte, fromHeight uint64) {
	var blocks []sealedBlockWire
	for h := fromHeight + 1; h <= s.chain.Height(); h++ {
		b, err := s.chain.BlockByHeight(h)
		if err != nil {
			break
		}
		switch blk := b.(type) {
		case *chain.MicroBlock:
			blocks = append(blocks, sealedBlockWire{Micro: blk})
		case *chain.MacroBlock:
			blocks = append(blocks, sealedBlockWire{Macro: blk})
		}
	}
	if len(blocks) == 0 {
		return
	}
	resp := loaderWire{Response: &loaderResponseWire{Blocks: blocks}}
	data, err := gobEncode(resp)
	if err != nil {
		s.log.Warnw("loader_response_encode_failed", "err", err)
		return
	}
	if err := s.net.Send(context.Background(), peer, string(p2p.TopicLoader), data); err != nil {
		s.log.Debugw("loader_response_send_failed", "peer", peer, "err", err)
	}
}

// handleSealedBlock is the entry point for a block received over gossip.
func (s *Service) handleSealedBlock(b chain.Block) {
	s.ingestBlock(b)
}

// ingestBlock routes one block (from gossip or from a loader response)
// through height comparison, signature verification, and either direct
// application, fork resolution, or orphan buffering.
func (s *Service) ingestBlock(b chain.Block) {
	base := b.Header()
	tip := s.chain.Height()
	lastMacro := s.chain.LastMacroBlockHeight()

	if base.Height <= lastMacro {
		// A macro block at the last committed boundary is not merely
		// stale: if it differs from the one we committed there, two
		// supermajorities disagreed.
		if mb, ok := b.(*chain.MacroBlock); ok && base.Height == lastMacro {
			s.handleCompetingMacroBlock(mb)
			return
		}
		s.log.Debugw("stale_block_dropped", "height", base.Height)
		return
	}
	if base.Height > lastMacro+s.chain.BlocksInEpoch()+1 {
		s.log.Debugw("future_epoch_block_dropped", "height", base.Height)
		s.requestHistory()
		return
	}

	if err := s.verifyBlockSignature(b); err != nil {
		s.log.Warnw("block_signature_invalid", "height", base.Height, "err", err)
		return
	}

	switch {
	case base.Height <= tip:
		if local, err := s.chain.BlockByHeight(base.Height); err == nil && local.Hash() == b.Hash() {
			return // redelivered gossip of a block we already hold
		}
		s.resolveForkForBlock(b)
	case base.Height == tip+1:
		if err := s.applyBlock(b); err != nil {
			s.log.Warnw("apply_block_failed", "height", base.Height, "err", err)
			if errors.Is(err, consensus.ErrInvalidPreviousHash) {
				// The producer's chain disagrees with ours about our own
				// tip; its history is the one actionable lead.
				if producer := blockProducer(b, s.chain); producer != nil {
					s.requestHistoryFrom(producer)
				}
			}
			return
		}
	default:
		s.futureBlocks[base.Height] = b
		s.requestHistory()
	}
}

// blockProducer resolves the public key accountable for a block: the
// signing leader for a micro block, the view's selected leader for a
// macro block.
func blockProducer(b chain.Block, bc chain.Blockchain) []byte {
	switch blk := b.(type) {
	case *chain.MicroBlock:
		return blk.LeaderKey
	case *chain.MacroBlock:
		return bc.SelectLeader(blk.Base.View).Key
	}
	return nil
}

func (s *Service) verifyBlockSignature(b chain.Block) error {
	switch blk := b.(type) {
	case *chain.MicroBlock:
		if !s.chain.IsValidator(blk.LeaderKey) {
			return consensus.ErrLeaderIsNotValidator
		}
		idx := s.chain.Validators().IndexOf(blk.LeaderKey)
		pk := s.chain.Validators().At(idx).PublicKey
		if !crypto.VerifyHash(pk, blk.Hash(), blk.Sig) {
			return consensus.ErrInvalidLeaderSignature
		}
		return nil
	case *chain.MacroBlock:
		leader := s.chain.SelectLeader(blk.Base.View)
		if !consensus.CheckMultiSignature(blk.Hash(), blk.Multisig, s.chain.Validators(), leader.Key, s.chain.TotalSlots()) {
			return consensus.ErrInvalidBlockSignature
		}
		return nil
	}
	return nil
}

// resolveForkForBlock handles a micro block delivered at a height we
// already hold within the current epoch.
func (s *Service) resolveForkForBlock(remote chain.Block) {
	remoteMicro, ok := remote.(*chain.MicroBlock)
	if !ok {
		s.handleCompetingMacroBlock(remote.(*chain.MacroBlock))
		return
	}
	height := remoteMicro.Base.Height

	localBlock, err := s.chain.BlockByHeight(height)
	if err != nil {
		s.log.Warnw("fork_resolver_local_block_missing", "height", height, "err", err)
		return
	}
	localMicro, ok := localBlock.(*chain.MicroBlock)
	if !ok {
		s.log.Warnw("fork_resolver_local_not_micro", "height", height)
		return
	}

	predecessor, err := s.chain.BlockByHeight(height - 1)
	if err != nil {
		s.log.Warnw("fork_resolver_predecessor_missing", "height", height, "err", err)
		return
	}
	expectedLeader := s.chain.Validators().Leader(predecessor.Header().Randomness, remoteMicro.Base.View)

	res, err := consensus.ResolveFork(
		height,
		localMicro.Base.View,
		remoteMicro.Base.View,
		localMicro.Hash(),
		remoteMicro.Hash(),
		predecessor.Hash(),
		remoteMicro.LeaderKey,
		expectedLeader.Key,
		remoteMicro.ViewChangeProof,
	)
	if err != nil {
		if _, ok := err.(*consensus.DifferentPublicKeyError); ok {
			s.log.Warnw("fork_wrong_leader", "height", height, "err", err)
		} else {
			s.log.Warnw("fork_resolve_failed", "height", height, "err", err)
		}
		return
	}

	switch res.Decision {
	case consensus.ForkCancel:
		if res.SendBlocksTo != nil {
			s.sendHistoryTo(res.SendBlocksTo, height-1)
			return
		}
		if localMicro.Base.View == remoteMicro.Base.View && localMicro.Hash() != remoteMicro.Hash() {
			metrics.CHEATS.Inc()
		}
	case consensus.ForkRequestHistory:
		s.requestHistoryFrom(res.RequestHistoryFrom)
	case consensus.ForkRollback:
		if err := consensus.ValidateViewChangeProof(remoteMicro.ViewChangeProof, s.chain.Validators(), s.chain.TotalSlots()); err != nil {
			s.log.Warnw("fork_rollback_invalid_proof", "height", height, "err", err)
			return
		}
		s.rollbackTo(res.Height, res.RemoteView, remoteMicro.ViewChangeProof)
		if err := s.applyBlock(remote); err != nil {
			s.log.Errorw("fork_rollback_apply_failed", "height", height, "err", err)
			return
		}
		metrics.FORKS.Inc()
	}
}

// handleCompetingMacroBlock handles a macro block received at a height
// the local chain has already passed. Two honest supermajorities cannot
// commit different macro blocks at one height, so a conflicting one
// whose multi-signature verifies is corruption of the supermajority:
// the loop stops rather than keep running against an untrustworthy
// chain view. Unverifiable or duplicate deliveries stay ordinary logged
// drops.
func (s *Service) handleCompetingMacroBlock(remote *chain.MacroBlock) {
	height := remote.Base.Height
	local, err := s.chain.BlockByHeight(height)
	if err != nil {
		s.log.Warnw("competing_macro_local_block_missing", "height", height, "err", err)
		return
	}
	if local.Hash() == remote.Hash() {
		return // redelivered gossip of our own boundary block
	}
	localMacro, ok := local.(*chain.MacroBlock)
	if !ok {
		// The remote sealed an epoch at a height we hold a micro block
		// for: a history disagreement, not macro equivocation. Recover
		// via the loader.
		s.log.Warnw("competing_macro_over_micro_height", "height", height)
		s.requestHistory()
		return
	}
	// Verify against the validator set and the randomness that were in
	// force when that height was decided, not the post-apply tip state.
	pred, err := s.chain.BlockByHeight(height - 1)
	if err != nil {
		s.log.Warnw("competing_macro_predecessor_missing", "height", height, "err", err)
		return
	}
	leader := s.chain.Validators().Leader(pred.Header().Randomness, remote.Base.View)
	if !consensus.CheckMultiSignature(remote.Hash(), remote.Multisig, s.chain.Validators(), leader.Key, s.chain.TotalSlots()) {
		s.log.Warnw("competing_macro_invalid_signature", "height", height)
		return
	}
	s.log.Errorw("conflicting_macro_block_at_committed_height",
		"height", height, "local", localMacro.Hash(), "remote", remote.Hash())
	s.abort(errCommittedMacroMismatch)
}

// rollbackTo pops local micro blocks until the chain's tip sits at
// height-1, then adopts the remote's accepted view at that height.
func (s *Service) rollbackTo(height, remoteView uint64, proof *chain.SealedViewChangeProof) {
	for s.chain.Height() >= height {
		inputs, outputs, err := s.chain.PopMicroBlock()
		if err != nil {
			s.log.Errorw("rollback_pop_failed", "err", err)
			return
		}
		s.fanOutOutputsChanged(inputs, outputs)
	}
	s.chain.SetViewChange(remoteView, proof)
}
