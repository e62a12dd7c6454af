package consensus

import (
	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

// State is a single round's position in the Propose -> Prevote ->
// Precommit -> Commit state machine.
type State int

const (
	StatePropose State = iota
	StatePrevote
	StatePrecommit
	StateCommit
)

// FutureBufferCap bounds how many out-of-round messages a Round will hold
// for a view it hasn't reached yet. Once full, the oldest buffered
// message for the lowest buffered view is dropped to make room.
const FutureBufferCap = 64

// Round drives single-decree BFT agreement over one MacroBlock proposal
// at a fixed height. A stalled round is abandoned via NextRound, which
// re-enters at StatePropose under a new leader and view rather than
// allocating a new Round.
type Round struct {
	height uint64
	view   uint64

	validators *chain.ValidatorSet
	self       chain.Validator
	keypair    *crypto.Keypair
	leader     chain.Validator

	state       State
	request     *chain.MacroBlock
	requestHash crypto.Hash

	// leaderRequestSig is the leader's own signature over requestHash,
	// carried in the Proposal's Proof field. It lets a quorum that
	// reaches supermajority without ever seeing the leader's precommit
	// (because the leader went silent right after proposing) still fold
	// in the one signature the leader did broadcast, satisfying the
	// "leader's bit must be set" multi-signature invariant.
	leaderRequestSig crypto.Signature

	prevotes      map[string]bool
	precommitSigs map[string]crypto.Signature

	outbox    []Message
	committed *chain.MacroBlock

	futureBuffer map[uint64][]Message
	futureCount  int
}

// NewRound starts a fresh round at (height, view) under the given leader.
func NewRound(height uint64, validators *chain.ValidatorSet, self chain.Validator, keypair *crypto.Keypair, leader chain.Validator, view uint64) *Round {
	return &Round{
		height:        height,
		view:          view,
		validators:    validators,
		self:          self,
		keypair:       keypair,
		leader:        leader,
		state:         StatePropose,
		prevotes:      make(map[string]bool),
		precommitSigs: make(map[string]crypto.Signature),
		futureBuffer:  make(map[uint64][]Message),
	}
}

func (r *Round) Height() uint64 { return r.height }
func (r *Round) View() uint64   { return r.view }
func (r *Round) State() State   { return r.state }

// IsLeader reports whether self is the round's current leader.
func (r *Round) IsLeader() bool { return r.isLeader() }

// Leader returns the round's current leader.
func (r *Round) Leader() chain.Validator { return r.leader }

// Committed returns the sealed MacroBlock once the round has reached
// StateCommit, or nil.
func (r *Round) Committed() *chain.MacroBlock { return r.committed }

// LeaderRequestSignature returns the leader's own signature over the
// request hash, recovered from the Proposal's Proof field, and whether
// one has been seen yet.
func (r *Round) LeaderRequestSignature() (crypto.Signature, bool) {
	if len(r.leaderRequestSig) == 0 {
		return nil, false
	}
	return r.leaderRequestSig, true
}

// ForceCommit seals the round with whatever precommit signatures have
// been collected so far, folding in the leader's own request signature.
// It is used when a precommit quorum was reached among followers that
// never saw the leader precommit (the leader went silent right after
// proposing): CheckMultiSignature otherwise rejects the resulting block
// because the leader's bit is unset. Returns false if the round has no
// request to commit, no leader signature has been observed, or the
// folded set still falls short of a supermajority.
func (r *Round) ForceCommit() bool {
	if r.request == nil {
		return false
	}
	leaderSig, ok := r.LeaderRequestSignature()
	if !ok {
		return false
	}
	signers := make(map[string]bool, len(r.precommitSigs)+1)
	for k := range r.precommitSigs {
		signers[k] = true
	}
	signers[string(r.leader.Key)] = true
	if !r.hasSupermajority(signers) {
		return false
	}
	ms, err := CreateMultiSignature(r.validators, r.precommitSigs)
	if err != nil {
		return false
	}
	if idx := r.validators.IndexOf(r.leader.Key); idx >= 0 && !ms.Bitmap.Get(idx) {
		leaderMS, err := CreateMultiSignature(r.validators, map[string]crypto.Signature{string(r.leader.Key): leaderSig})
		if err != nil {
			return false
		}
		if err := MergeMultiSignature(&ms, leaderMS); err != nil {
			return false
		}
	}
	committed := *r.request
	committed.Multisig = ms
	r.committed = &committed
	r.state = StateCommit
	return true
}

// Drain empties and returns the round's outgoing message queue.
func (r *Round) Drain() []Message {
	out := r.outbox
	r.outbox = nil
	return out
}

func (r *Round) isLeader() bool {
	return string(r.self.Key) == string(r.leader.Key)
}

// Propose is called by the round's own leader to broadcast the block
// under agreement. It is a no-op error if called by a non-leader or
// outside StatePropose.
func (r *Round) Propose(request *chain.MacroBlock) error {
	if !r.isLeader() {
		return ErrLeaderIsNotValidator
	}
	if r.state != StatePropose {
		return ErrInvalidPropose
	}
	r.request = request
	r.requestHash = request.Hash()
	leaderSig := r.keypair.SignHash(r.requestHash)
	r.leaderRequestSig = leaderSig
	msg := NewMessage(r.height, r.view, r.requestHash, Body{Kind: KindProposal, Request: request, Proof: leaderSig}, r.keypair, r.self.Key)
	r.outbox = append(r.outbox, msg)
	return r.acceptProposal(r.requestHash, request)
}

// FeedMessage processes one incoming consensus message. Messages for a
// view ahead of the round's current one are buffered (bounded) rather
// than rejected, since the local round may simply be a view behind a
// peer that has already advanced.
func (r *Round) FeedMessage(m Message, validateRequest ValidateRequest) error {
	if m.Height != r.height {
		return nil
	}
	if m.View > r.view {
		r.bufferFuture(m)
		return nil
	}
	if m.View < r.view {
		return nil // stale, silently dropped
	}
	if err := m.Validate(validateRequest); err != nil {
		return err
	}
	switch m.Body.Kind {
	case KindProposal:
		return r.onProposal(m)
	case KindPrevote:
		return r.onPrevote(m)
	case KindPrecommit:
		return r.onPrecommit(m)
	}
	return nil
}

func (r *Round) bufferFuture(m Message) {
	if r.futureCount >= FutureBufferCap {
		r.dropOldestFuture()
	}
	r.futureBuffer[m.View] = append(r.futureBuffer[m.View], m)
	r.futureCount++
}

func (r *Round) dropOldestFuture() {
	var target uint64
	found := false
	for v := range r.futureBuffer {
		if !found || v < target {
			target = v
			found = true
		}
	}
	if !found {
		return
	}
	bucket := r.futureBuffer[target]
	if len(bucket) <= 1 {
		delete(r.futureBuffer, target)
	} else {
		r.futureBuffer[target] = bucket[1:]
	}
	r.futureCount--
}

// TakeBufferedForView removes and returns messages buffered for a view,
// meant to be replayed through FeedMessage once the round reaches it via
// NextRound.
func (r *Round) TakeBufferedForView(view uint64) []Message {
	bucket := r.futureBuffer[view]
	delete(r.futureBuffer, view)
	r.futureCount -= len(bucket)
	return bucket
}

func (r *Round) onProposal(m Message) error {
	if string(m.SenderKey) != string(r.leader.Key) {
		return &DifferentPublicKeyError{Expected: r.leader.Key, Got: m.SenderKey}
	}
	if r.state != StatePropose {
		return nil // already past proposal, ignore duplicate
	}
	if m.Body.Request == nil || m.Body.Request.Hash() != m.RequestHash {
		return ErrInvalidPropose
	}
	r.leaderRequestSig = m.Body.Proof
	return r.acceptProposal(m.RequestHash, m.Body.Request)
}

func (r *Round) acceptProposal(requestHash crypto.Hash, request *chain.MacroBlock) error {
	r.request = request
	r.requestHash = requestHash
	r.state = StatePrevote

	prevote := NewMessage(r.height, r.view, r.requestHash, Body{Kind: KindPrevote}, r.keypair, r.self.Key)
	r.outbox = append(r.outbox, prevote)
	return r.onPrevote(prevote)
}

func (r *Round) onPrevote(m Message) error {
	if r.state != StatePrevote {
		return nil
	}
	if m.RequestHash != r.requestHash {
		return nil // prevote for a different proposal than the one we accepted
	}
	r.prevotes[string(m.SenderKey)] = true
	if !r.hasSupermajority(r.prevotes) {
		return nil
	}
	r.state = StatePrecommit

	sig := r.keypair.SignHash(r.requestHash)
	precommit := NewMessage(r.height, r.view, r.requestHash, Body{Kind: KindPrecommit, RequestHashSig: sig}, r.keypair, r.self.Key)
	r.outbox = append(r.outbox, precommit)
	return r.onPrecommit(precommit)
}

func (r *Round) onPrecommit(m Message) error {
	if r.state != StatePrecommit {
		return nil
	}
	if m.RequestHash != r.requestHash {
		return nil
	}
	if !crypto.VerifyHash(m.SenderPK, r.requestHash, m.Body.RequestHashSig) {
		return ErrInvalidMessageSignature
	}
	r.precommitSigs[string(m.SenderKey)] = m.Body.RequestHashSig

	stakeSet := make(map[string]bool, len(r.precommitSigs))
	for k := range r.precommitSigs {
		stakeSet[k] = true
	}
	if !r.hasSupermajority(stakeSet) {
		return nil
	}
	// A precommit quorum can form entirely among followers, excluding the
	// leader, by construction (any 2/3-stake subset is a valid quorum
	// regardless of which validators it excludes). Committing immediately
	// in that case would seal a multi-signature missing the leader's bit,
	// which CheckMultiSignature rejects everywhere else. Only commit here
	// once the leader's own precommit is part of the quorum; otherwise
	// leave should_commit() implicit and let the view-change timer fold
	// the leader's proposal signature in via ForceCommit.
	if !stakeSet[string(r.leader.Key)] {
		return nil
	}
	return r.signAndCommit()
}

func (r *Round) hasSupermajority(voters map[string]bool) bool {
	var stake int64
	for i := 0; i < r.validators.Len(); i++ {
		v := r.validators.At(i)
		if voters[string(v.Key)] {
			stake += v.Stake
		}
	}
	return stake*3 >= r.validators.TotalSlots()*2
}

// signAndCommit aggregates the collected precommit signatures into a
// MultiSignature and seals the committed MacroBlock.
func (r *Round) signAndCommit() error {
	ms, err := CreateMultiSignature(r.validators, r.precommitSigs)
	if err != nil {
		return err
	}
	committed := *r.request
	committed.Multisig = ms
	r.committed = &committed
	r.state = StateCommit
	return nil
}

// NextRound abandons the current view (on a propose/view-change timeout)
// and re-enters at StatePropose under a new leader and view, preserving
// the future-message buffer so already-received votes for the new view
// can be replayed by the caller via TakeBufferedForView.
func (r *Round) NextRound(view uint64, leader chain.Validator) {
	r.view = view
	r.leader = leader
	r.state = StatePropose
	r.request = nil
	r.requestHash = crypto.Hash{}
	r.prevotes = make(map[string]bool)
	r.precommitSigs = make(map[string]crypto.Signature)
	r.leaderRequestSig = nil
}
