package consensus

import (
	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

// ForkDecision is the outcome of resolving a duplicate block from the
// current epoch against the locally held chain.
type ForkDecision int

const (
	// ForkCancel means the remote block carries no new information (a
	// duplicate, a cheat, or a stale/invalid proof) and must be dropped.
	ForkCancel ForkDecision = iota
	// ForkRollback means the remote chain supersedes ours: the caller
	// must pop local micro blocks down to Height and accept the remote
	// tip's view.
	ForkRollback
	// ForkRequestHistory means the previous-block hashes disagree even
	// though the view-change math checked out; the caller must request
	// full history from the remote peer before it can judge the fork.
	ForkRequestHistory
)

// ForkResult is the resolver's answer for one duplicate-block report.
type ForkResult struct {
	Decision ForkDecision
	// Height is the height the caller should roll back to (only set for
	// ForkRollback).
	Height uint64
	// RemoteView is the remote's accepted view at Height (only set for
	// ForkRollback).
	RemoteView uint64
	// SendBlocksTo, when non-nil, asks the caller to push its own local
	// history to this leader key instead of taking any local action —
	// the remote is behind ours, not ahead.
	SendBlocksTo []byte
	// RequestHistoryFrom, when non-nil, asks the caller to pull history
	// from this peer (set alongside ForkRequestHistory).
	RequestHistoryFrom []byte
}

var cancelResult = ForkResult{Decision: ForkCancel}

// ResolveFork decides what to do about a remote micro block that
// duplicates a height we already hold in the current epoch. It never
// mutates chain state itself; callers act on the returned ForkResult.
//
// height must be below the current chain tip and above the last macro
// block. localBlockHash/remoteBlockHash are the hashes of the two
// competing blocks at height; localPreviousHash is the hash the local
// chain records as the predecessor of that height (used to validate a
// rollback proof's claimed tip). remoteProof (if any) is the
// view-change proof the remote block carried for its own view.
func ResolveFork(
	height uint64,
	localView uint64,
	remoteView uint64,
	localBlockHash, remoteBlockHash crypto.Hash,
	localPreviousHash crypto.Hash,
	remoteLeader []byte,
	expectedLeader []byte,
	remoteProof *chain.SealedViewChangeProof,
) (ForkResult, error) {
	if string(remoteLeader) != string(expectedLeader) {
		return cancelResult, &DifferentPublicKeyError{Expected: expectedLeader, Got: remoteLeader}
	}

	if remoteView == localView {
		if localBlockHash == remoteBlockHash {
			// Duplicate gossip of a block we already hold.
			return cancelResult, nil
		}
		// Same leader, same view, two different blocks: equivocation.
		return cancelResult, nil
	}

	if remoteView <= localView {
		// The remote is behind us; it should catch up from our tip
		// instead of us reacting to it.
		return ForkResult{Decision: ForkCancel, SendBlocksTo: expectedLeader}, nil
	}

	if remoteProof == nil {
		return cancelResult, ErrNoProofWasFound
	}

	return tryRollback(height, localView, remoteView, localPreviousHash, remoteLeader, remoteProof)
}

// tryRollback is the second half of fork resolution: given a
// SealedViewChangeProof for a remote view strictly ahead of ours at the
// same height, decide whether to accept it.
func tryRollback(
	height uint64,
	localView uint64,
	remoteView uint64,
	localPreviousHash crypto.Hash,
	remoteSender []byte,
	proof *chain.SealedViewChangeProof,
) (ForkResult, error) {
	if remoteView < localView {
		return cancelResult, nil
	}
	if proof.Chain.Height != height || proof.Chain.View != remoteView {
		// The proof witnesses some other skip, not the one the remote
		// block claims for this height.
		return cancelResult, ErrInvalidViewChangeProof
	}
	if proof.Chain.LastBlock != localPreviousHash {
		return ForkResult{Decision: ForkRequestHistory, RequestHistoryFrom: remoteSender}, nil
	}

	return ForkResult{
		Decision:   ForkRollback,
		Height:     height,
		RemoteView: remoteView,
	}, nil
}

// ValidateViewChangeProof is the final gate tryRollback's caller must
// apply before acting on a ForkRollback decision: the proof's
// accompanying signature must itself check out against the validator
// set that was active at the claimed chain tip.
func ValidateViewChangeProof(proof *chain.SealedViewChangeProof, validators *chain.ValidatorSet, totalSlots int64) error {
	if !CheckViewChangeProof(proof, validators, totalSlots) {
		return ErrInvalidViewChangeProof
	}
	return nil
}
