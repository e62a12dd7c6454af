package consensus

import (
	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/crypto"
)

// ViewChangeMessage is a validator's signed vote to skip the stalled tip
// described by Chain, advancing to the next view.
type ViewChangeMessage struct {
	Chain     chain.ChainInfo
	SenderKey []byte
	SenderPK  *crypto.PublicKey
	Sig       crypto.Signature
}

// NewViewChangeMessage signs a view-change vote over the canonical hash
// of the chain tip being skipped.
func NewViewChangeMessage(ci chain.ChainInfo, signer *crypto.Keypair, senderKey []byte) ViewChangeMessage {
	return ViewChangeMessage{
		Chain:     ci,
		SenderKey: senderKey,
		SenderPK:  signer.PublicKey(),
		Sig:       signer.SignHash(ci.Hash()),
	}
}

func (m ViewChangeMessage) Validate() error {
	if !crypto.VerifyHash(m.SenderPK, m.Chain.Hash(), m.Sig) {
		return ErrInvalidMessageSignature
	}
	return nil
}

// ViewChangeCollector accumulates signed ChainInfo votes keyed by
// (height, view) and seals a proof once a supermajority of stake has
// voted for the same tip. Unlike a Round's precommit quorum, a sealed
// view-change proof does not require the would-be leader's own
// participation: the whole point of the protocol is that the leader is
// the one who went silent.
type ViewChangeCollector struct {
	validators *chain.ValidatorSet
	votes      map[uint64]map[uint64]map[string]crypto.Signature // height -> view -> sender -> sig
}

func NewViewChangeCollector(validators *chain.ValidatorSet) *ViewChangeCollector {
	return &ViewChangeCollector{
		validators: validators,
		votes:      make(map[uint64]map[uint64]map[string]crypto.Signature),
	}
}

// Feed records a validated vote and returns a SealedViewChangeProof once
// the (height, view) bucket crosses the supermajority stake threshold.
// It returns (nil, nil) while still accumulating. local is the caller's
// current chain tip, projected to the height and minimum view a vote
// must target to be live: a vote whose ChainInfo disagrees on height or
// last_block is signed over a different tip entirely (stale or forked),
// and a vote whose view is not newer than local.View proposes skipping
// to a view we've already moved past. Both are dropped before ever
// reaching the vote bucket, so a stale or forked signer can never poison
// a live quorum's aggregate.
func (c *ViewChangeCollector) Feed(local chain.ChainInfo, m ViewChangeMessage) (*chain.SealedViewChangeProof, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if !c.validators.Contains(m.SenderKey) {
		return nil, ErrInvalidMessageSignature
	}
	if m.Chain.Height != local.Height || m.Chain.LastBlock != local.LastBlock || m.Chain.View <= local.View {
		return nil, ErrInvalidViewChange
	}

	byView, ok := c.votes[m.Chain.Height]
	if !ok {
		byView = make(map[uint64]map[string]crypto.Signature)
		c.votes[m.Chain.Height] = byView
	}
	bucket, ok := byView[m.Chain.View]
	if !ok {
		bucket = make(map[string]crypto.Signature)
		byView[m.Chain.View] = bucket
	}
	bucket[string(m.SenderKey)] = m.Sig

	var stake int64
	for i := 0; i < c.validators.Len(); i++ {
		v := c.validators.At(i)
		if _, voted := bucket[string(v.Key)]; voted {
			stake += v.Stake
		}
	}
	if stake*3 < c.validators.TotalSlots()*2 {
		return nil, nil
	}

	ms, err := CreateMultiSignature(c.validators, bucket)
	if err != nil {
		return nil, err
	}
	return &chain.SealedViewChangeProof{Chain: m.Chain, Proof: ms}, nil
}

// Forget discards all votes at or below the given height, called once a
// block has been committed and the collected votes for it (and any
// earlier height) are no longer relevant.
func (c *ViewChangeCollector) Forget(uptoHeight uint64) {
	for h := range c.votes {
		if h <= uptoHeight {
			delete(c.votes, h)
		}
	}
}

// CheckViewChangeProof verifies a sealed proof against the validator set
// it was supposedly collected from.
func CheckViewChangeProof(proof *chain.SealedViewChangeProof, validators *chain.ValidatorSet, totalSlots int64) bool {
	if proof == nil {
		return false
	}
	var pks []*crypto.PublicKey
	var stake int64
	for _, bit := range proof.Proof.Bitmap.Indices() {
		if bit >= validators.Len() {
			return false
		}
		v := validators.At(bit)
		pks = append(pks, v.PublicKey)
		stake += v.Stake
	}
	if stake*3 < totalSlots*2 {
		return false
	}
	return crypto.VerifyAggregate(pks, proof.Chain.Hash(), proof.Proof.Sig)
}
