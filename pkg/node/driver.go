// Package node sequences the consensus, chain, mempool, and network
// layers into a single cooperative event loop: one goroutine owns every
// mutation of chain/mempool/role state, processing one event at a time
// to completion before the next is read off any channel.
package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stegos-labs/node/params"
	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/consensus"
	"github.com/stegos-labs/node/pkg/crypto"
	"github.com/stegos-labs/node/pkg/mempool"
	"github.com/stegos-labs/node/pkg/p2p"
	"github.com/stegos-labs/node/pkg/util"
)

// transactionCmd, popBlockCmd, requestCmd, and the subscribe*Cmd types
// below are the driver's control-plane commands, fed in from Node's
// public API alongside the network pumps' decoded events.
type transactionCmd struct{ tx chain.Transaction }
type popBlockCmd struct{}
type requestCmd struct {
	req   Request
	reply chan Response
}
type subscribeBlockAddedCmd struct{ ch chan BlockAdded }
type subscribeEpochChangedCmd struct{ ch chan EpochChanged }
type subscribeOutputsChangedCmd struct{ ch chan OutputsChanged }

// Service is the node driver: the sole mutator of chain, mempool, and
// role state. Every public Node method and every subscribed network
// stream is funneled into its inbox; Run drains it on a single
// goroutine.
type Service struct {
	cfg     params.Config
	chain   chain.Blockchain
	mempool *mempool.Mempool

	keypair *crypto.Keypair
	selfKey []byte

	role role

	// fatal, once set, stops Run before the next event is dequeued. It
	// records an invariant violation (a committed block the chain
	// refuses, or a conflicting macro block at a committed height) after
	// which the local chain view can no longer be trusted.
	fatal error

	// futureBlocks is the orphan buffer: blocks received out of order,
	// indexed by height, drained on every tip advance.
	futureBlocks map[uint64]chain.Block

	net   p2p.Network
	clock util.Clock
	log   *zap.SugaredLogger

	onBlockAdded     []chan BlockAdded
	onEpochChanged   []chan EpochChanged
	onOutputsChanged []chan OutputsChanged

	inbox chan any

	txCh               <-chan []byte
	consensusCh        <-chan []byte
	viewChangeCh       <-chan []byte
	viewChangeDirectCh <-chan p2p.UnicastMessage
	blockCh            <-chan []byte
	loaderCh           <-chan p2p.UnicastMessage
}

// NewService subscribes to every gossip/unicast stream the driver needs
// and returns the service alongside the handle callers use to interact
// with it.
func NewService(cfg params.Config, bc chain.Blockchain, keypair *crypto.Keypair, selfKey []byte, net p2p.Network, clock util.Clock, log *zap.SugaredLogger) (*Service, *Node, error) {
	txCh, err := net.Subscribe(p2p.TopicTx)
	if err != nil {
		return nil, nil, err
	}
	consensusCh, err := net.Subscribe(p2p.TopicConsensus)
	if err != nil {
		return nil, nil, err
	}
	viewChangeCh, err := net.Subscribe(p2p.TopicViewChanges)
	if err != nil {
		return nil, nil, err
	}
	viewChangeDirectCh, err := net.SubscribeUnicast(string(p2p.TopicViewChangesDirect))
	if err != nil {
		return nil, nil, err
	}
	blockCh, err := net.Subscribe(p2p.TopicBlock)
	if err != nil {
		return nil, nil, err
	}
	loaderCh, err := net.SubscribeUnicast(string(p2p.TopicLoader))
	if err != nil {
		return nil, nil, err
	}

	s := &Service{
		cfg:                cfg,
		chain:              bc,
		mempool:            mempool.New(cfg.Node.MaxUtxoInTx, cfg.Node.MaxUtxoInMempool),
		keypair:            keypair,
		selfKey:            selfKey,
		futureBlocks:       make(map[uint64]chain.Block),
		net:                net,
		clock:              clock,
		log:                log,
		inbox:              make(chan any, 256),
		txCh:               txCh,
		consensusCh:        consensusCh,
		viewChangeCh:       viewChangeCh,
		viewChangeDirectCh: viewChangeDirectCh,
		blockCh:            blockCh,
		loaderCh:           loaderCh,
	}
	s.updateValidationStatus()

	handle := &Node{inbox: s.inbox, net: net}
	return s, handle, nil
}

// Run drives the event loop until ctx is canceled or an invariant
// violation makes the local chain view untrustworthy, in which case it
// returns the recorded fatal error.
func (s *Service) Run(ctx context.Context) error {
	s.requestHistory()
	for {
		if s.fatal != nil {
			return s.fatal
		}
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-s.txCh:
			if !ok {
				s.txCh = nil
				continue
			}
			var w txWire
			if err := gobDecode(raw, &w); err != nil {
				s.log.Warnw("tx_decode_failed", "err", err)
				continue
			}
			s.handleTransaction(chain.Transaction{Hash: w.Hash, Raw: w.Raw, Inputs: w.Inputs, Outputs: w.Outputs}, false)

		case raw, ok := <-s.consensusCh:
			if !ok {
				s.consensusCh = nil
				continue
			}
			var w consensusWire
			if err := gobDecode(raw, &w); err != nil {
				s.log.Warnw("consensus_decode_failed", "err", err)
				continue
			}
			msg, err := s.resolveConsensusWire(w)
			if err != nil {
				s.log.Warnw("consensus_sender_unknown", "err", err)
				continue
			}
			s.handleConsensusMessage(msg)

		case raw, ok := <-s.viewChangeCh:
			if !ok {
				s.viewChangeCh = nil
				continue
			}
			var w viewChangeWire
			if err := gobDecode(raw, &w); err != nil {
				s.log.Warnw("view_change_decode_failed", "err", err)
				continue
			}
			msg, err := s.resolveViewChangeWire(w)
			if err != nil {
				s.log.Warnw("view_change_sender_unknown", "err", err)
				continue
			}
			s.handleViewChangeMessage(msg)

		case um, ok := <-s.viewChangeDirectCh:
			if !ok {
				s.viewChangeDirectCh = nil
				continue
			}
			var w viewChangeProofWire
			if err := gobDecode(um.Data, &w); err != nil {
				s.log.Warnw("view_change_direct_decode_failed", "err", err)
				continue
			}
			s.handleViewChangeDirect(w.Proof, um.From)

		case raw, ok := <-s.blockCh:
			if !ok {
				s.blockCh = nil
				continue
			}
			var w sealedBlockWire
			if err := gobDecode(raw, &w); err != nil {
				s.log.Warnw("block_decode_failed", "err", err)
				continue
			}
			s.handleSealedBlock(w.block())

		case um, ok := <-s.loaderCh:
			if !ok {
				s.loaderCh = nil
				continue
			}
			s.handleLoaderMessage(um)

		case cmd, ok := <-s.inbox:
			if !ok {
				return nil
			}
			s.handleCommand(cmd)

		case <-s.currentProposeTimer():
			s.clearProposeTimer()
			s.createMicroBlock()

		case <-s.currentMicroViewChangeTimer():
			s.handleMicroBlockViewChangeTimer()

		case <-s.currentMacroViewChangeTimer():
			s.handleMacroBlockViewChangeTimer()
		}
	}
}

func (s *Service) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case transactionCmd:
		s.handleTransaction(c.tx, true)
	case popBlockCmd:
		s.handlePopBlock()
	case requestCmd:
		c.reply <- s.handleRequest(c.req)
	case subscribeBlockAddedCmd:
		s.onBlockAdded = append(s.onBlockAdded, c.ch)
	case subscribeEpochChangedCmd:
		c.ch <- EpochChanged{Epoch: s.chain.Epoch(), Validators: s.chain.Validators().All()}
		s.onEpochChanged = append(s.onEpochChanged, c.ch)
	case subscribeOutputsChangedCmd:
		s.onOutputsChanged = append(s.onOutputsChanged, c.ch)
	}
}

func (s *Service) handleRequest(req Request) Response {
	if req.ElectionInfo != nil {
		er := s.chain.ElectionResult()
		return Response{ElectionInfo: &ElectionInfo{Validators: er.Validators.All(), Random: er.Random}}
	}
	return Response{EscrowInfo: &EscrowInfo{TotalSlots: s.chain.TotalSlots()}}
}

func (s *Service) resolveConsensusWire(w consensusWire) (consensus.Message, error) {
	pk, err := s.publicKeyFor(w.SenderKey)
	if err != nil {
		return consensus.Message{}, err
	}
	return consensus.Message{
		Height:      w.Height,
		View:        w.View,
		RequestHash: w.RequestHash,
		Body:        w.Body,
		SenderKey:   w.SenderKey,
		SenderPK:    pk,
		SenderSig:   w.SenderSig,
	}, nil
}

func (s *Service) resolveViewChangeWire(w viewChangeWire) (consensus.ViewChangeMessage, error) {
	pk, err := s.publicKeyFor(w.SenderKey)
	if err != nil {
		return consensus.ViewChangeMessage{}, err
	}
	return consensus.ViewChangeMessage{Chain: w.Chain, SenderKey: w.SenderKey, SenderPK: pk, Sig: w.Sig}, nil
}

func (s *Service) publicKeyFor(key []byte) (*crypto.PublicKey, error) {
	idx := s.chain.Validators().IndexOf(key)
	if idx < 0 {
		return nil, errUnknownSender
	}
	return s.chain.Validators().At(idx).PublicKey, nil
}

func (s *Service) publish(ctx context.Context, topic p2p.Topic, v any) {
	data, err := gobEncode(v)
	if err != nil {
		s.log.Warnw("publish_encode_failed", "topic", topic, "err", err)
		return
	}
	if err := s.net.Publish(ctx, topic, data); err != nil {
		s.log.Warnw("publish_failed", "topic", topic, "err", err)
	}
}

// abort records an invariant violation. The first one sticks; Run
// returns it before dequeuing another event.
func (s *Service) abort(err error) {
	if s.fatal == nil {
		s.fatal = err
	}
}

// isSynchronized reports whether the local clock still falls within the
// window a healthy network should have produced the next macro block by.
func (s *Service) isSynchronized() bool {
	deadline := s.chain.LastMacroBlockTimestamp().
		Add(s.cfg.Consensus.MicroBlockTimeout * time.Duration(s.cfg.Node.BlocksInEpoch)).
		Add(s.cfg.Consensus.MacroBlockTimeout)
	return !s.clock.Now().After(deadline)
}
