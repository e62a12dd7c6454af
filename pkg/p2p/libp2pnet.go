package p2p

import (
	"context"
	"errors"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Libp2pNet implements Network over gossipsub topics (broadcast) and
// libp2p streams (unicast), the same transport split the HotStuff
// variant of this stack used for its propose/prepare topics versus its
// leader-bound vote stream.
type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	mu       sync.Mutex
	topics   map[Topic]*pubsub.Topic
	subs     map[Topic]*pubsub.Subscription
	outChans map[Topic]chan []byte

	peersMu sync.RWMutex
	peers   map[string]peer.ID // canonical pubkey bytes -> libp2p peer ID

	unicastMu  sync.Mutex
	unicastOut map[string]chan UnicastMessage
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	n := &Libp2pNet{
		h:          h,
		ps:         ps,
		log:        cfg.Logger,
		topics:     make(map[Topic]*pubsub.Topic),
		subs:       make(map[Topic]*pubsub.Subscription),
		outChans:   make(map[Topic]chan []byte),
		peers:      make(map[string]peer.ID),
		unicastOut: make(map[string]chan UnicastMessage),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// RegisterPeer records the libp2p peer ID a canonical public key is
// reachable at, populated by whatever discovery/handshake layer the
// caller runs. Send treats a key never registered here as a raw peer
// ID and fails only if it is not a valid one.
func (n *Libp2pNet) RegisterPeer(pubkey []byte, id peer.ID) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	n.peers[string(pubkey)] = id
}

func (n *Libp2pNet) Host() host.Host { return n.h }

func (n *Libp2pNet) Subscribe(topic Topic) (<-chan []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ch, ok := n.outChans[topic]; ok {
		return ch, nil
	}

	t, err := n.ps.Join(string(topic))
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, err
	}
	n.topics[topic] = t
	n.subs[topic] = sub

	out := make(chan []byte, 256)
	n.outChans[topic] = out
	go n.pumpTopic(sub, out)
	return out, nil
}

func (n *Libp2pNet) pumpTopic(sub *pubsub.Subscription, out chan<- []byte) {
	ctx := context.Background()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			close(out)
			return
		}
		select {
		case out <- msg.Data:
		default:
			// Slow consumer: drop rather than block gossip delivery.
		}
	}
}

func (n *Libp2pNet) Publish(ctx context.Context, topic Topic, data []byte) error {
	n.mu.Lock()
	t, ok := n.topics[topic]
	n.mu.Unlock()
	if !ok {
		if _, err := n.Subscribe(topic); err != nil {
			return err
		}
		n.mu.Lock()
		t = n.topics[topic]
		n.mu.Unlock()
	}
	return t.Publish(ctx, data)
}

func (n *Libp2pNet) SubscribeUnicast(protoName string) (<-chan UnicastMessage, error) {
	n.unicastMu.Lock()
	defer n.unicastMu.Unlock()

	if ch, ok := n.unicastOut[protoName]; ok {
		return ch, nil
	}
	out := make(chan UnicastMessage, 256)
	n.unicastOut[protoName] = out
	n.h.SetStreamHandler(protocol.ID(protoName), func(s network.Stream) {
		defer s.Close()
		data, err := io.ReadAll(s)
		if err != nil {
			return
		}
		from := []byte(string(s.Conn().RemotePeer()))
		select {
		case out <- UnicastMessage{From: from, Data: data}:
		default:
		}
	})
	return out, nil
}

func (n *Libp2pNet) Send(ctx context.Context, to []byte, protoName string, data []byte) error {
	n.peersMu.RLock()
	id, ok := n.peers[string(to)]
	n.peersMu.RUnlock()
	if !ok {
		// Unicast replies (e.g. loader responses) address the sender by
		// the peer ID its message arrived from, which never goes through
		// RegisterPeer.
		id = peer.ID(to)
		if id.Validate() != nil {
			return errors.New("p2p: no known peer ID for public key")
		}
	}
	s, err := n.h.NewStream(ctx, id, protocol.ID(protoName))
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = s.Write(data)
	return err
}

var _ Network = (*Libp2pNet)(nil)
