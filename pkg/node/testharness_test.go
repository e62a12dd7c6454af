package node

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stegos-labs/node/params"
	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/chainstore"
	"github.com/stegos-labs/node/pkg/crypto"
	"github.com/stegos-labs/node/pkg/p2p"
	"github.com/stegos-labs/node/pkg/util"
)

// fakeNet is a minimal p2p.Network that records every outbound call
// instead of delivering it anywhere. It is used for driving a single
// Service directly through its unexported handlers, where the test
// crafts network-layer inputs by hand and only needs to observe what
// the driver tried to send.
type fakeNet struct {
	mu          sync.Mutex
	published   []publishedMsg
	sent        []sentMsg
	subs        map[p2p.Topic]chan []byte
	unicastSubs map[string]chan p2p.UnicastMessage
}

type publishedMsg struct {
	topic p2p.Topic
	data  []byte
}

type sentMsg struct {
	to       []byte
	protocol string
	data     []byte
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		subs:        make(map[p2p.Topic]chan []byte),
		unicastSubs: make(map[string]chan p2p.UnicastMessage),
	}
}

func (f *fakeNet) Subscribe(topic p2p.Topic) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	f.subs[topic] = ch
	return ch, nil
}

func (f *fakeNet) SubscribeUnicast(protocol string) (<-chan p2p.UnicastMessage, error) {
	ch := make(chan p2p.UnicastMessage, 64)
	f.unicastSubs[protocol] = ch
	return ch, nil
}

func (f *fakeNet) Publish(ctx context.Context, topic p2p.Topic, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic, data})
	return nil
}

func (f *fakeNet) Send(ctx context.Context, to []byte, protocol string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to, protocol, data})
	return nil
}

func (f *fakeNet) sentOnProtocol(protocol p2p.Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.protocol == string(protocol) {
			n++
		}
	}
	return n
}

// memHub is a shared, in-process broadcast/unicast fabric connecting
// several memNet peers, standing in for the real libp2p transport in
// tests that run multiple Services concurrently end-to-end.
type memHub struct {
	mu      sync.Mutex
	topics  map[p2p.Topic][]*topicSub
	unicast map[string]map[string]chan p2p.UnicastMessage
}

type topicSub struct {
	owner string
	ch    chan []byte
}

func newMemHub() *memHub {
	return &memHub{
		topics:  make(map[p2p.Topic][]*topicSub),
		unicast: make(map[string]map[string]chan p2p.UnicastMessage),
	}
}

type memNet struct {
	hub     *memHub
	selfKey []byte
}

func (n *memNet) Subscribe(topic p2p.Topic) (<-chan []byte, error) {
	ch := make(chan []byte, 256)
	n.hub.mu.Lock()
	n.hub.topics[topic] = append(n.hub.topics[topic], &topicSub{owner: string(n.selfKey), ch: ch})
	n.hub.mu.Unlock()
	return ch, nil
}

func (n *memNet) SubscribeUnicast(protocol string) (<-chan p2p.UnicastMessage, error) {
	ch := make(chan p2p.UnicastMessage, 256)
	n.hub.mu.Lock()
	if n.hub.unicast[protocol] == nil {
		n.hub.unicast[protocol] = make(map[string]chan p2p.UnicastMessage)
	}
	n.hub.unicast[protocol][string(n.selfKey)] = ch
	n.hub.mu.Unlock()
	return ch, nil
}

func (n *memNet) Publish(ctx context.Context, topic p2p.Topic, data []byte) error {
	n.hub.mu.Lock()
	subs := append([]*topicSub(nil), n.hub.topics[topic]...)
	n.hub.mu.Unlock()
	for _, s := range subs {
		if s.owner == string(n.selfKey) {
			continue
		}
		deliver(s.ch, data)
	}
	return nil
}

func (n *memNet) Send(ctx context.Context, to []byte, protocol string, data []byte) error {
	n.hub.mu.Lock()
	ch := n.hub.unicast[protocol][string(to)]
	n.hub.mu.Unlock()
	if ch == nil {
		return nil
	}
	deliverUnicast(ch, p2p.UnicastMessage{From: n.selfKey, Data: data})
	return nil
}

// deliver and deliverUnicast never block the sender: a full subscriber
// channel gets its delivery handed off to a goroutine rather than
// stalling the in-memory hub, mirroring the real transport's
// fire-and-forget publish semantics.
func deliver(ch chan []byte, data []byte) {
	select {
	case ch <- data:
	default:
		go func() { ch <- data }()
	}
}

func deliverUnicast(ch chan p2p.UnicastMessage, m p2p.UnicastMessage) {
	select {
	case ch <- m:
	default:
		go func() { ch <- m }()
	}
}

var _ p2p.Network = (*fakeNet)(nil)
var _ p2p.Network = (*memNet)(nil)

// testValidator bundles one validator's identity material for test
// setup: its keypair (to sign blocks/votes as that validator) alongside
// its chain.Validator membership record.
type testValidator struct {
	kp     *crypto.Keypair
	member chain.Validator
}

func buildTestValidators(n int) ([]testValidator, *chain.ValidatorSet) {
	var out []testValidator
	var members []chain.Validator
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeypair([]byte{byte(i + 1), byte(i + 1), byte(i + 1), byte(i + 1)})
		if err != nil {
			panic(err)
		}
		key := []byte{byte('a' + i)}
		v := chain.Validator{PublicKey: kp.PublicKey(), Key: key, Stake: 1}
		out = append(out, testValidator{kp: kp, member: v})
		members = append(members, v)
	}
	return out, chain.NewValidatorSet(members)
}

// testConfig returns a Default()-derived config with every timeout
// shrunk to millisecond scale, so timer-driven transitions (propose,
// view change) fire promptly inside a test's deadline.
func testConfig(blocksInEpoch uint64) params.Config {
	cfg := params.Default()
	cfg.Node.BlocksInEpoch = blocksInEpoch
	cfg.Consensus.TxWaitTimeout = 20 * time.Millisecond
	cfg.Consensus.MicroBlockTimeout = 80 * time.Millisecond
	cfg.Consensus.MacroBlockTimeout = 120 * time.Millisecond
	return cfg
}

// testNode bundles one cluster member's Service/Node pair with the
// identity it was built from, for tests that spin up several real
// Services wired together over a shared memHub.
type testNode struct {
	svc *Service
	nd  *Node
	kp  *crypto.Keypair
	key []byte
}

func newTestCluster(n int, cfg params.Config, validators *chain.ValidatorSet, vs []testValidator, genesisRandom crypto.Hash) ([]*testNode, *memHub) {
	hub := newMemHub()
	var nodes []*testNode
	for i := 0; i < n; i++ {
		bc := chainstore.NewMemory(validators, cfg.Node.BlocksInEpoch, genesisRandom, nil)
		net := &memNet{hub: hub, selfKey: vs[i].member.Key}
		log := zap.NewNop().Sugar()
		svc, handle, err := NewService(cfg, bc, vs[i].kp, vs[i].member.Key, net, util.RealClock{}, log)
		if err != nil {
			panic(err)
		}
		nodes = append(nodes, &testNode{svc: svc, nd: handle, kp: vs[i].kp, key: vs[i].member.Key})
	}
	return nodes, hub
}
