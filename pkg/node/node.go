package node

import (
	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/p2p"
)

// Node is the public handle callers (the API server, a CLI, tests) use
// to interact with a running driver. Every method funnels a command
// into the driver's inbox; none of them touch chain or role state
// directly, preserving the single-goroutine-owns-mutation invariant.
type Node struct {
	inbox chan any
	net   p2p.Network
}

// Net exposes the underlying transport, for callers that need to wire
// up peer discovery (e.g. registering a libp2p peer ID against a
// validator's public key) outside the driver's own event loop.
func (n *Node) Net() p2p.Network { return n.net }

// SendTransaction admits a transaction locally and gossips it to peers.
func (n *Node) SendTransaction(tx chain.Transaction) {
	n.inbox <- transactionCmd{tx: tx}
}

// PopBlock removes the chain's current tip.
func (n *Node) PopBlock() {
	n.inbox <- popBlockCmd{}
}

// Request issues a synchronous query against the driver's current chain
// state and blocks for its answer.
func (n *Node) Request(req Request) Response {
	reply := make(chan Response, 1)
	n.inbox <- requestCmd{req: req, reply: reply}
	return <-reply
}

// SubscribeBlockAdded returns a channel fed once per applied block. The
// channel is never closed; callers that stop reading simply stop
// receiving (the driver drops sends to a full channel rather than
// blocking).
func (n *Node) SubscribeBlockAdded() <-chan BlockAdded {
	ch := make(chan BlockAdded, 16)
	n.inbox <- subscribeBlockAddedCmd{ch: ch}
	return ch
}

// SubscribeEpochChanged returns a channel fed once per closed epoch,
// primed immediately with the current epoch's validator set.
func (n *Node) SubscribeEpochChanged() <-chan EpochChanged {
	ch := make(chan EpochChanged, 4)
	n.inbox <- subscribeEpochChangedCmd{ch: ch}
	return ch
}

// SubscribeOutputsChanged returns a channel fed whenever a block spends
// or creates UTXOs, including reversions from a pop or fork rollback.
func (n *Node) SubscribeOutputsChanged() <-chan OutputsChanged {
	ch := make(chan OutputsChanged, 64)
	n.inbox <- subscribeOutputsChangedCmd{ch: ch}
	return ch
}
