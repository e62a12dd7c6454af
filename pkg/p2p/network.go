package p2p

import "context"

// Network is the abstract capability the node driver is built against:
// gossip over named topics, plus direct (unicast) delivery keyed by a
// peer's public key. It knows nothing about consensus message shapes —
// every payload is an opaque byte string the caller has already encoded.
type Network interface {
	// Subscribe returns a channel of every message published to topic,
	// including the node's own publishes if the underlying pubsub loops
	// them back (callers must de-duplicate via message hash if that
	// matters to them).
	Subscribe(topic Topic) (<-chan []byte, error)

	// SubscribeUnicast registers a handler for direct peer-to-peer
	// delivery over a named protocol and returns a channel of
	// (sender, payload) pairs.
	SubscribeUnicast(protocol string) (<-chan UnicastMessage, error)

	// Publish gossips data to every peer subscribed to topic.
	Publish(ctx context.Context, topic Topic, data []byte) error

	// Send delivers data directly to the peer identified by its public
	// key over protocol, without touching any topic's subscribers.
	Send(ctx context.Context, to []byte, protocol string, data []byte) error
}
