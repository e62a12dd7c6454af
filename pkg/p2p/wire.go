package p2p

// Topic names the six gossip channels a node subscribes to. The literal
// strings are the wire protocol and must match across every peer on the
// network.
type Topic string

const (
	TopicTx                Topic = "tx"
	TopicConsensus         Topic = "consensus"
	TopicViewChanges       Topic = "view_changes"
	TopicViewChangesDirect Topic = "view_changes_direct"
	TopicBlock             Topic = "block"
	TopicLoader            Topic = "loader"
)

// UnicastMessage is one message received over a subscribed unicast
// protocol, tagged with the sender's identity as the transport knows it
// (Libp2pNet reports the remote peer ID, not a public key).
type UnicastMessage struct {
	From []byte
	Data []byte
}
