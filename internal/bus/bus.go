// Package bus is the cluster message fabric: it moves a published message
// from the node that received it to whichever node holds the subscriber's
// live connection, and fans out retained/subscription-table updates across
// the cluster.
package bus

import "context"

// Envelope is what travels over the bus, whatever the transport.
type Envelope struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	SenderID string // node ID that published; receivers drop their own envelopes (loop prevention)
}

// Address namespaces bus destinations the way the routing core's logical
// address scheme does: client.<clientId>, node.<nodeId>,
// broadcast.retained, broadcast.subs.
type Address string

func ClientAddress(clientID string) Address { return Address("client." + clientID) }
func NodeAddress(nodeID string) Address     { return Address("node." + nodeID) }

const (
	BroadcastRetained Address = "broadcast.retained"
	BroadcastSubs     Address = "broadcast.subs"
	// BroadcastMessages carries every published envelope to every node; each
	// node matches it against its own local subscribers. This trades a
	// cluster-wide fan-out for not needing a live topic -> node-set index
	// kept perfectly in sync before delivery can happen, acceptable at the
	// cluster sizes this broker targets. bus.TopicMap keeps a topic ->
	// node-set view, but no delivery path reads it.
	BroadcastMessages Address = "broadcast.messages"
)

// Bus is the C6 Message Bus collaborator. A single-node deployment uses the
// in-process Local implementation; a cluster deployment uses NATS.
type Bus interface {
	// PublishClient delivers env to whichever node owns clientID's live
	// connection (that node subscribed to client.<clientID>).
	PublishClient(ctx context.Context, clientID string, env Envelope) error
	// PublishNode sends env (or an arbitrary control payload) to one node.
	PublishNode(ctx context.Context, nodeID string, payload []byte) error
	// PublishMessage fans a published envelope out to every node.
	PublishMessage(ctx context.Context, env Envelope) error
	// PublishBroadcastRetained fans out a retained-message update to every node.
	PublishBroadcastRetained(ctx context.Context, payload []byte) error
	// PublishBroadcastSubs fans out a subscription-table delta to every node.
	PublishBroadcastSubs(ctx context.Context, payload []byte) error
	// Subscribe registers handler for everything addressed to addr.
	Subscribe(addr Address, handler func(payload []byte)) (unsubscribe func(), err error)
	Close() error
}
