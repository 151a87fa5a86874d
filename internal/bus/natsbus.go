package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/pyr33x/goqtt/pkg/er"
)

// NATSBus is the cluster Message Bus transport: every logical address from
// bus.Address maps one-to-one onto a NATS subject, so routing between nodes
// is just NATS pub/sub with no broker-specific wire framing on top.
type NATSBus struct {
	nc   *nats.Conn
	subs []*nats.Subscription
}

// DialNATS connects to url, retrying failed attempts with a bounded
// exponential backoff. This dial is the only retried call in the module: the
// session, retained and archive stores do not retry failed calls.
func DialNATS(url string) (*NATSBus, error) {
	var nc *nats.Conn

	op := func() error {
		conn, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
		if err != nil {
			return err
		}
		nc = conn
		return nil
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		return nil, &er.Err{Context: "NATSBus, Dial", Message: err}
	}

	return &NATSBus{nc: nc}, nil
}

func subject(addr Address) string {
	return "goqtt." + string(addr)
}

func (n *NATSBus) PublishClient(_ context.Context, clientID string, env Envelope) error {
	return n.nc.Publish(subject(ClientAddress(clientID)), encodeEnvelope(env))
}

func (n *NATSBus) PublishNode(_ context.Context, nodeID string, payload []byte) error {
	return n.nc.Publish(subject(NodeAddress(nodeID)), payload)
}

func (n *NATSBus) PublishMessage(_ context.Context, env Envelope) error {
	return n.nc.Publish(subject(BroadcastMessages), encodeEnvelope(env))
}

func (n *NATSBus) PublishBroadcastRetained(_ context.Context, payload []byte) error {
	return n.nc.Publish(subject(BroadcastRetained), payload)
}

func (n *NATSBus) PublishBroadcastSubs(_ context.Context, payload []byte) error {
	return n.nc.Publish(subject(BroadcastSubs), payload)
}

func (n *NATSBus) Subscribe(addr Address, handler func(payload []byte)) (func(), error) {
	sub, err := n.nc.Subscribe(subject(addr), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, &er.Err{Context: "NATSBus, Subscribe", Message: err}
	}
	n.subs = append(n.subs, sub)
	return func() { sub.Unsubscribe() }, nil
}

func (n *NATSBus) Close() error {
	for _, sub := range n.subs {
		sub.Unsubscribe()
	}
	n.nc.Close()
	return nil
}
