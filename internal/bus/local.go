package bus

import (
	"context"
	"sync"
)

// Local is the single-node Bus implementation: publishing to an address calls
// every handler subscribed to it synchronously, in subscription order, inside
// this process; used when the broker runs without a cluster transport
// configured.
type Local struct {
	mu       sync.RWMutex
	handlers map[Address][]func(payload []byte)
}

func NewLocal() *Local {
	return &Local{handlers: make(map[Address][]func(payload []byte))}
}

func (l *Local) publish(addr Address, payload []byte) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, h := range l.handlers[addr] {
		if h != nil {
			h(payload)
		}
	}
}

func (l *Local) PublishClient(_ context.Context, clientID string, env Envelope) error {
	l.publish(ClientAddress(clientID), encodeEnvelope(env))
	return nil
}

func (l *Local) PublishNode(_ context.Context, nodeID string, payload []byte) error {
	l.publish(NodeAddress(nodeID), payload)
	return nil
}

func (l *Local) PublishMessage(_ context.Context, env Envelope) error {
	l.publish(BroadcastMessages, encodeEnvelope(env))
	return nil
}

func (l *Local) PublishBroadcastRetained(_ context.Context, payload []byte) error {
	l.publish(BroadcastRetained, payload)
	return nil
}

func (l *Local) PublishBroadcastSubs(_ context.Context, payload []byte) error {
	l.publish(BroadcastSubs, payload)
	return nil
}

func (l *Local) Subscribe(addr Address, handler func(payload []byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[addr] = append(l.handlers[addr], handler)
	idx := len(l.handlers[addr]) - 1

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		hs := l.handlers[addr]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}, nil
}

func (l *Local) Close() error { return nil }
