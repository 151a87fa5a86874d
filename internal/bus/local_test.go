package bus

import (
	"context"
	"testing"
)

func TestLocalPublishMessageReachesSubscriber(t *testing.T) {
	l := NewLocal()

	received := make(chan []byte, 1)
	l.Subscribe(BroadcastMessages, func(payload []byte) {
		received <- payload
	})

	env := Envelope{Topic: "a/b", Payload: []byte("hello"), SenderID: "node-a"}
	if err := l.PublishMessage(context.Background(), env); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case payload := <-received:
		decoded, err := DecodeEnvelope(payload)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Topic != "a/b" || string(decoded.Payload) != "hello" {
			t.Errorf("unexpected envelope: %+v", decoded)
		}
	default:
		t.Fatal("expected subscriber to receive the published envelope synchronously")
	}
}

func TestLocalSubscribeIsolatesAddresses(t *testing.T) {
	l := NewLocal()

	var gotRetained, gotSubs bool
	l.Subscribe(BroadcastRetained, func(payload []byte) { gotRetained = true })
	l.Subscribe(BroadcastSubs, func(payload []byte) { gotSubs = true })

	l.PublishBroadcastRetained(context.Background(), []byte("r"))

	if !gotRetained {
		t.Error("expected the retained handler to fire")
	}
	if gotSubs {
		t.Error("expected the subs handler to not fire for a retained broadcast")
	}
}

func TestLocalUnsubscribeStopsDelivery(t *testing.T) {
	l := NewLocal()

	calls := 0
	unsubscribe, err := l.Subscribe(BroadcastSubs, func(payload []byte) { calls++ })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	l.PublishBroadcastSubs(context.Background(), []byte("x"))
	unsubscribe()
	l.PublishBroadcastSubs(context.Background(), []byte("y"))

	if calls != 1 {
		t.Errorf("expected exactly one delivery before unsubscribe, got %d", calls)
	}
}

func TestLocalPublishClientUsesPerClientAddress(t *testing.T) {
	l := NewLocal()

	var forC1, forC2 bool
	l.Subscribe(ClientAddress("c1"), func(payload []byte) { forC1 = true })
	l.Subscribe(ClientAddress("c2"), func(payload []byte) { forC2 = true })

	l.PublishClient(context.Background(), "c1", Envelope{Topic: "a"})

	if !forC1 {
		t.Error("expected c1's handler to fire")
	}
	if forC2 {
		t.Error("expected c2's handler to not fire for a message addressed to c1")
	}
}
