package broker

import (
	"testing"

	"github.com/pyr33x/goqtt/internal/packet"
)

func TestSubscribeExactAndWildcard(t *testing.T) {
	sm := NewSubscriptionTree()

	if _, err := sm.Subscribe("c1", "a/b/c", packet.QoSAtMostOnce, false, false, packet.RetainHandlingSend); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sm.Subscribe("c2", "a/+/c", packet.QoSAtLeastOnce, false, false, packet.RetainHandlingSend); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches := sm.FindAllSubscribers("a/b/c")
	if len(matches) != 2 {
		t.Fatalf("expected 2 subscribers, got %d: %v", len(matches), matches)
	}
}

func TestSubscribeDedupKeepsMaxQoS(t *testing.T) {
	sm := NewSubscriptionTree()

	sm.Subscribe("c1", "a/b", packet.QoSAtMostOnce, false, false, packet.RetainHandlingSend)
	sm.Subscribe("c1", "a/+", packet.QoSExactlyOnce, false, false, packet.RetainHandlingSend)

	matches := sm.FindAllSubscribers("a/b")
	sub, ok := matches["c1"]
	if !ok {
		t.Fatal("expected c1 to be present")
	}
	if sub.QoS != packet.QoSExactlyOnce {
		t.Errorf("expected max QoS %d, got %d", packet.QoSExactlyOnce, sub.QoS)
	}
}

func TestSubscribeRejectsInvalidFilter(t *testing.T) {
	sm := NewSubscriptionTree()
	if _, err := sm.Subscribe("c1", "a/b#", packet.QoSAtMostOnce, false, false, packet.RetainHandlingSend); err == nil {
		t.Error("expected error for malformed wildcard filter")
	}
}

func TestUnsubscribeRemovesMatch(t *testing.T) {
	sm := NewSubscriptionTree()
	sm.Subscribe("c1", "a/b", packet.QoSAtMostOnce, false, false, packet.RetainHandlingSend)
	sm.Unsubscribe("c1", "a/b")

	matches := sm.FindAllSubscribers("a/b")
	if len(matches) != 0 {
		t.Errorf("expected no subscribers after unsubscribe, got %v", matches)
	}
}

func TestDisconnectClientClearsAllFilters(t *testing.T) {
	sm := NewSubscriptionTree()
	sm.Subscribe("c1", "a/b", packet.QoSAtMostOnce, false, false, packet.RetainHandlingSend)
	sm.Subscribe("c1", "x/+", packet.QoSAtMostOnce, false, false, packet.RetainHandlingSend)

	sm.DisconnectClient("c1")

	if subs := sm.GetSubscriptions("c1"); len(subs) != 0 {
		t.Errorf("expected no subscriptions left, got %v", subs)
	}
	if matches := sm.FindAllSubscribers("a/b"); len(matches) != 0 {
		t.Errorf("expected exact index cleared, got %v", matches)
	}
	if matches := sm.FindAllSubscribers("x/y"); len(matches) != 0 {
		t.Errorf("expected wildcard index cleared, got %v", matches)
	}
}

func TestIsValidTopicFilter(t *testing.T) {
	cases := []struct {
		filter string
		want   bool
	}{
		{"a/b/c", true},
		{"a/+/c", true},
		{"a/#", true},
		{"a/b#", false},
		{"a/+b", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsValidTopicFilter(c.filter); got != c.want {
			t.Errorf("IsValidTopicFilter(%q) = %v, want %v", c.filter, got, c.want)
		}
	}
}

func TestIsValidTopicName(t *testing.T) {
	if !IsValidTopicName("a/b/c") {
		t.Error("expected plain topic to be valid")
	}
	if IsValidTopicName("a/+/c") {
		t.Error("expected topic with wildcard to be invalid")
	}
	if IsValidTopicName("") {
		t.Error("expected empty topic to be invalid")
	}
}
