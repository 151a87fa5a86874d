package broker

import (
	"strings"
	"sync"

	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/internal/trie"
	"github.com/pyr33x/goqtt/pkg/er"
)

// Subscription is one client's interest in a topic filter, carrying the
// MQTT 5 subscribe options alongside the 3.1.1 QoS.
type Subscription struct {
	ClientID          string
	TopicFilter       string
	QoS               packet.QoSLevel
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    packet.RetainHandling
}

// SubscriptionManager is the dual index from the routing core: an exact map
// for filters with no wildcard levels, and a topic trie for filters
// containing '+' or '#'. Subscribe/Unsubscribe/FindAllSubscribers dedup by
// client, keeping the maximum QoS across every filter that matches.
type SubscriptionManager struct {
	mu     sync.RWMutex
	exact  map[string]map[string]*Subscription // topic filter -> clientID -> Subscription
	wild   *trie.Trie[string, *Subscription]    // clientID -> Subscription, keyed by filter path
	byClnt map[string]map[string]*Subscription  // clientID -> topic filter -> Subscription
}

// NewSubscriptionTree builds an empty SubscriptionManager. The name mirrors
// the teacher's original tree-based constructor; the implementation is now
// the exact-index + trie pair described by the routing core.
func NewSubscriptionTree() *SubscriptionManager {
	return &SubscriptionManager{
		exact:  make(map[string]map[string]*Subscription),
		wild:   trie.New[string, *Subscription](),
		byClnt: make(map[string]map[string]*Subscription),
	}
}

func hasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// Subscribe installs or replaces clientID's subscription to filter.
// isNew reports whether this client had no prior subscription to filter,
// which the retain-handling "send only if new" option (packet.RetainHandlingSendIfNew) needs.
func (sm *SubscriptionManager) Subscribe(clientID string, filter string, qos packet.QoSLevel, noLocal, retainAsPublished bool, retainHandling packet.RetainHandling) (isNew bool, err error) {
	if !IsValidTopicFilter(filter) {
		return false, &er.Err{Context: "Subscribe", Message: er.ErrInvalidTopicFilter}
	}

	sub := &Subscription{
		ClientID:          clientID,
		TopicFilter:       filter,
		QoS:               qos,
		NoLocal:           noLocal,
		RetainAsPublished: retainAsPublished,
		RetainHandling:    retainHandling,
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if hasWildcard(filter) {
		sm.wild.Add(filter, clientID, sub)
	} else {
		clients, ok := sm.exact[filter]
		if !ok {
			clients = make(map[string]*Subscription)
			sm.exact[filter] = clients
		}
		clients[clientID] = sub
	}

	filters, ok := sm.byClnt[clientID]
	if !ok {
		filters = make(map[string]*Subscription)
		sm.byClnt[clientID] = filters
	}
	_, existed := filters[filter]
	filters[filter] = sub

	return !existed, nil
}

// Unsubscribe removes clientID's subscription to filter, if any.
func (sm *SubscriptionManager) Unsubscribe(clientID string, filter string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if hasWildcard(filter) {
		sm.wild.Del(filter, clientID)
	} else if clients, ok := sm.exact[filter]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(sm.exact, filter)
		}
	}

	if filters, ok := sm.byClnt[clientID]; ok {
		delete(filters, filter)
		if len(filters) == 0 {
			delete(sm.byClnt, clientID)
		}
	}

	return nil
}

// UnsubscribeAll / DisconnectClient removes every subscription owned by
// clientID, e.g. on session-ends-without-persistence.
func (sm *SubscriptionManager) UnsubscribeAll(clientID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	filters, ok := sm.byClnt[clientID]
	if !ok {
		return
	}
	for filter := range filters {
		if hasWildcard(filter) {
			sm.wild.Del(filter, clientID)
		} else if clients, ok := sm.exact[filter]; ok {
			delete(clients, clientID)
			if len(clients) == 0 {
				delete(sm.exact, filter)
			}
		}
	}
	delete(sm.byClnt, clientID)
}

func (sm *SubscriptionManager) DisconnectClient(clientID string) {
	sm.UnsubscribeAll(clientID)
}

// Match is kept for drop-in compatibility with the original per-message
// dispatch call site; it flattens FindAllSubscribers into a slice.
func (sm *SubscriptionManager) Match(topic string) []*Subscription {
	matches := sm.FindAllSubscribers(topic)
	out := make([]*Subscription, 0, len(matches))
	for _, sub := range matches {
		out = append(out, sub)
	}
	return out
}

// FindAllSubscribers returns, per client, the subscription carrying the
// highest QoS among every filter (exact or wildcard) matching topic.
// NoLocal filtering against a sender is applied by the caller (the session
// handler), which is the only layer that knows who published the message.
func (sm *SubscriptionManager) FindAllSubscribers(topic string) map[string]*Subscription {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make(map[string]*Subscription)

	if clients, ok := sm.exact[topic]; ok {
		for clientID, sub := range clients {
			out[clientID] = sub
		}
	}

	for clientID, sub := range sm.wild.FindMatching(topic) {
		if existing, ok := out[clientID]; !ok || sub.QoS > existing.QoS {
			out[clientID] = sub
		}
	}

	return out
}

// HasNoLocal reports whether clientID's subscription to filter set NoLocal.
func (sm *SubscriptionManager) HasNoLocal(clientID, filter string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	filters, ok := sm.byClnt[clientID]
	if !ok {
		return false
	}
	sub, ok := filters[filter]
	return ok && sub.NoLocal
}

// GetSubscriptions returns every subscription owned by clientID.
func (sm *SubscriptionManager) GetSubscriptions(clientID string) []*Subscription {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	filters, ok := sm.byClnt[clientID]
	if !ok {
		return nil
	}
	out := make([]*Subscription, 0, len(filters))
	for _, sub := range filters {
		out = append(out, sub)
	}
	return out
}

// IsValidTopicFilter checks wildcard placement rules for a subscribe filter.
func IsValidTopicFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case strings.Contains(level, "#"):
			return false
		case level == "+":
			// fine anywhere
		case strings.Contains(level, "+"):
			return false
		}
	}
	return true
}

// IsValidTopicName checks that a publish topic carries no wildcard levels.
func IsValidTopicName(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#")
}

// TopicMatches reports whether filter matches topic, delegating to the
// trie's standalone matcher so retained-message replay doesn't need a full
// SubscriptionManager instance.
func TopicMatches(filter, topic string) bool {
	return trie.IsMatching(filter, topic)
}
