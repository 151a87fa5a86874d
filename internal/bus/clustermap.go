package bus

import "sync"

// lwwEntry is one last-writer-wins cell: ties are broken by nodeID so every
// node converges on the same winner without a shared clock.
type lwwEntry struct {
	value     string
	counter   uint64
	nodeID    string
}

func (e lwwEntry) wins(other lwwEntry) bool {
	if e.counter != other.counter {
		return e.counter > other.counter
	}
	return e.nodeID > other.nodeID
}

// ClientMap is the clientId -> nodeId CRDT: every node publishes its own
// local counter when a client connects locally, and merges remote updates
// by LWW so a client relocating between nodes during a network partition
// converges without coordination.
type ClientMap struct {
	mu      sync.RWMutex
	entries map[string]lwwEntry
	nodeID  string
	counter uint64
}

func NewClientMap(nodeID string) *ClientMap {
	return &ClientMap{entries: make(map[string]lwwEntry), nodeID: nodeID}
}

// SetLocal records that clientID now lives on this node and returns the
// update to broadcast over bus.BroadcastSubs.
func (m *ClientMap) SetLocal(clientID string) ClientUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	entry := lwwEntry{value: m.nodeID, counter: m.counter, nodeID: m.nodeID}
	m.entries[clientID] = entry
	return ClientUpdate{ClientID: clientID, NodeID: entry.value, Counter: entry.counter, OriginNode: entry.nodeID}
}

// Remove clears clientID's mapping, e.g. on clean-session disconnect.
func (m *ClientMap) Remove(clientID string) ClientUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	entry := lwwEntry{value: "", counter: m.counter, nodeID: m.nodeID}
	m.entries[clientID] = entry
	return ClientUpdate{ClientID: clientID, NodeID: "", Counter: entry.counter, OriginNode: entry.nodeID}
}

// Merge applies a remote update, keeping it only if it wins the LWW race.
func (m *ClientMap) Merge(u ClientUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	incoming := lwwEntry{value: u.NodeID, counter: u.Counter, nodeID: u.OriginNode}
	current, ok := m.entries[u.ClientID]
	if !ok || incoming.wins(current) {
		m.entries[u.ClientID] = incoming
	}
}

// NodeFor returns which node currently owns clientID's live connection.
func (m *ClientMap) NodeFor(clientID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[clientID]
	if !ok || entry.value == "" {
		return "", false
	}
	return entry.value, true
}

// ClientUpdate is the wire form of a ClientMap mutation, broadcast over
// bus.BroadcastSubs and merged by every other node.
type ClientUpdate struct {
	ClientID   string `json:"client_id"`
	NodeID     string `json:"node_id"`
	Counter    uint64 `json:"counter"`
	OriginNode string `json:"origin_node"`
}

// TopicMap is the topic/pattern -> set<nodeId> CRDT: it tracks which nodes
// have at least one local subscriber matching a filter. Publishes do not
// consult it: the broker still broadcasts every message to the whole
// cluster on BroadcastMessages.
type TopicMap struct {
	mu      sync.RWMutex
	nodes   map[string]map[string]lwwEntry // filter -> nodeID -> presence entry
	nodeID  string
	counter uint64
}

func NewTopicMap(nodeID string) *TopicMap {
	return &TopicMap{nodes: make(map[string]map[string]lwwEntry), nodeID: nodeID}
}

// AddLocal records that this node now has a subscriber on filter.
func (m *TopicMap) AddLocal(filter string) TopicUpdate {
	return m.set(filter, true)
}

// RemoveLocal records that this node no longer has any subscriber on filter.
func (m *TopicMap) RemoveLocal(filter string) TopicUpdate {
	return m.set(filter, false)
}

func (m *TopicMap) set(filter string, present bool) TopicUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++

	value := ""
	if present {
		value = "1"
	}
	entry := lwwEntry{value: value, counter: m.counter, nodeID: m.nodeID}

	byNode, ok := m.nodes[filter]
	if !ok {
		byNode = make(map[string]lwwEntry)
		m.nodes[filter] = byNode
	}
	byNode[m.nodeID] = entry

	return TopicUpdate{Filter: filter, NodeID: m.nodeID, Present: present, Counter: entry.counter, OriginNode: entry.nodeID}
}

// Merge applies a remote update.
func (m *TopicMap) Merge(u TopicUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value := ""
	if u.Present {
		value = "1"
	}
	incoming := lwwEntry{value: value, counter: u.Counter, nodeID: u.OriginNode}

	byNode, ok := m.nodes[u.Filter]
	if !ok {
		byNode = make(map[string]lwwEntry)
		m.nodes[u.Filter] = byNode
	}
	current, ok := byNode[u.NodeID]
	if !ok || incoming.wins(current) {
		byNode[u.NodeID] = incoming
	}
}

// NodesFor returns every node with at least one live subscriber on filter.
func (m *TopicMap) NodesFor(filter string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byNode, ok := m.nodes[filter]
	if !ok {
		return nil
	}
	var out []string
	for nodeID, entry := range byNode {
		if entry.value == "1" {
			out = append(out, nodeID)
		}
	}
	return out
}

// TopicUpdate is the wire form of a TopicMap mutation.
type TopicUpdate struct {
	Filter     string `json:"filter"`
	NodeID     string `json:"node_id"`
	Present    bool   `json:"present"`
	Counter    uint64 `json:"counter"`
	OriginNode string `json:"origin_node"`
}
