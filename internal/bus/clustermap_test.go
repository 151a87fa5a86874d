package bus

import "testing"

func TestClientMapSetLocalAndNodeFor(t *testing.T) {
	m := NewClientMap("node-a")
	m.SetLocal("client1")

	node, ok := m.NodeFor("client1")
	if !ok {
		t.Fatal("expected client1 to have a node")
	}
	if node != "node-a" {
		t.Errorf("expected node-a, got %s", node)
	}
}

func TestClientMapMergeHigherCounterWins(t *testing.T) {
	m := NewClientMap("node-a")
	m.SetLocal("client1") // local counter 1, node-a

	m.Merge(ClientUpdate{ClientID: "client1", NodeID: "node-b", Counter: 5, OriginNode: "node-b"})

	node, ok := m.NodeFor("client1")
	if !ok || node != "node-b" {
		t.Errorf("expected node-b to win with higher counter, got %q, ok=%v", node, ok)
	}
}

func TestClientMapMergeLowerCounterLoses(t *testing.T) {
	m := NewClientMap("node-a")
	m.Merge(ClientUpdate{ClientID: "client1", NodeID: "node-b", Counter: 5, OriginNode: "node-b"})
	m.Merge(ClientUpdate{ClientID: "client1", NodeID: "node-c", Counter: 1, OriginNode: "node-c"})

	node, _ := m.NodeFor("client1")
	if node != "node-b" {
		t.Errorf("expected node-b (higher counter) to remain, got %q", node)
	}
}

func TestClientMapMergeTieBrokenByNodeID(t *testing.T) {
	m := NewClientMap("node-a")
	m.Merge(ClientUpdate{ClientID: "client1", NodeID: "node-a", Counter: 1, OriginNode: "node-a"})
	m.Merge(ClientUpdate{ClientID: "client1", NodeID: "node-z", Counter: 1, OriginNode: "node-z"})

	node, _ := m.NodeFor("client1")
	if node != "node-z" {
		t.Errorf("expected tie broken toward lexicographically greater node id, got %q", node)
	}
}

func TestClientMapRemove(t *testing.T) {
	m := NewClientMap("node-a")
	m.SetLocal("client1")
	m.Remove("client1")

	if _, ok := m.NodeFor("client1"); ok {
		t.Error("expected client1 to have no node after remove")
	}
}

func TestTopicMapAddAndNodesFor(t *testing.T) {
	m := NewTopicMap("node-a")
	m.AddLocal("sensors/#")

	nodes := m.NodesFor("sensors/#")
	if len(nodes) != 1 || nodes[0] != "node-a" {
		t.Errorf("expected [node-a], got %v", nodes)
	}
}

func TestTopicMapMergeAcrossNodes(t *testing.T) {
	m := NewTopicMap("node-a")
	m.AddLocal("sensors/#")
	m.Merge(TopicUpdate{Filter: "sensors/#", NodeID: "node-b", Present: true, Counter: 1, OriginNode: "node-b"})

	nodes := m.NodesFor("sensors/#")
	if len(nodes) != 2 {
		t.Fatalf("expected both nodes present, got %v", nodes)
	}
}

func TestTopicMapRemoveLocalStopsAdvertising(t *testing.T) {
	m := NewTopicMap("node-a")
	m.AddLocal("sensors/#")
	m.RemoveLocal("sensors/#")

	nodes := m.NodesFor("sensors/#")
	if len(nodes) != 0 {
		t.Errorf("expected no nodes after remove, got %v", nodes)
	}
}
