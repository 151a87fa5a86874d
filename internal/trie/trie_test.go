package trie

import "testing"

func TestAddAndFindData(t *testing.T) {
	tr := New[string, int]()
	tr.Add("a/b/c", "client1", 1)
	tr.Add("a/b/c", "client2", 2)

	data := tr.FindData("a/b/c")
	if len(data) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(data))
	}
	if data["client1"] != 1 || data["client2"] != 2 {
		t.Errorf("unexpected data: %v", data)
	}
}

func TestDelRemovesOnlyThatKey(t *testing.T) {
	tr := New[string, int]()
	tr.Add("a/b", "client1", 1)
	tr.Add("a/b", "client2", 2)

	tr.Del("a/b", "client1")

	data := tr.FindData("a/b")
	if _, ok := data["client1"]; ok {
		t.Error("client1 should have been removed")
	}
	if _, ok := data["client2"]; !ok {
		t.Error("client2 should still be present")
	}
}

func TestFindMatchingWildcards(t *testing.T) {
	tr := New[string, int]()
	tr.Add("sensors/+/temp", "c1", 1)
	tr.Add("sensors/#", "c2", 2)
	tr.Add("sensors/kitchen/temp", "c3", 3)

	matches := tr.FindMatching("sensors/kitchen/temp")
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d: %v", len(matches), matches)
	}
}

func TestFindMatchingExcludesSysFromBareHash(t *testing.T) {
	tr := New[string, int]()
	tr.Add("#", "c1", 1)

	matches := tr.FindMatching("$SYS/broker/uptime")
	if len(matches) != 0 {
		t.Fatalf("bare # must not match $SYS topics, got %v", matches)
	}
}

func TestIsMatching(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"#", "$SYS/uptime", false},
		{"a/b", "a/b/c", false},
	}

	for _, c := range cases {
		if got := IsMatching(c.filter, c.topic); got != c.want {
			t.Errorf("IsMatching(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}
