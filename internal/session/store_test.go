package session

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pyr33x/goqtt/internal/packet"
)

func newTestStore(t *testing.T, offlineCap int) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db, offlineCap)
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return store
}

func TestSaveAndLoadSession(t *testing.T) {
	store := newTestStore(t, 10)

	willTopic := "clients/c1/lwt"
	rec := Record{
		ClientID:       "c1",
		CleanSession:   false,
		ExpiryInterval: 3600,
		WillTopic:      &willTopic,
		WillMessage:    []byte("offline"),
		WillQoS:        1,
		WillRetain:     true,
	}
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, ok, err := store.LoadSession("c1")
	if err != nil || !ok {
		t.Fatalf("expected session present, err=%v", err)
	}
	if got.WillTopic == nil || *got.WillTopic != willTopic {
		t.Errorf("expected will topic %q, got %v", willTopic, got.WillTopic)
	}
	if string(got.WillMessage) != "offline" {
		t.Errorf("expected will message preserved, got %q", got.WillMessage)
	}
}

func TestLoadSessionMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t, 10)
	_, ok, err := store.LoadSession("ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no session for an unknown client")
	}
}

func TestDeleteSessionClearsAllTables(t *testing.T) {
	store := newTestStore(t, 10)
	store.SaveSession(Record{ClientID: "c1"})
	store.SaveSubscription("c1", "a/b", packet.QoSAtMostOnce, false, false, 0)
	store.EnqueueMessage("c1", QueuedMessage{Topic: "a/b", Payload: []byte("x")})

	if err := store.DeleteSession("c1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, ok, _ := store.LoadSession("c1"); ok {
		t.Error("expected session row gone")
	}
	subs, _ := store.LoadSubscriptions("c1")
	if len(subs) != 0 {
		t.Errorf("expected subscriptions cleared, got %v", subs)
	}
	msgs, _ := store.DequeueMessages("c1", 10)
	if len(msgs) != 0 {
		t.Errorf("expected queued messages cleared, got %v", msgs)
	}
}

func TestEnqueueDropsOldestWhenOverCap(t *testing.T) {
	store := newTestStore(t, 3)

	for i := 0; i < 5; i++ {
		if err := store.EnqueueMessage("c1", QueuedMessage{Topic: "a/b", Payload: []byte{byte(i)}}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}

	msgs, err := store.DequeueMessages("c1", 10)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected offline cap of 3 to be enforced, got %d messages", len(msgs))
	}
	// the two oldest (payload 0 and 1) should have been dropped
	if msgs[0].Payload[0] != 2 {
		t.Errorf("expected oldest surviving message to carry payload 2, got %d", msgs[0].Payload[0])
	}
}

func TestAckMessageRemovesOnlyThatMessage(t *testing.T) {
	store := newTestStore(t, 10)
	store.EnqueueMessage("c1", QueuedMessage{Topic: "a", Payload: []byte("1")})
	store.EnqueueMessage("c1", QueuedMessage{Topic: "b", Payload: []byte("2")})

	msgs, _ := store.DequeueMessages("c1", 10)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(msgs))
	}

	store.AckMessage("c1", msgs[0].ID)

	remaining, _ := store.DequeueMessages("c1", 10)
	if len(remaining) != 1 || remaining[0].ID != msgs[1].ID {
		t.Errorf("expected only the second message to remain, got %v", remaining)
	}
}

func TestInflightOutLifecycle(t *testing.T) {
	store := newTestStore(t, 10)

	store.SaveInflightOut("c1", InflightOut{PacketID: 5, Topic: "a/b", QoS: packet.QoSExactlyOnce, Stage: "published"})
	store.UpdateInflightOutStage("c1", 5, "pubrel")

	loaded, err := store.LoadInflightOut("c1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Stage != "pubrel" {
		t.Fatalf("expected stage updated to pubrel, got %v", loaded)
	}

	store.DeleteInflightOut("c1", 5)
	loaded, _ = store.LoadInflightOut("c1")
	if len(loaded) != 0 {
		t.Errorf("expected inflight_out row gone, got %v", loaded)
	}
}

func TestInflightInDedupOnConflict(t *testing.T) {
	store := newTestStore(t, 10)

	store.SaveInflightIn("c1", InflightIn{PacketID: 9, Topic: "a/b", Payload: []byte("x")})
	store.SaveInflightIn("c1", InflightIn{PacketID: 9, Topic: "a/b", Payload: []byte("y")})

	loaded, err := store.LoadInflightIn("c1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected exactly one row for a duplicate packet id, got %d", len(loaded))
	}
	if string(loaded[0].Payload) != "x" {
		t.Errorf("expected the original payload preserved on conflict, got %q", loaded[0].Payload)
	}
}
