package retained

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pyr33x/goqtt/internal/packet"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return store
}

func TestPutAndGet(t *testing.T) {
	store := newTestStore(t)

	msg := Message{Topic: "sensors/temp", Payload: []byte("21.5"), QoS: packet.QoSAtLeastOnce}
	if err := store.Put(msg); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, ok, err := store.Get("sensors/temp")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected message to be present")
	}
	if string(got.Payload) != "21.5" || got.QoS != packet.QoSAtLeastOnce {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestPutEmptyPayloadDeletes(t *testing.T) {
	store := newTestStore(t)

	store.Put(Message{Topic: "a/b", Payload: []byte("x")})
	store.Put(Message{Topic: "a/b", Payload: nil})

	_, ok, err := store.Get("a/b")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Error("expected retained message to be deleted by empty-payload put")
	}
}

func TestPutOverwritesExistingTopic(t *testing.T) {
	store := newTestStore(t)

	store.Put(Message{Topic: "a/b", Payload: []byte("first"), QoS: packet.QoSAtMostOnce})
	store.Put(Message{Topic: "a/b", Payload: []byte("second"), QoS: packet.QoSExactlyOnce})

	got, ok, err := store.Get("a/b")
	if err != nil || !ok {
		t.Fatalf("expected message present, err=%v", err)
	}
	if string(got.Payload) != "second" || got.QoS != packet.QoSExactlyOnce {
		t.Errorf("expected overwritten message, got %+v", got)
	}
}

func TestFindMatchingHonorsWildcards(t *testing.T) {
	store := newTestStore(t)

	store.Put(Message{Topic: "sensors/kitchen/temp", Payload: []byte("1")})
	store.Put(Message{Topic: "sensors/bedroom/temp", Payload: []byte("2")})
	store.Put(Message{Topic: "alerts/fire", Payload: []byte("3")})

	matches, err := store.FindMatching("sensors/+/temp")
	if err != nil {
		t.Fatalf("find matching failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d: %v", len(matches), matches)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	store := newTestStore(t)
	store.Put(Message{Topic: "a/b", Payload: []byte("x")})

	if err := store.Delete("a/b"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	_, ok, err := store.Get("a/b")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Error("expected message to be gone after delete")
	}
}
