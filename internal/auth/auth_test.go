package auth

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pyr33x/goqtt/pkg/er"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return store
}

func TestSetPasswordThenAuthenticate(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetPassword("alice", "hunter2"); err != nil {
		t.Fatalf("set password failed: %v", err)
	}

	if err := store.Authenticate("alice", "hunter2"); err != nil {
		t.Errorf("expected authentication to succeed, got %v", err)
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	store := newTestStore(t)
	store.SetPassword("alice", "hunter2")

	err := store.Authenticate("alice", "wrong")
	if err == nil {
		t.Fatal("expected authentication to fail for a wrong password")
	}
	if !errors.Is(err, er.ErrInvalidPassword) {
		t.Errorf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	store := newTestStore(t)

	err := store.Authenticate("ghost", "whatever")
	if !errors.Is(err, er.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestSetPasswordOverwritesExisting(t *testing.T) {
	store := newTestStore(t)
	store.SetPassword("alice", "first")
	store.SetPassword("alice", "second")

	if err := store.Authenticate("alice", "first"); err == nil {
		t.Error("expected the old password to no longer authenticate")
	}
	if err := store.Authenticate("alice", "second"); err != nil {
		t.Errorf("expected the new password to authenticate, got %v", err)
	}
}
