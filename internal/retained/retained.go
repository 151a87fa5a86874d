// Package retained implements the retained-message store: the last message
// published with the retain flag set on each topic, replayed to new
// subscribers whose filter matches it.
package retained

import (
	"database/sql"
	"errors"

	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/internal/trie"
	"github.com/pyr33x/goqtt/pkg/er"
)

// Message is one retained publish, keyed by its exact topic.
type Message struct {
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
}

// Store is the retained-message collaborator the session handler talks to.
// Put with an empty payload deletes the retained message for Topic, per
// the MQTT retain semantics.
type Store interface {
	Put(msg Message) error
	Delete(topic string) error
	FindMatching(filter string) ([]Message, error)
	Get(topic string) (Message, bool, error)
}

// SQLiteStore persists retained messages in a single table, matching the
// teacher's sqlite-backed persistence style (internal/auth, cmd/goqtt).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the retained_messages table against db, creating it
// if it does not exist. Every node that calls it runs the CREATE TABLE; no
// leader gate applies.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS retained_messages (
			topic   TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			qos     INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, &er.Err{Context: "Retained, Schema", Message: err}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(msg Message) error {
	if len(msg.Payload) == 0 {
		return s.Delete(msg.Topic)
	}
	_, err := s.db.Exec(
		`INSERT INTO retained_messages (topic, payload, qos) VALUES (?, ?, ?)
		 ON CONFLICT(topic) DO UPDATE SET payload = excluded.payload, qos = excluded.qos`,
		msg.Topic, msg.Payload, int(msg.QoS),
	)
	if err != nil {
		return &er.Err{Context: "Retained, Put", Message: err}
	}
	return nil
}

func (s *SQLiteStore) Delete(topic string) error {
	_, err := s.db.Exec(`DELETE FROM retained_messages WHERE topic = ?`, topic)
	if err != nil {
		return &er.Err{Context: "Retained, Delete", Message: err}
	}
	return nil
}

func (s *SQLiteStore) Get(topic string) (Message, bool, error) {
	var msg Message
	var qos int
	msg.Topic = topic
	err := s.db.QueryRow(`SELECT payload, qos FROM retained_messages WHERE topic = ?`, topic).
		Scan(&msg.Payload, &qos)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, &er.Err{Context: "Retained, Get", Message: err}
	}
	msg.QoS = packet.QoSLevel(qos)
	return msg, true, nil
}

// FindMatching scans every retained topic against filter. Retained storage
// is keyed by exact topic (one row per publish target), so unlike the live
// subscription index there is no wildcard trie to maintain incrementally;
// a full scan is the teacher's own tradeoff for a low-churn table.
func (s *SQLiteStore) FindMatching(filter string) ([]Message, error) {
	rows, err := s.db.Query(`SELECT topic, payload, qos FROM retained_messages`)
	if err != nil {
		return nil, &er.Err{Context: "Retained, FindMatching", Message: err}
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var qos int
		if err := rows.Scan(&msg.Topic, &msg.Payload, &qos); err != nil {
			return nil, &er.Err{Context: "Retained, FindMatching", Message: err}
		}
		msg.QoS = packet.QoSLevel(qos)
		if trie.IsMatching(filter, msg.Topic) {
			out = append(out, msg)
		}
	}
	return out, rows.Err()
}
