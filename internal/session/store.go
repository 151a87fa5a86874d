// Package session persists client sessions across disconnects: subscription
// state, the offline message queue, and the two inflight tables that back
// the QoS 1/2 handshakes.
package session

import (
	"database/sql"
	"errors"

	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/pkg/er"
)

// Record is a persisted session's header row.
type Record struct {
	ClientID          string
	CleanSession      bool
	ExpiryInterval    uint32 // seconds; 0 with CleanSession means "expire on disconnect"
	WillTopic         *string
	WillMessage       []byte
	WillQoS           byte
	WillRetain        bool
	WillDelayInterval uint32
}

// QueuedMessage is an offline message waiting for the client to reconnect.
type QueuedMessage struct {
	ID      int64
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
	Retain  bool
}

// InflightOut is a QoS 1/2 message this broker sent to the client and is
// still waiting to be fully acknowledged.
type InflightOut struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	QoS      packet.QoSLevel
	Retain   bool
	Stage    string // "published" (QoS1/awaiting PUBACK, or QoS2/awaiting PUBREC) or "pubrel" (QoS2/awaiting PUBCOMP)
}

// InflightIn is a QoS 2 message the client sent that this broker has PUBREC'd
// but not yet released via PUBCOMP, tracked so a duplicate PUBLISH during the
// handshake doesn't redeliver to subscribers twice.
type InflightIn struct {
	PacketID uint16
	Topic    string
	Payload  []byte
	Retain   bool
}

// Store is the session-persistence collaborator the session handler talks
// to; callers never import database/sql directly.
type Store interface {
	SaveSession(rec Record) error
	LoadSession(clientID string) (Record, bool, error)
	DeleteSession(clientID string) error

	SaveSubscription(clientID, filter string, qos packet.QoSLevel, noLocal, retainAsPublished bool, retainHandling byte) error
	DeleteSubscription(clientID, filter string) error
	LoadSubscriptions(clientID string) ([]SubscriptionRecord, error)

	EnqueueMessage(clientID string, msg QueuedMessage) error
	DequeueMessages(clientID string, limit int) ([]QueuedMessage, error)
	AckMessage(clientID string, id int64) error

	SaveInflightOut(clientID string, m InflightOut) error
	UpdateInflightOutStage(clientID string, packetID uint16, stage string) error
	DeleteInflightOut(clientID string, packetID uint16) error
	LoadInflightOut(clientID string) ([]InflightOut, error)

	SaveInflightIn(clientID string, m InflightIn) error
	DeleteInflightIn(clientID string, packetID uint16) error
	LoadInflightIn(clientID string) ([]InflightIn, error)
}

// SubscriptionRecord is a persisted subscription row.
type SubscriptionRecord struct {
	Filter            string
	QoS               packet.QoSLevel
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// SQLiteStore implements Store against the sessions/subscriptions/queued
// message/inflight schema using the same mattn/go-sqlite3 driver the rest
// of the broker's persistence layer depends on.
type SQLiteStore struct {
	db          *sql.DB
	offlineCap  int
}

// NewSQLiteStore opens/creates the session tables. offlineCap bounds the
// per-client queued_messages backlog; enqueueing past it drops the oldest
// queued message first (drop-oldest, matching a bounded mailbox rather than
// rejecting new traffic outright).
func NewSQLiteStore(db *sql.DB, offlineCap int) (*SQLiteStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			client_id            TEXT PRIMARY KEY,
			clean_session         INTEGER NOT NULL,
			expiry_interval       INTEGER NOT NULL,
			will_topic            TEXT,
			will_message          BLOB,
			will_qos              INTEGER NOT NULL,
			will_retain           INTEGER NOT NULL,
			will_delay_interval   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			client_id           TEXT NOT NULL,
			filter              TEXT NOT NULL,
			qos                 INTEGER NOT NULL,
			no_local            INTEGER NOT NULL,
			retain_as_published INTEGER NOT NULL,
			retain_handling     INTEGER NOT NULL,
			PRIMARY KEY (client_id, filter)
		)`,
		`CREATE TABLE IF NOT EXISTS queued_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id  TEXT NOT NULL,
			topic      TEXT NOT NULL,
			payload    BLOB,
			qos        INTEGER NOT NULL,
			retain     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_messages_client ON queued_messages (client_id, id)`,
		`CREATE TABLE IF NOT EXISTS inflight_out (
			client_id  TEXT NOT NULL,
			packet_id  INTEGER NOT NULL,
			topic      TEXT NOT NULL,
			payload    BLOB,
			qos        INTEGER NOT NULL,
			retain     INTEGER NOT NULL,
			stage      TEXT NOT NULL,
			PRIMARY KEY (client_id, packet_id)
		)`,
		`CREATE TABLE IF NOT EXISTS inflight_in (
			client_id  TEXT NOT NULL,
			packet_id  INTEGER NOT NULL,
			topic      TEXT NOT NULL,
			payload    BLOB,
			retain     INTEGER NOT NULL,
			PRIMARY KEY (client_id, packet_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, &er.Err{Context: "Session, Schema", Message: err}
		}
	}
	if offlineCap <= 0 {
		offlineCap = 1000
	}
	return &SQLiteStore{db: db, offlineCap: offlineCap}, nil
}

func (s *SQLiteStore) SaveSession(rec Record) error {
	var willTopic any
	if rec.WillTopic != nil {
		willTopic = *rec.WillTopic
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (client_id, clean_session, expiry_interval, will_topic, will_message, will_qos, will_retain, will_delay_interval)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			clean_session = excluded.clean_session,
			expiry_interval = excluded.expiry_interval,
			will_topic = excluded.will_topic,
			will_message = excluded.will_message,
			will_qos = excluded.will_qos,
			will_retain = excluded.will_retain,
			will_delay_interval = excluded.will_delay_interval
	`, rec.ClientID, rec.CleanSession, rec.ExpiryInterval, willTopic, rec.WillMessage, rec.WillQoS, rec.WillRetain, rec.WillDelayInterval)
	if err != nil {
		return &er.Err{Context: "Session, SaveSession", Message: err}
	}
	return nil
}

func (s *SQLiteStore) LoadSession(clientID string) (Record, bool, error) {
	var rec Record
	var willTopic sql.NullString
	rec.ClientID = clientID
	err := s.db.QueryRow(`
		SELECT clean_session, expiry_interval, will_topic, will_message, will_qos, will_retain, will_delay_interval
		FROM sessions WHERE client_id = ?`, clientID,
	).Scan(&rec.CleanSession, &rec.ExpiryInterval, &willTopic, &rec.WillMessage, &rec.WillQoS, &rec.WillRetain, &rec.WillDelayInterval)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, &er.Err{Context: "Session, LoadSession", Message: err}
	}
	if willTopic.Valid {
		rec.WillTopic = &willTopic.String
	}
	return rec, true, nil
}

func (s *SQLiteStore) DeleteSession(clientID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &er.Err{Context: "Session, DeleteSession", Message: err}
	}
	defer tx.Rollback()

	for _, table := range []string{"sessions", "subscriptions", "queued_messages", "inflight_out", "inflight_in"} {
		col := "client_id"
		if table == "sessions" {
			col = "client_id"
		}
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE `+col+` = ?`, clientID); err != nil {
			return &er.Err{Context: "Session, DeleteSession", Message: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &er.Err{Context: "Session, DeleteSession", Message: err}
	}
	return nil
}

func (s *SQLiteStore) SaveSubscription(clientID, filter string, qos packet.QoSLevel, noLocal, retainAsPublished bool, retainHandling byte) error {
	_, err := s.db.Exec(`
		INSERT INTO subscriptions (client_id, filter, qos, no_local, retain_as_published, retain_handling)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, filter) DO UPDATE SET
			qos = excluded.qos, no_local = excluded.no_local,
			retain_as_published = excluded.retain_as_published, retain_handling = excluded.retain_handling
	`, clientID, filter, int(qos), noLocal, retainAsPublished, retainHandling)
	if err != nil {
		return &er.Err{Context: "Session, SaveSubscription", Message: err}
	}
	return nil
}

func (s *SQLiteStore) DeleteSubscription(clientID, filter string) error {
	_, err := s.db.Exec(`DELETE FROM subscriptions WHERE client_id = ? AND filter = ?`, clientID, filter)
	if err != nil {
		return &er.Err{Context: "Session, DeleteSubscription", Message: err}
	}
	return nil
}

func (s *SQLiteStore) LoadSubscriptions(clientID string) ([]SubscriptionRecord, error) {
	rows, err := s.db.Query(`SELECT filter, qos, no_local, retain_as_published, retain_handling FROM subscriptions WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, &er.Err{Context: "Session, LoadSubscriptions", Message: err}
	}
	defer rows.Close()

	var out []SubscriptionRecord
	for rows.Next() {
		var rec SubscriptionRecord
		var qos int
		var retainHandling byte
		if err := rows.Scan(&rec.Filter, &qos, &rec.NoLocal, &rec.RetainAsPublished, &retainHandling); err != nil {
			return nil, &er.Err{Context: "Session, LoadSubscriptions", Message: err}
		}
		rec.QoS = packet.QoSLevel(qos)
		rec.RetainHandling = retainHandling
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EnqueueMessage(clientID string, msg QueuedMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &er.Err{Context: "Session, EnqueueMessage", Message: err}
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM queued_messages WHERE client_id = ?`, clientID).Scan(&count); err != nil {
		return &er.Err{Context: "Session, EnqueueMessage", Message: err}
	}
	if count >= s.offlineCap {
		if _, err := tx.Exec(`
			DELETE FROM queued_messages WHERE id = (
				SELECT id FROM queued_messages WHERE client_id = ? ORDER BY id ASC LIMIT 1
			)`, clientID); err != nil {
			return &er.Err{Context: "Session, EnqueueMessage, DropOldest", Message: err}
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO queued_messages (client_id, topic, payload, qos, retain) VALUES (?, ?, ?, ?, ?)
	`, clientID, msg.Topic, msg.Payload, int(msg.QoS), msg.Retain); err != nil {
		return &er.Err{Context: "Session, EnqueueMessage", Message: err}
	}

	return tx.Commit()
}

func (s *SQLiteStore) DequeueMessages(clientID string, limit int) ([]QueuedMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, topic, payload, qos, retain FROM queued_messages
		WHERE client_id = ? ORDER BY id ASC LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, &er.Err{Context: "Session, DequeueMessages", Message: err}
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var msg QueuedMessage
		var qos int
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &qos, &msg.Retain); err != nil {
			return nil, &er.Err{Context: "Session, DequeueMessages", Message: err}
		}
		msg.QoS = packet.QoSLevel(qos)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AckMessage(clientID string, id int64) error {
	_, err := s.db.Exec(`DELETE FROM queued_messages WHERE client_id = ? AND id = ?`, clientID, id)
	if err != nil {
		return &er.Err{Context: "Session, AckMessage", Message: err}
	}
	return nil
}

func (s *SQLiteStore) SaveInflightOut(clientID string, m InflightOut) error {
	_, err := s.db.Exec(`
		INSERT INTO inflight_out (client_id, packet_id, topic, payload, qos, retain, stage)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, packet_id) DO UPDATE SET stage = excluded.stage
	`, clientID, m.PacketID, m.Topic, m.Payload, int(m.QoS), m.Retain, m.Stage)
	if err != nil {
		return &er.Err{Context: "Session, SaveInflightOut", Message: err}
	}
	return nil
}

func (s *SQLiteStore) UpdateInflightOutStage(clientID string, packetID uint16, stage string) error {
	_, err := s.db.Exec(`UPDATE inflight_out SET stage = ? WHERE client_id = ? AND packet_id = ?`, stage, clientID, packetID)
	if err != nil {
		return &er.Err{Context: "Session, UpdateInflightOutStage", Message: err}
	}
	return nil
}

func (s *SQLiteStore) DeleteInflightOut(clientID string, packetID uint16) error {
	_, err := s.db.Exec(`DELETE FROM inflight_out WHERE client_id = ? AND packet_id = ?`, clientID, packetID)
	if err != nil {
		return &er.Err{Context: "Session, DeleteInflightOut", Message: err}
	}
	return nil
}

func (s *SQLiteStore) LoadInflightOut(clientID string) ([]InflightOut, error) {
	rows, err := s.db.Query(`SELECT packet_id, topic, payload, qos, retain, stage FROM inflight_out WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, &er.Err{Context: "Session, LoadInflightOut", Message: err}
	}
	defer rows.Close()

	var out []InflightOut
	for rows.Next() {
		var m InflightOut
		var qos int
		if err := rows.Scan(&m.PacketID, &m.Topic, &m.Payload, &qos, &m.Retain, &m.Stage); err != nil {
			return nil, &er.Err{Context: "Session, LoadInflightOut", Message: err}
		}
		m.QoS = packet.QoSLevel(qos)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveInflightIn(clientID string, m InflightIn) error {
	_, err := s.db.Exec(`
		INSERT INTO inflight_in (client_id, packet_id, topic, payload, retain) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id, packet_id) DO NOTHING
	`, clientID, m.PacketID, m.Topic, m.Payload, m.Retain)
	if err != nil {
		return &er.Err{Context: "Session, SaveInflightIn", Message: err}
	}
	return nil
}

func (s *SQLiteStore) DeleteInflightIn(clientID string, packetID uint16) error {
	_, err := s.db.Exec(`DELETE FROM inflight_in WHERE client_id = ? AND packet_id = ?`, clientID, packetID)
	if err != nil {
		return &er.Err{Context: "Session, DeleteInflightIn", Message: err}
	}
	return nil
}

func (s *SQLiteStore) LoadInflightIn(clientID string) ([]InflightIn, error) {
	rows, err := s.db.Query(`SELECT packet_id, topic, payload, retain FROM inflight_in WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, &er.Err{Context: "Session, LoadInflightIn", Message: err}
	}
	defer rows.Close()

	var out []InflightIn
	for rows.Next() {
		var m InflightIn
		if err := rows.Scan(&m.PacketID, &m.Topic, &m.Payload, &m.Retain); err != nil {
			return nil, &er.Err{Context: "Session, LoadInflightIn", Message: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
