package archive

import (
	"context"
	"database/sql"
	"time"

	"github.com/pyr33x/goqtt/pkg/er"
)

// SQLiteArchive is the append-only historical store: one row per routed
// message, per group, purged by age.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive creates the archived_messages table if it does not exist.
// Every node that calls it runs the CREATE TABLE; there is no leader gate and
// no wait for another node to create the table first.
func NewSQLiteArchive(db *sql.DB) (*SQLiteArchive, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS archived_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			group_name TEXT NOT NULL,
			topic      TEXT NOT NULL,
			payload    BLOB,
			ts         INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, &er.Err{Context: "Archive, Schema", Message: err}
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_archived_group_ts ON archived_messages (group_name, ts)`); err != nil {
		return nil, &er.Err{Context: "Archive, Schema", Message: err}
	}
	return &SQLiteArchive{db: db}, nil
}

func (a *SQLiteArchive) Append(_ context.Context, group, topic string, payload []byte, ts int64) error {
	_, err := a.db.Exec(
		`INSERT INTO archived_messages (group_name, topic, payload, ts) VALUES (?, ?, ?, ?)`,
		group, topic, payload, ts,
	)
	if err != nil {
		return &er.Err{Context: "Archive, Append", Message: err}
	}
	return nil
}

func (a *SQLiteArchive) Purge(_ context.Context, group string, olderThan time.Time) (int64, error) {
	res, err := a.db.Exec(
		`DELETE FROM archived_messages WHERE group_name = ? AND ts < ?`,
		group, olderThan.Unix(),
	)
	if err != nil {
		return 0, &er.Err{Context: "Archive, Purge", Message: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}
