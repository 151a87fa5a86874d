package auth

import (
	"database/sql"
	"errors"

	"github.com/pyr33x/goqtt/pkg/er"
	h "github.com/pyr33x/goqtt/pkg/hash"
)

// Store is the bcrypt-backed user/ACL collaborator the session handler
// authenticates CONNECT packets against.
type Store struct {
	db *sql.DB
}

// NewStore opens the users table against db, creating it if absent.
func NewStore(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			secret   TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, &er.Err{Context: "Auth, Schema", Message: err}
	}
	return &Store{db: db}, nil
}

func (s *Store) Authenticate(username, password string) error {
	var hash string

	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{
				Context: "Auth",
				Message: er.ErrUserNotFound,
			}
		}
		return &er.Err{Context: "Auth", Message: err}
	}

	if !h.VerifyPasswd(hash, password) {
		return &er.Err{
			Context: "Auth",
			Message: er.ErrInvalidPassword,
		}
	}

	return nil
}

// SetPassword creates or updates username's stored credential.
func (s *Store) SetPassword(username, password string) error {
	hash, err := h.HashPasswd(password, 12)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO users (username, secret) VALUES (?, ?)
		ON CONFLICT(username) DO UPDATE SET secret = excluded.secret
	`, username, hash)
	if err != nil {
		return &er.Err{Context: "Auth, SetPassword", Message: err}
	}
	return nil
}
