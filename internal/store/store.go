package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/wahjam/wahjam-sub001/internal/core"
	"github.com/wahjam/wahjam-sub001/internal/privs"
)

// ErrUserNotFound is returned when no account exists for a username.
var ErrUserNotFound = errors.New("user not found")

// ErrSessionNotFound is returned when no archive session exists for an ID.
var ErrSessionNotFound = errors.New("session not found")

// User is a stored account. The password itself is never stored, only the
// secret a client proves knowledge of.
type User struct {
	Name        string
	Secret      []byte
	Privs       privs.Set
	MaxChannels int
	CreatedAt   time.Time
}

// Session is one archived jam session.
type Session struct {
	ID        uuid.UUID
	Dir       string
	StartedAt time.Time
	EndedAt   time.Time // zero while the session is still running
}

// Store persists accounts and the archive index in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("module", "store").Str("path", path).Msg("sqlite store opened")
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	name TEXT PRIMARY KEY COLLATE NOCASE,
	secret TEXT NOT NULL,
	privs TEXT NOT NULL,
	max_channels INTEGER NOT NULL DEFAULT 0 CHECK(max_channels >= 0),
	created_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	dir TEXT NOT NULL,
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at_unix_ms);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	log.Debug().Str("module", "store").Msg("sqlite migrations applied")
	return nil
}

// PutUser creates or replaces an account.
func (s *Store) PutUser(ctx context.Context, u User) error {
	if strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("user name is required")
	}
	if len(u.Secret) == 0 {
		return fmt.Errorf("user secret is required")
	}
	if u.MaxChannels < 0 {
		return fmt.Errorf("max channels must be non-negative")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO users (name, secret, privs, max_channels, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	secret = excluded.secret,
	privs = excluded.privs,
	max_channels = excluded.max_channels
`
	_, err := s.db.ExecContext(ctx, q, u.Name, hex.EncodeToString(u.Secret), u.Privs.String(), u.MaxChannels, u.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	log.Debug().Str("module", "store").Str("user", u.Name).Str("privs", u.Privs.String()).Msg("user stored")
	return nil
}

// AddUser stores a password account.
func (s *Store) AddUser(ctx context.Context, name, password string, p privs.Set, maxChannels int) error {
	return s.PutUser(ctx, User{
		Name:        name,
		Secret:      core.PasswordSecret(name, password),
		Privs:       p,
		MaxChannels: maxChannels,
	})
}

// RemoveUser deletes an account.
func (s *Store) RemoveUser(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UserByName returns one account, matching the name case-insensitively.
func (s *Store) UserByName(ctx context.Context, name string) (User, error) {
	const q = `SELECT name, secret, privs, max_channels, created_at_unix_ms FROM users WHERE name = ?`
	u, err := scanUser(s.db.QueryRowContext(ctx, q, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// ListUsers returns every account ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	const q = `SELECT name, secret, privs, max_channels, created_at_unix_ms FROM users ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (User, error) {
	var (
		u          User
		secretHex  string
		privString string
		createdAt  int64
	)
	if err := sc.Scan(&u.Name, &secretHex, &privString, &u.MaxChannels, &createdAt); err != nil {
		return User{}, err
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return User{}, fmt.Errorf("decode secret of %s: %w", u.Name, err)
	}
	u.Secret = secret
	u.Privs, _ = privs.Parse(privString)
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return u, nil
}

// LookupUser resolves a login against the users table. An unknown name is
// an invalid account, not an error.
func (s *Store) LookupUser(ctx context.Context, username, _ string) (core.Account, error) {
	u, err := s.UserByName(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return core.Account{}, nil
	}
	if err != nil {
		return core.Account{}, err
	}
	return core.Account{
		Valid:       true,
		Secret:      u.Secret,
		Privs:       u.Privs,
		MaxChannels: u.MaxChannels,
	}, nil
}

// StartSession records a new archive session.
func (s *Store) StartSession(ctx context.Context, id uuid.UUID, dir string, startedAt time.Time) error {
	const q = `INSERT INTO sessions (id, dir, started_at_unix_ms) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, id.String(), dir, startedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	log.Debug().Str("module", "store").Str("session", id.String()).Str("dir", dir).Msg("session indexed")
	return nil
}

// EndSession marks a session finished.
func (s *Store) EndSession(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at_unix_ms = ? WHERE id = ?`, endedAt.UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, dir, started_at_unix_ms, ended_at_unix_ms
FROM sessions
ORDER BY started_at_unix_ms DESC, id
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess           Session
			id             string
			started, ended int64
		)
		if err := rows.Scan(&id, &sess.Dir, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if sess.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse session id %q: %w", id, err)
		}
		sess.StartedAt = time.UnixMilli(started).UTC()
		if ended != 0 {
			sess.EndedAt = time.UnixMilli(ended).UTC()
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
