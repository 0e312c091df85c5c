// Package store persists the small client state that must survive restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	keyUser = "user"
	keyRoom = "room"
	keyCart = "cart"
)

// SQLite keeps the state in a key/value _meta table.
type SQLite struct {
	db   *sql.DB
	path string
}

func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and writes ordered
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}
	log.Info().Str("module", "store").Str("path", path).Msg("state store ready")
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Load(ctx context.Context) (core.PersistedState, error) {
	var st core.PersistedState
	raw, err := s.get(ctx, keyUser)
	if err != nil {
		return st, err
	}
	if raw != "" {
		var u domain.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return st, fmt.Errorf("decode user: %w", err)
		}
		st.User = &u
	}
	room, err := s.get(ctx, keyRoom)
	if err != nil {
		return st, err
	}
	st.Room = domain.RoomCode(room)
	cart, err := s.get(ctx, keyCart)
	if err != nil {
		return st, err
	}
	if cart != "" {
		if err := json.Unmarshal([]byte(cart), &st.Cart); err != nil {
			return st, fmt.Errorf("decode cart: %w", err)
		}
	}
	return st, nil
}

func (s *SQLite) SaveUser(ctx context.Context, u domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.set(ctx, keyUser, string(b))
}

func (s *SQLite) SaveRoom(ctx context.Context, code domain.RoomCode) error {
	return s.set(ctx, keyRoom, string(code))
}

func (s *SQLite) ClearRoom(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM _meta WHERE key = ?`, keyRoom)
	return err
}

// SaveCart replaces the saved personal cart. An empty cart clears it.
func (s *SQLite) SaveCart(ctx context.Context, items []domain.CartItem) error {
	if len(items) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM _meta WHERE key = ?`, keyCart)
		return err
	}
	if err := (domain.CartSnapshot{Items: items}).Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return s.set(ctx, keyCart, string(b))
}

func (s *SQLite) get(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v.String, nil
}

func (s *SQLite) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO _meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

var _ core.StateStore = (*SQLite)(nil)
