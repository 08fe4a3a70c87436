// Package sqlite provides a SQLite-backed outbox.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fxsml/cmdbus/internal/sqlitemigrate"
	"github.com/fxsml/cmdbus/message"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists outbox entries in the cmdbus_outbox table. Bodies are
// envelopes encoded with the configured codec.
type Store struct {
	db    *sql.DB
	codec message.Codec
	owned bool
}

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the envelope codec. Default: message.NewCloudEventsCodec().
func WithCodec(c message.Codec) Option {
	return func(s *Store) {
		s.codec = c
	}
}

// Open opens the database at path, applies migrations and returns a store
// that owns the connection.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox/sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox/sqlite: ping: %w", err)
	}

	s, err := New(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an open database and applies migrations.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, codec: message.NewCloudEventsCodec()}
	for _, opt := range opts {
		opt(s)
	}
	if err := sqlitemigrate.Apply(ctx, db, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("outbox/sqlite: migrate: %w", err)
	}
	return s, nil
}

// Append inserts envs in one transaction. Existing ids are left untouched.
func (s *Store) Append(ctx context.Context, envs ...*message.Envelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox/sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO cmdbus_outbox (id, body, created_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("outbox/sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().UnixNano()
	for _, env := range envs {
		body, err := s.codec.Encode(env)
		if err != nil {
			return fmt.Errorf("outbox/sqlite: encode %s: %w", env.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, env.ID, body, now); err != nil {
			return fmt.Errorf("outbox/sqlite: insert %s: %w", env.ID, err)
		}
	}
	return tx.Commit()
}

// ListUnsent returns all stored envelopes, oldest first. Rows that cannot be
// decoded are skipped.
func (s *Store) ListUnsent(ctx context.Context) ([]*message.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body FROM cmdbus_outbox ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("outbox/sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []*message.Envelope
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("outbox/sqlite: scan: %w", err)
		}
		env, err := s.codec.Decode(body)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// RemoveSent deletes id.
func (s *Store) RemoveSent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cmdbus_outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("outbox/sqlite: remove %s: %w", id, err)
	}
	return nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
