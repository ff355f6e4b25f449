// ABOUTME: SQLite implementation of chat-engine persistence using modernc.org/sqlite
// ABOUTME: Provides schema creation, transactions, and the shared connection pool

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database backing all chat-engine state.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Tx exposes the store's mutating operations inside a database transaction.
// The dispatcher and event processor run each unit of work through one Tx so
// state transitions and their side-effect writes commit atomically.
type Tx struct {
	tx *sql.Tx
}

// querier is implemented by both *sql.DB and *sql.Tx so read/write helpers
// can be shared between pool-level and transactional operations.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func New(path string) (*Store, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single pooled connection keeps the session pragmas below in force
	// for every query and serializes writers at the pool instead of
	// surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Concurrent message transactions contend on the single writer; wait
	// instead of failing with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversation_users (
			id TEXT PRIMARY KEY,
			chatbot_name TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			conversation_state TEXT NOT NULL,
			entity_id TEXT,
			full_name TEXT,
			gender TEXT,
			date_of_birth TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_users_chatbot_phone
			ON conversation_users(chatbot_name, phone_number);

		CREATE TABLE IF NOT EXISTS inbound_messages (
			id TEXT PRIMARY KEY,
			chatbot_name TEXT NOT NULL,
			sent_by_phone_number TEXT NOT NULL,
			received_by_phone_number TEXT NOT NULL,
			whatsapp_id TEXT NOT NULL,
			body TEXT NOT NULL,
			has_media INTEGER NOT NULL DEFAULT 0,
			media_id TEXT,
			started_responding_at DATETIME,
			error_commit_hash TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_inbound_unhandled
			ON inbound_messages(started_responding_at, created_at);

		CREATE TABLE IF NOT EXISTS outbound_messages (
			id TEXT PRIMARY KEY,
			whatsapp_id TEXT NOT NULL,
			responding_to_id TEXT NOT NULL,
			body TEXT NOT NULL,
			read_status TEXT NOT NULL DEFAULT 'sent',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (responding_to_id) REFERENCES inbound_messages(id)
		);

		CREATE INDEX IF NOT EXISTS idx_outbound_whatsapp_id
			ON outbound_messages(whatsapp_id);

		CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			full_name TEXT NOT NULL,
			role TEXT NOT NULL,
			phone_number TEXT NOT NULL,
			calendar_id TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS scheduling_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES conversation_users(id),
			FOREIGN KEY (provider_id) REFERENCES providers(id)
		);

		CREATE TABLE IF NOT EXISTS offered_times (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			starts_at DATETIME NOT NULL,
			declined INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (request_id) REFERENCES scheduling_requests(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			starts_at DATETIME NOT NULL,
			calendar_event_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES conversation_users(id),
			FOREIGN KEY (provider_id) REFERENCES providers(id)
		);

		CREATE TABLE IF NOT EXISTS facilities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			address TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL
		);

		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			listeners_inserted_at DATETIME,
			error_message_no_automated_retry TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_unexpanded
			ON events(listeners_inserted_at);

		CREATE TABLE IF NOT EXISTS event_listeners (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			listener_name TEXT NOT NULL,
			error_message TEXT,
			error_count INTEGER NOT NULL DEFAULT 0,
			backoff_until DATETIME,
			processed_at DATETIME,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (event_id) REFERENCES events(id),
			UNIQUE (event_id, listener_name)
		);

		CREATE INDEX IF NOT EXISTS idx_listeners_due
			ON event_listeners(processed_at, backoff_until);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction, committing on nil return and rolling
// back otherwise. The transaction is the unit of atomicity for one claimed
// message or one event listener run.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is RFC3339 with a fixed-width fractional second so that
// lexicographic ordering of stored values matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders timestamps the way every table stores them.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatTimePtr renders an optional timestamp, keeping NULL for nil.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// scanTime parses a timestamp stored by formatTime. SQLite may hand the value
// back as string or time depending on driver conversions, so both are accepted.
func scanTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, fmt.Errorf("parsing stored time %q: %w", v.String, err)
	}
	return &t, nil
}
