// ABOUTME: Event and event-listener persistence for at-least-once fan-out
// ABOUTME: Listener rows carry independent error counts and backoff markers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const listenerColumns = `id, event_id, listener_name, error_message, error_count,
	backoff_until, processed_at, created_at`

// InsertEvent stores a domain event inside the caller's transaction, so an
// event emitted by a state handler commits atomically with the state
// transition that produced it.
func (t *Tx) InsertEvent(ctx context.Context, eventType string, data any) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling event data: %w", err)
	}

	now := time.Now()
	ev := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      payload,
		CreatedAt: now,
	}

	query := `INSERT INTO events (id, type, data, created_at) VALUES (?, ?, ?, ?)`
	if _, err := t.tx.ExecContext(ctx, query, ev.ID, ev.Type, string(ev.Data), formatTime(now)); err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}
	return ev, nil
}

// ListUnexpandedEvents returns events whose listeners have not been inserted
// yet and that are not parked with a no-retry error, oldest first.
func (s *Store) ListUnexpandedEvents(ctx context.Context) ([]*Event, error) {
	query := `
		SELECT id, type, data, listeners_inserted_at, error_message_no_automated_retry, created_at
		FROM events
		WHERE listeners_inserted_at IS NULL
		  AND error_message_no_automated_retry IS NULL
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing unexpanded events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertEventListeners creates one work item per registered listener name and
// stamps the event as expanded, all in one transaction so expansion is
// idempotent: an expanded event never reappears in ListUnexpandedEvents.
func (t *Tx) InsertEventListeners(ctx context.Context, eventID string, names []string) error {
	now := time.Now()
	for _, name := range names {
		query := `
			INSERT INTO event_listeners (id, event_id, listener_name, created_at)
			VALUES (?, ?, ?, ?)
		`
		if _, err := t.tx.ExecContext(ctx, query, uuid.New().String(), eventID, name, formatTime(now)); err != nil {
			return fmt.Errorf("inserting listener %s: %w", name, err)
		}
	}

	query := `UPDATE events SET listeners_inserted_at = ? WHERE id = ?`
	if _, err := t.tx.ExecContext(ctx, query, formatTime(now), eventID); err != nil {
		return fmt.Errorf("stamping listeners_inserted_at: %w", err)
	}
	return nil
}

// MarkEventNoRetry parks an event that cannot be expanded (e.g. a type with
// no registration, written by a different code version). Operator visibility
// only; nothing retries it automatically.
func (t *Tx) MarkEventNoRetry(ctx context.Context, eventID, msg string) error {
	query := `UPDATE events SET error_message_no_automated_retry = ? WHERE id = ?`
	res, err := t.tx.ExecContext(ctx, query, msg, eventID)
	if err != nil {
		return fmt.Errorf("marking event no-retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueListener is a listener work item joined with its event's type and payload.
type DueListener struct {
	EventListener
	EventType string
	Data      json.RawMessage
}

// ListDueListeners returns unprocessed listeners that are currently runnable.
//
// A listener is due when its backoff has elapsed, or when it has never failed
// (no backoff and no error recorded). A listener at the retry ceiling has a
// NULL backoff but a recorded error, so it stays parked until an operator
// unblocks it.
func (s *Store) ListDueListeners(ctx context.Context, now time.Time) ([]*DueListener, error) {
	query := `
		SELECT l.id, l.event_id, l.listener_name, l.error_message, l.error_count,
		       l.backoff_until, l.processed_at, l.created_at,
		       e.type, e.data
		FROM event_listeners l
		JOIN events e ON e.id = l.event_id
		WHERE l.processed_at IS NULL
		  AND (
		        (l.backoff_until IS NOT NULL AND l.backoff_until <= ?)
		     OR (l.backoff_until IS NULL AND l.error_message IS NULL)
		  )
		ORDER BY l.created_at, l.id
	`
	rows, err := s.db.QueryContext(ctx, query, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("listing due listeners: %w", err)
	}
	defer rows.Close()

	var due []*DueListener
	for rows.Next() {
		var d DueListener
		var data string
		var errMsg, backoffUntil, processedAt sql.NullString
		var createdAt string
		if err := rows.Scan(&d.ID, &d.EventID, &d.ListenerName, &errMsg, &d.ErrorCount,
			&backoffUntil, &processedAt, &createdAt, &d.EventType, &data); err != nil {
			return nil, fmt.Errorf("scanning due listener: %w", err)
		}
		d.ErrorMessage = nullableString(errMsg)
		d.Data = json.RawMessage(data)
		if d.BackoffUntil, err = scanTime(backoffUntil); err != nil {
			return nil, err
		}
		if d.ProcessedAt, err = scanTime(processedAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		due = append(due, &d)
	}
	return due, rows.Err()
}

// MarkListenerProcessed records a successful run and clears any transient
// error state from earlier attempts.
func (t *Tx) MarkListenerProcessed(ctx context.Context, id string) error {
	query := `
		UPDATE event_listeners
		SET processed_at = ?, error_message = NULL, error_count = 0, backoff_until = NULL
		WHERE id = ?
	`
	res, err := t.tx.ExecContext(ctx, query, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking listener processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkListenerFailed records a failed run. backoffUntil nil means the
// listener is parked for manual intervention (the retry ceiling was reached).
func (s *Store) MarkListenerFailed(ctx context.Context, id, errMsg string, errCount int, backoffUntil *time.Time) error {
	query := `
		UPDATE event_listeners
		SET error_message = ?, error_count = ?, backoff_until = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, errMsg, errCount, formatTimePtr(backoffUntil), id)
	if err != nil {
		return fmt.Errorf("marking listener failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnblockListener clears the backoff and error marker so a parked listener is
// retried on the next poll, even past the retry ceiling. The error count is
// kept so repeated manual retries stay visible.
func (s *Store) UnblockListener(ctx context.Context, id string) error {
	query := `
		UPDATE event_listeners
		SET backoff_until = NULL, error_message = NULL
		WHERE id = ? AND processed_at IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("unblocking listener: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFailedListeners returns unprocessed listeners with a recorded error,
// most errors first. Operator visibility for the ops API and CLI.
func (s *Store) ListFailedListeners(ctx context.Context) ([]*EventListener, error) {
	query := `SELECT ` + listenerColumns + `
		FROM event_listeners
		WHERE processed_at IS NULL AND error_message IS NOT NULL
		ORDER BY error_count DESC, created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing failed listeners: %w", err)
	}
	defer rows.Close()

	var listeners []*EventListener
	for rows.Next() {
		l, err := scanListenerRows(rows)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, rows.Err()
}

// GetEvent returns an event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	query := `
		SELECT id, type, data, listeners_inserted_at, error_message_no_automated_retry, created_at
		FROM events WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	ev, err := scanEventFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// GetEventListener returns a listener row by id.
func (s *Store) GetEventListener(ctx context.Context, id string) (*EventListener, error) {
	query := `SELECT ` + listenerColumns + ` FROM event_listeners WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	l, err := scanListenerFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

// ListEventListeners returns every listener row for an event.
func (s *Store) ListEventListeners(ctx context.Context, eventID string) ([]*EventListener, error) {
	query := `SELECT ` + listenerColumns + `
		FROM event_listeners WHERE event_id = ? ORDER BY listener_name`

	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing event listeners: %w", err)
	}
	defer rows.Close()

	var listeners []*EventListener
	for rows.Next() {
		l, err := scanListenerRows(rows)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, rows.Err()
}

func scanEventRows(rows *sql.Rows) (*Event, error) {
	return scanEventFrom(rows)
}

func scanEventFrom(row rowScanner) (*Event, error) {
	var ev Event
	var data, createdAt string
	var insertedAt, noRetry sql.NullString

	err := row.Scan(&ev.ID, &ev.Type, &data, &insertedAt, &noRetry, &createdAt)
	if err != nil {
		return nil, err
	}

	ev.Data = json.RawMessage(data)
	ev.NoRetryError = nullableString(noRetry)
	if ev.ListenersInsertedAt, err = scanTime(insertedAt); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ev, nil
}

func scanListenerRows(rows *sql.Rows) (*EventListener, error) {
	return scanListenerFrom(rows)
}

func scanListenerFrom(row rowScanner) (*EventListener, error) {
	var l EventListener
	var errMsg, backoffUntil, processedAt sql.NullString
	var createdAt string

	err := row.Scan(&l.ID, &l.EventID, &l.ListenerName, &errMsg, &l.ErrorCount,
		&backoffUntil, &processedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	l.ErrorMessage = nullableString(errMsg)
	if l.BackoffUntil, err = scanTime(backoffUntil); err != nil {
		return nil, err
	}
	if l.ProcessedAt, err = scanTime(processedAt); err != nil {
		return nil, err
	}
	if l.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &l, nil
}
