// ABOUTME: Inbound/outbound message persistence including the atomic claim
// ABOUTME: The claim rule is the engine's only concurrency-control primitive

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const inboundColumns = `id, chatbot_name, sent_by_phone_number, received_by_phone_number,
	whatsapp_id, body, has_media, media_id, started_responding_at,
	error_commit_hash, error_message, created_at`

// InsertMessageReceived stores a normalized inbound envelope. Called by the
// (external) ingestion layer; the dispatcher picks the row up on its next poll.
func (s *Store) InsertMessageReceived(ctx context.Context, env MessageEnvelope) (*InboundMessage, error) {
	now := time.Now()
	msg := &InboundMessage{
		ID:                    uuid.New().String(),
		ChatbotName:           env.ChatbotName,
		SentByPhoneNumber:     env.SentByPhoneNumber,
		ReceivedByPhoneNumber: env.ReceivedByPhoneNumber,
		WhatsAppID:            env.WhatsAppID,
		Body:                  env.Body,
		HasMedia:              env.HasMedia,
		CreatedAt:             now,
	}
	if env.MediaID != "" {
		msg.MediaID = &env.MediaID
	}

	query := `
		INSERT INTO inbound_messages (
			id, chatbot_name, sent_by_phone_number, received_by_phone_number,
			whatsapp_id, body, has_media, media_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ChatbotName, msg.SentByPhoneNumber, msg.ReceivedByPhoneNumber,
		msg.WhatsAppID, msg.Body, msg.HasMedia, msg.MediaID, formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("inserting inbound message: %w", err)
	}

	return msg, nil
}

// ClaimNextMessage atomically claims the oldest eligible inbound message.
//
// A message is eligible if it has never been claimed, or if it errored under
// a different commit hash than the one currently running. Messages that
// errored under the running code are deliberately skipped: retrying them
// would loop forever on a reproducible bug, while a new deploy may have fixed
// it. Claiming clears any previous error annotation; a fresh one is written
// if this attempt fails too.
//
// The single UPDATE ... RETURNING makes the claim atomic, so two concurrent
// dispatcher instances cannot both claim the same row. Returns
// ErrNoEligibleMessage when there is no work.
func (s *Store) ClaimNextMessage(ctx context.Context, commitHash string) (*InboundMessage, error) {
	query := `
		UPDATE inbound_messages
		SET started_responding_at = ?,
		    error_commit_hash = NULL,
		    error_message = NULL
		WHERE id = (
			SELECT id FROM inbound_messages
			WHERE started_responding_at IS NULL
			   OR (error_commit_hash IS NOT NULL AND error_commit_hash != ?)
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING ` + inboundColumns

	row := s.db.QueryRowContext(ctx, query, formatTime(time.Now()), commitHash)
	msg, err := scanInbound(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoEligibleMessage
	}
	if err != nil {
		return nil, fmt.Errorf("claiming inbound message: %w", err)
	}
	return msg, nil
}

// RecordMessageError annotates a claimed message with the deploy that failed
// on it and the error text. The claim rule then keeps the message off the
// queue until the commit hash changes.
func (s *Store) RecordMessageError(ctx context.Context, id, commitHash, errMsg string) error {
	query := `
		UPDATE inbound_messages
		SET error_commit_hash = ?, error_message = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, commitHash, errMsg, id)
	if err != nil {
		return fmt.Errorf("recording message error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueMessage clears the claim and error markers so the message becomes
// eligible again immediately. Operator action, exposed through the ops API.
func (s *Store) RequeueMessage(ctx context.Context, id string) error {
	query := `
		UPDATE inbound_messages
		SET started_responding_at = NULL, error_commit_hash = NULL, error_message = NULL
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeueing message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListErroredMessages returns messages currently held back by an error
// annotation, oldest first.
func (s *Store) ListErroredMessages(ctx context.Context) ([]*InboundMessage, error) {
	query := `SELECT ` + inboundColumns + `
		FROM inbound_messages
		WHERE error_commit_hash IS NOT NULL
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing errored messages: %w", err)
	}
	defer rows.Close()

	var msgs []*InboundMessage
	for rows.Next() {
		msg, err := scanInboundRows(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// GetInboundMessage returns a single message by id.
func (s *Store) GetInboundMessage(ctx context.Context, id string) (*InboundMessage, error) {
	query := `SELECT ` + inboundColumns + ` FROM inbound_messages WHERE id = ?`
	msg, err := scanInbound(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// InsertOutboundMessage records a successful gateway send.
func (s *Store) InsertOutboundMessage(ctx context.Context, whatsappID, respondingToID, body string) (*OutboundMessage, error) {
	now := time.Now()
	msg := &OutboundMessage{
		ID:             uuid.New().String(),
		WhatsAppID:     whatsappID,
		RespondingToID: respondingToID,
		Body:           body,
		ReadStatus:     "sent",
		CreatedAt:      now,
	}

	query := `
		INSERT INTO outbound_messages (id, whatsapp_id, responding_to_id, body, read_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.WhatsAppID, msg.RespondingToID, msg.Body, msg.ReadStatus, formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("inserting outbound message: %w", err)
	}
	return msg, nil
}

// UpdateReadStatus records a delivery/read receipt for a sent message,
// keyed by the gateway-assigned id.
func (s *Store) UpdateReadStatus(ctx context.Context, whatsappID, status string) error {
	query := `UPDATE outbound_messages SET read_status = ? WHERE whatsapp_id = ?`
	res, err := s.db.ExecContext(ctx, query, status, whatsappID)
	if err != nil {
		return fmt.Errorf("updating read status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOutboundFor returns the outbound messages recorded against an inbound
// message, oldest first.
func (s *Store) ListOutboundFor(ctx context.Context, inboundID string) ([]*OutboundMessage, error) {
	query := `
		SELECT id, whatsapp_id, responding_to_id, body, read_status, created_at
		FROM outbound_messages
		WHERE responding_to_id = ?
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, inboundID)
	if err != nil {
		return nil, fmt.Errorf("listing outbound messages: %w", err)
	}
	defer rows.Close()

	var msgs []*OutboundMessage
	for rows.Next() {
		var m OutboundMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.WhatsAppID, &m.RespondingToID, &m.Body, &m.ReadStatus, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning outbound message: %w", err)
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInbound(row *sql.Row) (*InboundMessage, error) {
	msg, err := scanInboundFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func scanInboundRows(rows *sql.Rows) (*InboundMessage, error) {
	return scanInboundFrom(rows)
}

func scanInboundFrom(row rowScanner) (*InboundMessage, error) {
	var m InboundMessage
	var mediaID, errorHash, errorMsg, startedAt sql.NullString
	var createdAt string

	err := row.Scan(&m.ID, &m.ChatbotName, &m.SentByPhoneNumber, &m.ReceivedByPhoneNumber,
		&m.WhatsAppID, &m.Body, &m.HasMedia, &mediaID, &startedAt,
		&errorHash, &errorMsg, &createdAt)
	if err != nil {
		return nil, err
	}

	m.MediaID = nullableString(mediaID)
	m.ErrorCommitHash = nullableString(errorHash)
	m.ErrorMessage = nullableString(errorMsg)

	if m.StartedRespondingAt, err = scanTime(startedAt); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &m, nil
}
