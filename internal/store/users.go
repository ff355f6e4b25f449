// ABOUTME: Conversation user persistence: identity, dialogue state, demographics
// ABOUTME: State mutations happen only inside the dispatcher's claim transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const userColumns = `id, chatbot_name, phone_number, conversation_state, entity_id,
	full_name, gender, date_of_birth, created_at, updated_at`

// GetOrCreateUser looks up the user for (chatbotName, phone), creating one in
// state not_onboarded:welcome on first contact.
func (t *Tx) GetOrCreateUser(ctx context.Context, chatbotName, phone string) (*ConversationUser, error) {
	user, err := getUser(ctx, t.tx, chatbotName, phone)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	user = &ConversationUser{
		ID:                uuid.New().String(),
		ChatbotName:       chatbotName,
		PhoneNumber:       phone,
		ConversationState: StateWelcome,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	query := `
		INSERT INTO conversation_users (id, chatbot_name, phone_number, conversation_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := t.tx.ExecContext(ctx, query,
		user.ID, user.ChatbotName, user.PhoneNumber, user.ConversationState,
		formatTime(now), formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("inserting conversation user: %w", err)
	}

	return user, nil
}

// GetUser returns the user for (chatbotName, phone) or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, chatbotName, phone string) (*ConversationUser, error) {
	return getUser(ctx, s.db, chatbotName, phone)
}

// GetUserByID returns a user by primary key within the transaction. Event
// listeners resolve the subject of an event payload this way.
func (t *Tx) GetUserByID(ctx context.Context, id string) (*ConversationUser, error) {
	query := `SELECT ` + userColumns + ` FROM conversation_users WHERE id = ?`
	return scanUser(t.tx.QueryRowContext(ctx, query, id))
}

func getUser(ctx context.Context, q querier, chatbotName, phone string) (*ConversationUser, error) {
	query := `SELECT ` + userColumns + ` FROM conversation_users WHERE chatbot_name = ? AND phone_number = ?`
	return scanUser(q.QueryRowContext(ctx, query, chatbotName, phone))
}

// UpdateUserState persists the next conversation state and the optional
// linked entity id. It must run in the same transaction as the side-effect
// writes of the state handler that produced the transition.
func (t *Tx) UpdateUserState(ctx context.Context, userID, state string, entityID *string) error {
	query := `
		UPDATE conversation_users
		SET conversation_state = ?, entity_id = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := t.tx.ExecContext(ctx, query, state, entityID, formatTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("updating conversation state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveFullName records the user's name collected during onboarding.
func (t *Tx) SaveFullName(ctx context.Context, userID, fullName string) error {
	return t.updateUserField(ctx, userID, "full_name", fullName)
}

// SaveGender records the user's gender collected during onboarding.
func (t *Tx) SaveGender(ctx context.Context, userID, gender string) error {
	return t.updateUserField(ctx, userID, "gender", gender)
}

// SaveDateOfBirth records the user's date of birth collected during onboarding.
func (t *Tx) SaveDateOfBirth(ctx context.Context, userID, dob string) error {
	return t.updateUserField(ctx, userID, "date_of_birth", dob)
}

func (t *Tx) updateUserField(ctx context.Context, userID, column, value string) error {
	query := `UPDATE conversation_users SET ` + column + ` = ?, updated_at = ? WHERE id = ?`
	res, err := t.tx.ExecContext(ctx, query, value, formatTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*ConversationUser, error) {
	var u ConversationUser
	var entityID, fullName, gender, dob sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&u.ID, &u.ChatbotName, &u.PhoneNumber, &u.ConversationState,
		&entityID, &fullName, &gender, &dob, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation user: %w", err)
	}

	u.EntityID = nullableString(entityID)
	u.FullName = nullableString(fullName)
	u.Gender = nullableString(gender)
	u.DateOfBirth = nullableString(dob)

	if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &u, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
