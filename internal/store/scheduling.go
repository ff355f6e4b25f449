// ABOUTME: Scheduling persistence: providers, requests, offered times, appointments
// ABOUTME: Enforces the clinical-role rule at the write boundary

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetProvider returns a provider by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*Provider, error) {
	return getProvider(ctx, s.db, id)
}

// GetProvider returns a provider by id within the transaction.
func (t *Tx) GetProvider(ctx context.Context, id string) (*Provider, error) {
	return getProvider(ctx, t.tx, id)
}

func getProvider(ctx context.Context, q querier, id string) (*Provider, error) {
	query := `SELECT id, full_name, role, phone_number, calendar_id FROM providers WHERE id = ?`
	var p Provider
	err := q.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.FullName, &p.Role, &p.PhoneNumber, &p.CalendarID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning provider: %w", err)
	}
	return &p, nil
}

// ListClinicalProviders returns providers that patients can book, ordered by name.
func (s *Store) ListClinicalProviders(ctx context.Context) ([]*Provider, error) {
	return listClinicalProviders(ctx, s.db)
}

// ListClinicalProviders returns bookable providers within the transaction.
func (t *Tx) ListClinicalProviders(ctx context.Context) ([]*Provider, error) {
	return listClinicalProviders(ctx, t.tx)
}

func listClinicalProviders(ctx context.Context, q querier) ([]*Provider, error) {
	query := `
		SELECT id, full_name, role, phone_number, calendar_id
		FROM providers
		WHERE role IN (?, ?)
		ORDER BY full_name
	`
	rows, err := q.QueryContext(ctx, query, RoleDoctor, RoleNurse)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.FullName, &p.Role, &p.PhoneNumber, &p.CalendarID); err != nil {
			return nil, fmt.Errorf("scanning provider: %w", err)
		}
		providers = append(providers, &p)
	}
	return providers, rows.Err()
}

// InsertProvider adds a staff member. Used by seeding and tests.
func (s *Store) InsertProvider(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	query := `INSERT INTO providers (id, full_name, role, phone_number, calendar_id) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.FullName, p.Role, p.PhoneNumber, p.CalendarID); err != nil {
		return fmt.Errorf("inserting provider: %w", err)
	}
	return nil
}

// CreateSchedulingRequest opens an appointment request for a user.
func (t *Tx) CreateSchedulingRequest(ctx context.Context, userID, providerID, reason string) (*SchedulingRequest, error) {
	now := time.Now()
	req := &SchedulingRequest{
		ID:         uuid.New().String(),
		UserID:     userID,
		ProviderID: providerID,
		Reason:     reason,
		CreatedAt:  now,
	}
	query := `
		INSERT INTO scheduling_requests (id, user_id, provider_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := t.tx.ExecContext(ctx, query, req.ID, req.UserID, req.ProviderID, req.Reason, formatTime(now)); err != nil {
		return nil, fmt.Errorf("inserting scheduling request: %w", err)
	}
	return req, nil
}

// GetSchedulingRequest returns a request by id within the transaction.
func (t *Tx) GetSchedulingRequest(ctx context.Context, id string) (*SchedulingRequest, error) {
	return getSchedulingRequest(ctx, t.tx, id)
}

// GetSchedulingRequest returns a request by id.
func (s *Store) GetSchedulingRequest(ctx context.Context, id string) (*SchedulingRequest, error) {
	return getSchedulingRequest(ctx, s.db, id)
}

func getSchedulingRequest(ctx context.Context, q querier, id string) (*SchedulingRequest, error) {
	query := `SELECT id, user_id, provider_id, reason, created_at FROM scheduling_requests WHERE id = ?`
	var r SchedulingRequest
	var createdAt string
	err := q.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.UserID, &r.ProviderID, &r.Reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning scheduling request: %w", err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &r, nil
}

// UpdateSchedulingRequestReason fills in the visit reason collected after the
// request was opened.
func (t *Tx) UpdateSchedulingRequestReason(ctx context.Context, id, reason string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE scheduling_requests SET reason = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("updating request reason: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddOfferedTime proposes a slot for a request. The request's provider must
// hold a clinical role; offering a time with an administrator is rejected
// here rather than in the conversation flow, so no caller can slip past the
// rule.
func (t *Tx) AddOfferedTime(ctx context.Context, requestID string, startsAt time.Time) (*OfferedTime, error) {
	req, err := getSchedulingRequest(ctx, t.tx, requestID)
	if err != nil {
		return nil, err
	}
	provider, err := getProvider(ctx, t.tx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if provider.Role != RoleDoctor && provider.Role != RoleNurse {
		return nil, fmt.Errorf("offering time with %s (%s): %w", provider.FullName, provider.Role, ErrNonClinicalProvider)
	}

	now := time.Now()
	offer := &OfferedTime{
		ID:        uuid.New().String(),
		RequestID: requestID,
		StartsAt:  startsAt.UTC(),
		CreatedAt: now,
	}
	query := `
		INSERT INTO offered_times (id, request_id, starts_at, declined, created_at)
		VALUES (?, ?, ?, 0, ?)
	`
	if _, err := t.tx.ExecContext(ctx, query, offer.ID, offer.RequestID, formatTime(offer.StartsAt), formatTime(now)); err != nil {
		return nil, fmt.Errorf("inserting offered time: %w", err)
	}
	return offer, nil
}

// DeclineOfferedTime marks an offer declined so availability searches skip it.
func (t *Tx) DeclineOfferedTime(ctx context.Context, id string) error {
	query := `UPDATE offered_times SET declined = 1 WHERE id = ?`
	res, err := t.tx.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("declining offered time: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOfferedTime returns an offer by id within the transaction.
func (t *Tx) GetOfferedTime(ctx context.Context, id string) (*OfferedTime, error) {
	query := `SELECT id, request_id, starts_at, declined, created_at FROM offered_times WHERE id = ?`
	return scanOfferedTime(t.tx.QueryRowContext(ctx, query, id))
}

// ListOfferedTimes returns all offers for a request, oldest first.
func (t *Tx) ListOfferedTimes(ctx context.Context, requestID string) ([]*OfferedTime, error) {
	query := `
		SELECT id, request_id, starts_at, declined, created_at
		FROM offered_times
		WHERE request_id = ?
		ORDER BY created_at, id
	`
	rows, err := t.tx.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing offered times: %w", err)
	}
	defer rows.Close()

	var offers []*OfferedTime
	for rows.Next() {
		var o OfferedTime
		var startsAt, createdAt string
		if err := rows.Scan(&o.ID, &o.RequestID, &startsAt, &o.Declined, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning offered time: %w", err)
		}
		if o.StartsAt, err = time.Parse(time.RFC3339, startsAt); err != nil {
			return nil, fmt.Errorf("parsing starts_at: %w", err)
		}
		if o.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		offers = append(offers, &o)
	}
	return offers, rows.Err()
}

// DeleteSchedulingRequest removes a resolved request; the offered_times
// foreign key cascades so sibling offers disappear with it.
func (t *Tx) DeleteSchedulingRequest(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM scheduling_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting scheduling request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertAppointment records a confirmed booking.
func (t *Tx) InsertAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now()
	a.CreatedAt = now

	query := `
		INSERT INTO appointments (id, user_id, provider_id, reason, starts_at, calendar_event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := t.tx.ExecContext(ctx, query,
		a.ID, a.UserID, a.ProviderID, a.Reason, formatTime(a.StartsAt), a.CalendarEventID, formatTime(now),
	); err != nil {
		return fmt.Errorf("inserting appointment: %w", err)
	}
	return nil
}

// ListAppointments returns a user's appointments, soonest first.
func (s *Store) ListAppointments(ctx context.Context, userID string) ([]*Appointment, error) {
	query := `
		SELECT id, user_id, provider_id, reason, starts_at, calendar_event_id, created_at
		FROM appointments
		WHERE user_id = ?
		ORDER BY starts_at
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing appointments: %w", err)
	}
	defer rows.Close()

	var appts []*Appointment
	for rows.Next() {
		var a Appointment
		var startsAt, createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.ProviderID, &a.Reason, &startsAt, &a.CalendarEventID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning appointment: %w", err)
		}
		if a.StartsAt, err = time.Parse(time.RFC3339, startsAt); err != nil {
			return nil, fmt.Errorf("parsing starts_at: %w", err)
		}
		if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		appts = append(appts, &a)
	}
	return appts, rows.Err()
}

func scanOfferedTime(row *sql.Row) (*OfferedTime, error) {
	var o OfferedTime
	var startsAt, createdAt string
	err := row.Scan(&o.ID, &o.RequestID, &startsAt, &o.Declined, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning offered time: %w", err)
	}
	if o.StartsAt, err = time.Parse(time.RFC3339, startsAt); err != nil {
		return nil, fmt.Errorf("parsing starts_at: %w", err)
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &o, nil
}
