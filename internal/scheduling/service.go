// ABOUTME: Appointment availability search and offer/decline/confirm operations
// ABOUTME: Searches a bounded horizon against provider and general calendars

package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chipatala/chat-engine/internal/config"
	"github.com/chipatala/chat-engine/internal/store"
)

// ErrNoAvailability is returned when no free slot exists inside the horizon.
var ErrNoAvailability = errors.New("no availability within horizon")

// slotLength is the appointment grid: slots start on the half hour.
const slotLength = 30 * time.Minute

// Service runs the availability search and the offer lifecycle.
type Service struct {
	calendar Calendar
	cfg      config.SchedulingConfig
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a scheduling service over the injected calendar capability.
func New(calendar Calendar, cfg config.SchedulingConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		calendar: calendar,
		cfg:      cfg,
		logger:   logger.With("component", "scheduling"),
		now:      time.Now,
	}
}

// NextAvailableTime returns the earliest slot in the horizon that is not busy
// in the provider's calendar, not busy in the general-availability calendar,
// and not already declined by the patient.
func (s *Service) NextAvailableTime(ctx context.Context, provider *store.Provider, declined []time.Time) (time.Time, error) {
	slots, err := s.AvailableSlots(ctx, provider, declined, time.Time{}, 1)
	if err != nil {
		return time.Time{}, err
	}
	if len(slots) == 0 {
		return time.Time{}, ErrNoAvailability
	}
	return slots[0], nil
}

// AvailableSlots returns up to limit free slots, earliest first. A non-zero
// after narrows the search to slots strictly later than it, which is how the
// browse state paginates without server-side cursors.
func (s *Service) AvailableSlots(ctx context.Context, provider *store.Provider, declined []time.Time, after time.Time, limit int) ([]time.Time, error) {
	now := s.now()
	from := now.Add(s.cfg.HorizonStart)
	to := now.Add(s.cfg.HorizonEnd)

	providerBusy, err := s.calendar.FreeBusy(ctx, provider.CalendarID, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying provider calendar: %w", err)
	}

	var generalBusy []Interval
	if s.cfg.GeneralCalendarID != "" {
		generalBusy, err = s.calendar.FreeBusy(ctx, s.cfg.GeneralCalendarID, from, to)
		if err != nil {
			return nil, fmt.Errorf("querying general calendar: %w", err)
		}
	}

	declinedSet := make(map[time.Time]bool, len(declined))
	for _, d := range declined {
		declinedSet[d.UTC().Truncate(time.Minute)] = true
	}

	var slots []time.Time
	for slot := gridAlign(from); slot.Before(to) && len(slots) < limit; slot = slot.Add(slotLength) {
		if !after.IsZero() && !slot.After(after) {
			continue
		}
		if declinedSet[slot.UTC().Truncate(time.Minute)] {
			continue
		}
		if busyAt(providerBusy, slot) || busyAt(generalBusy, slot) {
			continue
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// Offer persists an offered time inside the caller's transaction. The store
// rejects offers against non-clinical providers.
func (s *Service) Offer(ctx context.Context, tx *store.Tx, requestID string, t time.Time) (*store.OfferedTime, error) {
	return tx.AddOfferedTime(ctx, requestID, t)
}

// Decline marks an offer declined; the next search skips its slot.
func (s *Service) Decline(ctx context.Context, tx *store.Tx, offerID string) error {
	return tx.DeclineOfferedTime(ctx, offerID)
}

// Confirm books a slot: a provider-side calendar event is created, the
// appointment is persisted, and the now-resolved scheduling request is
// deleted together with its remaining offers.
//
// The calendar call happens inside the claim transaction; if the subsequent
// writes fail the transaction rolls back and the stray calendar event is the
// operator's to clean up, which the original flow accepted as the lesser
// failure mode.
func (s *Service) Confirm(ctx context.Context, tx *store.Tx, req *store.SchedulingRequest, startsAt time.Time) (*store.Appointment, error) {
	provider, err := tx.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}

	eventID, err := s.calendar.CreateEvent(ctx, provider.CalendarID, CalendarEvent{
		Summary: fmt.Sprintf("Appointment: %s", req.Reason),
		Start:   startsAt,
		End:     startsAt.Add(slotLength),
	})
	if err != nil {
		return nil, fmt.Errorf("creating calendar event: %w", err)
	}

	appt := &store.Appointment{
		UserID:          req.UserID,
		ProviderID:      req.ProviderID,
		Reason:          req.Reason,
		StartsAt:        startsAt.UTC(),
		CalendarEventID: eventID,
	}
	if err := tx.InsertAppointment(ctx, appt); err != nil {
		return nil, err
	}

	if err := tx.DeleteSchedulingRequest(ctx, req.ID); err != nil {
		return nil, err
	}

	s.logger.Info("appointment confirmed",
		"user_id", req.UserID,
		"provider_id", req.ProviderID,
		"starts_at", appt.StartsAt)

	return appt, nil
}

// DeclinedTimes extracts the slots the patient has already turned down.
func DeclinedTimes(offers []*store.OfferedTime) []time.Time {
	var declined []time.Time
	for _, o := range offers {
		if o.Declined {
			declined = append(declined, o.StartsAt)
		}
	}
	return declined
}

// gridAlign rounds t up to the next slot boundary.
func gridAlign(t time.Time) time.Time {
	aligned := t.Truncate(slotLength)
	if aligned.Before(t) {
		aligned = aligned.Add(slotLength)
	}
	return aligned
}

func busyAt(busy []Interval, slot time.Time) bool {
	for _, iv := range busy {
		if slot.Before(iv.End) && slot.Add(slotLength).After(iv.Start) {
			return true
		}
	}
	return false
}
