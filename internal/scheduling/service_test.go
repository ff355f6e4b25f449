// ABOUTME: Tests for the availability search and the offer lifecycle
// ABOUTME: Uses the static calendar and a temporary store

package scheduling

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipatala/chat-engine/internal/config"
	"github.com/chipatala/chat-engine/internal/store"
)

func testConfig() config.SchedulingConfig {
	return config.SchedulingConfig{
		GeneralCalendarID: "general",
		HorizonStart:      2 * time.Hour,
		HorizonEnd:        7 * 24 * time.Hour,
	}
}

func newTestService(t *testing.T) (*Service, *StaticCalendar) {
	t.Helper()
	cal := NewStaticCalendar()
	svc := New(cal, testConfig(), nil)
	// Pin the clock so slot arithmetic is deterministic.
	base := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	return svc, cal
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testProvider() *store.Provider {
	return &store.Provider{ID: "p1", FullName: "Dr T. Ncube", Role: store.RoleDoctor, CalendarID: "cal-ncube"}
}

func TestNextAvailableTime_EarliestGridSlot(t *testing.T) {
	svc, _ := newTestService(t)

	got, err := svc.NextAvailableTime(context.Background(), testProvider(), nil)
	require.NoError(t, err)

	// now 08:00 + 2h horizon start = 10:00, already grid-aligned.
	assert.Equal(t, time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC), got)
}

func TestNextAvailableTime_SkipsProviderBusy(t *testing.T) {
	svc, cal := newTestService(t)
	cal.MarkBusy("cal-ncube", Interval{
		Start: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC),
	})

	got, err := svc.NextAvailableTime(context.Background(), testProvider(), nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC), got)
}

func TestNextAvailableTime_SkipsGeneralBusy(t *testing.T) {
	svc, cal := newTestService(t)
	cal.MarkBusy("general", Interval{
		Start: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC),
	})

	got, err := svc.NextAvailableTime(context.Background(), testProvider(), nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC), got)
}

func TestNextAvailableTime_PartialOverlapBlocksSlot(t *testing.T) {
	svc, cal := newTestService(t)
	// Straddles the 10:00 and 10:30 slots without containing either start.
	cal.MarkBusy("cal-ncube", Interval{
		Start: time.Date(2026, 9, 1, 10, 15, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 1, 10, 45, 0, 0, time.UTC),
	})

	got, err := svc.NextAvailableTime(context.Background(), testProvider(), nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC), got)
}

func TestNextAvailableTime_SkipsDeclined(t *testing.T) {
	svc, _ := newTestService(t)
	declined := []time.Time{time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}

	got, err := svc.NextAvailableTime(context.Background(), testProvider(), declined)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC), got)
}

func TestNextAvailableTime_NoAvailability(t *testing.T) {
	svc, cal := newTestService(t)
	// Block the whole horizon.
	cal.MarkBusy("general", Interval{
		Start: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC),
	})

	_, err := svc.NextAvailableTime(context.Background(), testProvider(), nil)
	assert.ErrorIs(t, err, ErrNoAvailability)
}

func TestAvailableSlots_PaginatesAfterCursor(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.AvailableSlots(context.Background(), testProvider(), nil, time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	next, err := svc.AvailableSlots(context.Background(), testProvider(), nil, first[2], 3)
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.True(t, next[0].After(first[2]))
}

func TestConfirm_BooksAndResolvesRequest(t *testing.T) {
	svc, cal := newTestService(t)
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertProvider(ctx, &store.Provider{
		ID: "p1", FullName: "Dr T. Ncube", Role: store.RoleDoctor,
		PhoneNumber: "+263772222222", CalendarID: "cal-ncube",
	}))

	var user *store.ConversationUser
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		user, err = tx.GetOrCreateUser(ctx, "clinic", "+263771234567")
		return err
	}))

	slot := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)
	var appt *store.Appointment
	var reqID string
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		req, err := tx.CreateSchedulingRequest(ctx, user.ID, "p1", "checkup")
		if err != nil {
			return err
		}
		reqID = req.ID
		if _, err := svc.Offer(ctx, tx, req.ID, slot); err != nil {
			return err
		}
		appt, err = svc.Confirm(ctx, tx, req, slot)
		return err
	}))

	assert.Equal(t, slot, appt.StartsAt)
	assert.NotEmpty(t, appt.CalendarEventID)

	// The request is gone.
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.GetSchedulingRequest(ctx, reqID)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The provider's calendar is now busy at the slot.
	busy, err := cal.FreeBusy(ctx, "cal-ncube", slot, slot.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, busy, 1)
}

func TestDeclinedTimes(t *testing.T) {
	slot := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)
	offers := []*store.OfferedTime{
		{StartsAt: slot, Declined: true},
		{StartsAt: slot.Add(time.Hour), Declined: false},
	}
	declined := DeclinedTimes(offers)
	require.Len(t, declined, 1)
	assert.Equal(t, slot, declined[0])
}
