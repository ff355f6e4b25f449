// ABOUTME: Tests for the event processor's expansion and retry semantics
// ABOUTME: Covers idempotent fan-out, backoff schedule, ceiling, and unblock

package events

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipatala/chat-engine/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertEvent(t *testing.T, s *store.Store, eventType string, data any) *store.Event {
	t.Helper()
	var ev *store.Event
	require.NoError(t, s.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		ev, err = tx.InsertEvent(context.Background(), eventType, data)
		return err
	}))
	return ev
}

func TestRegistryValidate(t *testing.T) {
	ok := NewRegistry([]string{"a"}, []Registration{
		{EventType: "a", ListenerName: "x", Handler: func(context.Context, *store.Tx, Payload) error { return nil }},
	})
	require.NoError(t, ok.Validate())

	dup := NewRegistry([]string{"a"}, []Registration{
		{EventType: "a", ListenerName: "x", Handler: func(context.Context, *store.Tx, Payload) error { return nil }},
		{EventType: "a", ListenerName: "x", Handler: func(context.Context, *store.Tx, Payload) error { return nil }},
	})
	assert.Error(t, dup.Validate())

	undeclared := NewRegistry(nil, []Registration{
		{EventType: "a", ListenerName: "x", Handler: func(context.Context, *store.Tx, Payload) error { return nil }},
	})
	assert.Error(t, undeclared.Validate())

	nilHandler := NewRegistry([]string{"a"}, []Registration{
		{EventType: "a", ListenerName: "x"},
	})
	assert.Error(t, nilHandler.Validate())
}

func TestAddListenersExpandsOncePerListener(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	noop := func(context.Context, *store.Tx, Payload) error { return nil }
	reg := NewRegistry([]string{"thing_happened"}, []Registration{
		{EventType: "thing_happened", ListenerName: "first", Handler: noop},
		{EventType: "thing_happened", ListenerName: "second", Handler: noop},
	})
	p := NewProcessor(s, reg, nil)
	ev := insertEvent(t, s, "thing_happened", map[string]string{"k": "v"})

	require.NoError(t, p.AddListeners(ctx))
	listeners, err := s.ListEventListeners(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, listeners, 2)

	// Expansion is idempotent.
	require.NoError(t, p.AddListeners(ctx))
	listeners, err = s.ListEventListeners(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, listeners, 2)
}

func TestAddListenersParksUnknownType(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := NewProcessor(s, NewRegistry([]string{"known"}, nil), nil)
	ev := insertEvent(t, s, "mystery", nil)

	require.NoError(t, p.AddListeners(ctx))

	stored, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ListenersInsertedAt)
	require.NotNil(t, stored.NoRetryError)
	assert.Contains(t, *stored.NoRetryError, "mystery")

	// Parked events do not come back.
	unexpanded, err := s.ListUnexpandedEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, unexpanded)
}

func TestDeclaredEmptyTypeExpandsToNothing(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := NewProcessor(s, NewRegistry([]string{"quiet_event"}, nil), nil)
	ev := insertEvent(t, s, "quiet_event", nil)

	require.NoError(t, p.AddListeners(ctx))

	stored, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ListenersInsertedAt)
	assert.Nil(t, stored.NoRetryError)
	listeners, err := s.ListEventListeners(ctx, ev.ID)
	require.NoError(t, err)
	assert.Empty(t, listeners)
}

func TestProcessListenersSuccess(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	var got atomic.Int64
	reg := NewRegistry([]string{"thing_happened"}, []Registration{
		{EventType: "thing_happened", ListenerName: "count", Handler: func(_ context.Context, _ *store.Tx, ev Payload) error {
			assert.Equal(t, "thing_happened", ev.Type)
			assert.JSONEq(t, `{"k":"v"}`, string(ev.Data))
			got.Add(1)
			return nil
		}},
	})
	p := NewProcessor(s, reg, nil)
	ev := insertEvent(t, s, "thing_happened", map[string]string{"k": "v"})

	p.Run(ctx)
	assert.Equal(t, int64(1), got.Load())

	listeners, err := s.ListEventListeners(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, listeners, 1)
	assert.NotNil(t, listeners[0].ProcessedAt)
	assert.Nil(t, listeners[0].ErrorMessage)
	assert.Zero(t, listeners[0].ErrorCount)

	// Processed listeners never run again.
	p.Run(ctx)
	assert.Equal(t, int64(1), got.Load())
}

func TestRetryCeilingParksListener(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	var attempts atomic.Int64
	reg := NewRegistry([]string{"doomed"}, []Registration{
		{EventType: "doomed", ListenerName: "always_fails", Handler: func(context.Context, *store.Tx, Payload) error {
			attempts.Add(1)
			return errors.New("simulated failure")
		}},
	})
	p := NewProcessor(s, reg, nil)
	clock := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }
	ev := insertEvent(t, s, "doomed", nil)

	require.NoError(t, p.AddListeners(ctx))

	// Attempt 1: backoff one minute out.
	require.NoError(t, p.ProcessListeners(ctx))
	listeners, err := s.ListEventListeners(ctx, ev.ID)
	require.NoError(t, err)
	l := listeners[0]
	assert.Equal(t, 1, l.ErrorCount)
	require.NotNil(t, l.BackoffUntil)
	assert.Equal(t, clock.Add(time.Minute), l.BackoffUntil.UTC())

	// Not due before the backoff elapses.
	require.NoError(t, p.ProcessListeners(ctx))
	assert.Equal(t, int64(1), attempts.Load())

	// Attempt 2: four minutes.
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, p.ProcessListeners(ctx))
	listeners, err = s.ListEventListeners(ctx, ev.ID)
	require.NoError(t, err)
	l = listeners[0]
	assert.Equal(t, 2, l.ErrorCount)
	require.NotNil(t, l.BackoffUntil)
	assert.Equal(t, clock.Add(4*time.Minute), l.BackoffUntil.UTC())

	// Attempt 3: the ceiling. Backoff cleared, listener parked.
	clock = clock.Add(5 * time.Minute)
	require.NoError(t, p.ProcessListeners(ctx))
	listeners, err = s.ListEventListeners(ctx, ev.ID)
	require.NoError(t, err)
	l = listeners[0]
	assert.Equal(t, 3, l.ErrorCount)
	assert.Nil(t, l.BackoffUntil)
	assert.Equal(t, int64(3), attempts.Load())

	// Parked means no further automatic attempts, ever.
	clock = clock.Add(365 * 24 * time.Hour)
	require.NoError(t, p.ProcessListeners(ctx))
	assert.Equal(t, int64(3), attempts.Load())

	// A manual unblock retries once more; the count stays pinned at the
	// ceiling even when that attempt fails too.
	require.NoError(t, s.UnblockListener(ctx, l.ID))
	require.NoError(t, p.ProcessListeners(ctx))
	assert.Equal(t, int64(4), attempts.Load())
	listeners, err = s.ListEventListeners(ctx, ev.ID)
	require.NoError(t, err)
	l = listeners[0]
	assert.Equal(t, 3, l.ErrorCount)
	assert.Nil(t, l.BackoffUntil)
}

func TestListenerFailureIsIsolated(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	reg := NewRegistry([]string{"mixed"}, []Registration{
		{EventType: "mixed", ListenerName: "bad", Handler: func(context.Context, *store.Tx, Payload) error {
			return errors.New("nope")
		}},
		{EventType: "mixed", ListenerName: "good", Handler: func(context.Context, *store.Tx, Payload) error {
			return nil
		}},
	})
	p := NewProcessor(s, reg, nil)
	ev := insertEvent(t, s, "mixed", nil)

	p.Run(ctx)

	listeners, err := s.ListEventListeners(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, listeners, 2)
	byName := map[string]*store.EventListener{}
	for _, l := range listeners {
		byName[l.ListenerName] = l
	}
	assert.NotNil(t, byName["good"].ProcessedAt)
	assert.Nil(t, byName["bad"].ProcessedAt)
	assert.Equal(t, 1, byName["bad"].ErrorCount)

	failed, err := s.ListFailedListeners(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].ListenerName)
}

func TestHandlerErrorRollsBackItsWrites(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	reg := NewRegistry([]string{"writes_then_fails"}, []Registration{
		{EventType: "writes_then_fails", ListenerName: "w", Handler: func(ctx context.Context, tx *store.Tx, _ Payload) error {
			if _, err := tx.InsertEvent(ctx, "side_effect", nil); err != nil {
				return err
			}
			return errors.New("after writing")
		}},
	})
	p := NewProcessor(s, reg, nil)
	insertEvent(t, s, "writes_then_fails", nil)

	p.Run(ctx)

	// The side-effect event was rolled back with the failed delivery.
	unexpanded, err := s.ListUnexpandedEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, unexpanded)
}

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, time.Minute, backoffDuration(1))
	assert.Equal(t, 4*time.Minute, backoffDuration(2))
}
