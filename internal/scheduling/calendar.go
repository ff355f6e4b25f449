// ABOUTME: Calendar capability consumed by the availability search
// ABOUTME: Injected interface plus a static implementation for deployments without one

package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Interval is a half-open busy window [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// CalendarEvent is the provider-side booking created on confirmation.
type CalendarEvent struct {
	Summary string
	Start   time.Time
	End     time.Time
}

// Calendar is the injected free/busy capability. The engine never talks to a
// calendar provider directly; a deployment wires whatever implementation it
// has.
type Calendar interface {
	FreeBusy(ctx context.Context, calendarID string, from, to time.Time) ([]Interval, error)
	CreateEvent(ctx context.Context, calendarID string, ev CalendarEvent) (string, error)
}

// StaticCalendar is an in-memory Calendar. It backs deployments that have no
// provider integration yet, and every test.
type StaticCalendar struct {
	mu   sync.Mutex
	busy map[string][]Interval
}

// NewStaticCalendar creates an empty static calendar.
func NewStaticCalendar() *StaticCalendar {
	return &StaticCalendar{busy: make(map[string][]Interval)}
}

// MarkBusy records a busy window on a calendar.
func (c *StaticCalendar) MarkBusy(calendarID string, iv Interval) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy[calendarID] = append(c.busy[calendarID], iv)
}

// FreeBusy returns the busy windows overlapping [from, to).
func (c *StaticCalendar) FreeBusy(_ context.Context, calendarID string, from, to time.Time) ([]Interval, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Interval
	for _, iv := range c.busy[calendarID] {
		if iv.End.After(from) && iv.Start.Before(to) {
			out = append(out, iv)
		}
	}
	return out, nil
}

// CreateEvent books the interval and returns a generated event id.
func (c *StaticCalendar) CreateEvent(_ context.Context, calendarID string, ev CalendarEvent) (string, error) {
	c.MarkBusy(calendarID, Interval{Start: ev.Start, End: ev.End})
	return uuid.New().String(), nil
}

var _ Calendar = (*StaticCalendar)(nil)
