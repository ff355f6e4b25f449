// ABOUTME: Two-phase event processor: expand events, run listeners with retry
// ABOUTME: Exponential backoff per listener up to a ceiling, then park for ops

package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chipatala/chat-engine/internal/store"
)

// retryCeiling is the number of automatic attempts before a listener is
// parked for manual intervention.
const retryCeiling = 3

// backoffDuration returns the wait after the nth failure: 1m, then 4m.
// The ceiling failure gets no backoff at all.
func backoffDuration(errCount int) time.Duration {
	d := time.Minute
	for i := 1; i < errCount; i++ {
		d *= 4
	}
	return d
}

// Processor drives the at-least-once event fan-out. AddListeners expands
// stored events into per-listener work items; ProcessListeners runs every
// due item in its own transaction so failures stay isolated.
type Processor struct {
	store    *store.Store
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor builds a processor over a validated registry.
func NewProcessor(s *store.Store, registry *Registry, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    s,
		registry: registry,
		logger:   logger.With("component", "events"),
		now:      time.Now,
	}
}

// Run executes one full poll cycle: expansion, then delivery.
func (p *Processor) Run(ctx context.Context) {
	if err := p.AddListeners(ctx); err != nil {
		p.logger.Error("expanding events", "error", err)
	}
	if err := p.ProcessListeners(ctx); err != nil {
		p.logger.Error("processing listeners", "error", err)
	}
}

// AddListeners inserts one listener row per registered name for every event
// not yet expanded. An event whose type has no registration is parked with a
// no-retry error; it was most likely emitted by a different code version.
func (p *Processor) AddListeners(ctx context.Context) error {
	evs, err := p.store.ListUnexpandedEvents(ctx)
	if err != nil {
		return fmt.Errorf("listing unexpanded events: %w", err)
	}
	for _, ev := range evs {
		names, declared := p.registry.ListenerNames(ev.Type)
		err := p.store.WithTx(ctx, func(tx *store.Tx) error {
			if !declared {
				return tx.MarkEventNoRetry(ctx, ev.ID, fmt.Sprintf("no listeners registered for event type %q", ev.Type))
			}
			return tx.InsertEventListeners(ctx, ev.ID, names)
		})
		if err != nil {
			return fmt.Errorf("expanding event %s: %w", ev.ID, err)
		}
		if !declared {
			eventsExpanded.WithLabelValues("unknown_type").Inc()
			p.logger.Warn("event type has no registration", "event_id", ev.ID, "type", ev.Type)
			continue
		}
		eventsExpanded.WithLabelValues("ok").Inc()
	}
	return nil
}

// ProcessListeners runs every due listener once. A listener failure is
// recorded on its own row and never interrupts the rest of the batch.
func (p *Processor) ProcessListeners(ctx context.Context) error {
	due, err := p.store.ListDueListeners(ctx, p.now())
	if err != nil {
		return fmt.Errorf("listing due listeners: %w", err)
	}
	for _, l := range due {
		p.processOne(ctx, l)
	}
	return nil
}

func (p *Processor) processOne(ctx context.Context, l *store.DueListener) {
	handler, ok := p.registry.HandlerFor(l.EventType, l.ListenerName)
	if !ok {
		p.fail(ctx, l, fmt.Errorf("no handler registered for listener %q on type %q", l.ListenerName, l.EventType))
		return
	}

	payload := Payload{ID: l.EventID, Type: l.EventType, Data: l.Data}
	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := handler(ctx, tx, payload); err != nil {
			return err
		}
		return tx.MarkListenerProcessed(ctx, l.ID)
	})
	if err != nil {
		p.fail(ctx, l, err)
		return
	}
	listenersProcessed.WithLabelValues("ok").Inc()
	p.logger.Debug("listener processed", "listener", l.ListenerName, "event_id", l.EventID)
}

// fail records a listener failure. Counts past the ceiling stay pinned there
// so manual retries after an unblock cannot inflate them.
func (p *Processor) fail(ctx context.Context, l *store.DueListener, cause error) {
	listenersProcessed.WithLabelValues("error").Inc()

	count := l.ErrorCount + 1
	if count > retryCeiling {
		count = retryCeiling
	}
	var backoff *time.Time
	if count < retryCeiling {
		t := p.now().Add(backoffDuration(count))
		backoff = &t
	}
	p.logger.Error("listener failed",
		"listener", l.ListenerName, "event_id", l.EventID,
		"error", cause, "error_count", count, "parked", backoff == nil)

	if err := p.store.MarkListenerFailed(ctx, l.ID, cause.Error(), count, backoff); err != nil {
		p.logger.Error("recording listener failure", "listener_id", l.ID, "error", err)
	}
}
