// ABOUTME: Timer-driven polling loop owned by an explicit scheduler object
// ABOUTME: Start runs cycles on an interval; Stop cancels pending timers only

// Package poll provides the shared ticker loop behind the message
// dispatcher and the event processor. Stop prevents further cycles; a
// cycle already in flight is allowed to finish.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Poller repeatedly invokes a work function on a fixed interval.
type Poller struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a poller. fn must be safe to call repeatedly and should honor
// the context it is given.
func New(name string, interval time.Duration, logger *slog.Logger, fn func(context.Context)) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.With("component", "poller", "poller", name),
	}
}

// Start launches the loop. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.logger.Info("poller started", "interval", p.interval)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Cancellation only stops the schedule; a cycle in
				// flight keeps a live context until it returns.
				p.fn(context.WithoutCancel(ctx))
			}
		}
	}()
}

// Stop cancels the timer and waits for any in-flight cycle to return. It
// does not abort work already handed to the database or gateway.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("poller stopped")
}
