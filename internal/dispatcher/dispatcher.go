// ABOUTME: Conversation dispatcher claiming inbound messages and responding
// ABOUTME: One transaction per message; failures annotate with the commit hash

package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chipatala/chat-engine/internal/flow"
	"github.com/chipatala/chat-engine/internal/store"
	"github.com/chipatala/chat-engine/internal/whatsapp"
)

// fallbackMessage is the only error detail a patient ever sees.
const fallbackMessage = "An unknown error occurred. Please try again later."

// Dispatcher claims unhandled inbound messages and drives the state machine
// for each. Messages for different users are processed concurrently; the
// atomic claim is the only cross-instance coordination.
type Dispatcher struct {
	store      *store.Store
	registry   *flow.Registry
	sender     whatsapp.Sender
	commitHash string
	workers    int
	logger     *slog.Logger
}

// New builds a dispatcher. commitHash identifies the running deploy and is
// written onto failed messages so they are not retried under unchanged code.
func New(s *store.Store, registry *flow.Registry, sender whatsapp.Sender, commitHash string, workers int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		store:      s,
		registry:   registry,
		sender:     sender,
		commitHash: commitHash,
		workers:    workers,
		logger:     logger.With("component", "dispatcher"),
	}
}

// Respond claims every currently eligible inbound message and processes each
// exactly once. Claims continue until the store reports no eligible rows;
// work items run with bounded parallelism and Respond returns once all of
// them have finished.
func (d *Dispatcher) Respond(ctx context.Context) {
	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup
	for {
		msg, err := d.store.ClaimNextMessage(ctx, d.commitHash)
		if errors.Is(err, store.ErrNoEligibleMessage) {
			break
		}
		if err != nil {
			d.logger.Error("claiming message", "error", err)
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(msg *store.InboundMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			d.handleMessage(ctx, msg)
		}(msg)
	}
	wg.Wait()
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *store.InboundMessage) {
	start := time.Now()
	outbound, err := d.respondTo(ctx, msg)
	if err != nil {
		d.failMessage(ctx, msg, err)
		return
	}

	// Gateway I/O happens after commit so a slow or failing send cannot
	// hold the transaction open or roll back the state transition.
	if len(outbound) > 0 {
		sent, err := d.sender.Send(ctx, msg.ChatbotName, msg.SentByPhoneNumber, outbound)
		if err != nil {
			d.failMessage(ctx, msg, err)
			return
		}
		for i, sm := range sent {
			body := whatsapp.SummarizeAll(outbound)
			if i < len(outbound) {
				body = outbound[i].Summary()
			}
			if _, err := d.store.InsertOutboundMessage(ctx, sm.WhatsAppID, msg.ID, body); err != nil {
				d.logger.Error("recording outbound message", "inbound_id", msg.ID, "error", err)
			}
		}
	}

	messagesProcessed.WithLabelValues("ok").Inc()
	respondDuration.Observe(time.Since(start).Seconds())
	d.logger.Debug("message handled", "inbound_id", msg.ID, "outbound", len(outbound))
}

// respondTo runs the state machine for one message inside a single
// transaction: context load, dispatch, side-effect writes, and the state
// transition all commit or roll back together.
func (d *Dispatcher) respondTo(ctx context.Context, msg *store.InboundMessage) ([]whatsapp.Descriptor, error) {
	var decision flow.Decision
	err := d.store.WithTx(ctx, func(tx *store.Tx) error {
		c, err := d.loadContext(ctx, tx, msg)
		if err != nil {
			return err
		}
		in := flow.Incoming{Body: msg.Body, HasMedia: msg.HasMedia}
		if msg.MediaID != nil {
			in.MediaID = *msg.MediaID
		}
		decision, err = d.registry.Dispatch(ctx, c, in)
		if err != nil {
			return err
		}
		return tx.UpdateUserState(ctx, c.User.ID, string(decision.Next), decision.EntityID)
	})
	if err != nil {
		return nil, err
	}
	return decision.Outbound, nil
}

func (d *Dispatcher) loadContext(ctx context.Context, tx *store.Tx, msg *store.InboundMessage) (*flow.Context, error) {
	user, err := tx.GetOrCreateUser(ctx, msg.ChatbotName, msg.SentByPhoneNumber)
	if err != nil {
		return nil, err
	}
	c := &flow.Context{Tx: tx, User: user}
	if c.Providers, err = tx.ListClinicalProviders(ctx); err != nil {
		return nil, err
	}
	if c.Facilities, err = tx.ListFacilities(ctx); err != nil {
		return nil, err
	}
	if user.EntityID != nil {
		req, err := tx.GetSchedulingRequest(ctx, *user.EntityID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Stale entity reference; the handler falls back gracefully.
		case err != nil:
			return nil, err
		default:
			c.Request = req
			if c.Provider, err = tx.GetProvider(ctx, req.ProviderID); err != nil {
				return nil, err
			}
			if c.OfferedTimes, err = tx.ListOfferedTimes(ctx, req.ID); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// failMessage apologizes to the patient and annotates the message with the
// running deploy's commit hash, which suppresses automatic retries until the
// next deploy.
func (d *Dispatcher) failMessage(ctx context.Context, msg *store.InboundMessage, cause error) {
	// The annotation has to land even when the failure was a canceled
	// context: a claimed message without an error commit hash is never
	// eligible again under any deploy.
	ctx = context.WithoutCancel(ctx)

	d.logger.Error("handling message failed", "inbound_id", msg.ID, "error", cause)
	messagesProcessed.WithLabelValues("error").Inc()

	fallback := []whatsapp.Descriptor{whatsapp.NewText(fallbackMessage)}
	if _, err := d.sender.Send(ctx, msg.ChatbotName, msg.SentByPhoneNumber, fallback); err != nil {
		d.logger.Error("sending fallback message", "inbound_id", msg.ID, "error", err)
	}
	if err := d.store.RecordMessageError(ctx, msg.ID, d.commitHash, cause.Error()); err != nil {
		d.logger.Error("recording message error", "inbound_id", msg.ID, "error", err)
	}
}
