// ABOUTME: Appointment booking handlers: provider choice, reason, offer, browse
// ABOUTME: Offers come from the scheduling service and confirm emits an event

package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chipatala/chat-engine/internal/scheduling"
	"github.com/chipatala/chat-engine/internal/store"
	"github.com/chipatala/chat-engine/internal/whatsapp"
)

const (
	buttonConfirmTime = "confirm_time"
	buttonDeclineTime = "decline_time"

	slotRowPrefix = "slot:"
	moreRowPrefix = "more:"

	// Declines before switching from one-at-a-time offers to the browse list.
	declinesBeforeBrowse = 2

	browsePageSize = 9
)

func formatSlot(t time.Time) string {
	return t.Format("Monday, 2 January at 15:04")
}

func providerListDecision(c *Context) (Decision, error) {
	if len(c.Providers) == 0 {
		return Decision{
			Next:     c.menuState(),
			Outbound: []whatsapp.Descriptor{whatsapp.NewText("Sorry, no providers are available for booking right now. Please try again later.")},
		}, nil
	}
	rows := make([]whatsapp.ListRow, 0, len(c.Providers))
	for _, p := range c.Providers {
		rows = append(rows, whatsapp.ListRow{ID: p.ID, Title: p.FullName, Description: p.Role})
	}
	list := whatsapp.NewList(
		"Make an Appointment",
		"Which provider would you like to see?",
		"Providers",
		[]whatsapp.ListSection{{Title: "Providers", Rows: rows}},
	)
	return Decision{
		Next:     StateChooseProvider,
		Outbound: []whatsapp.Descriptor{list},
	}, nil
}

func offerButtons(provider *store.Provider, t time.Time, first bool) whatsapp.Buttons {
	body := fmt.Sprintf("How about %s instead?", formatSlot(t))
	if first {
		body = fmt.Sprintf("The earliest available time with %s is %s. Does that work for you?", provider.FullName, formatSlot(t))
	}
	return whatsapp.NewButtons(body, "Confirm", []whatsapp.ButtonOption{
		{ID: buttonConfirmTime, Title: "Yes, book it"},
		{ID: buttonDeclineTime, Title: "No, another time"},
	})
}

type chooseProviderHandler struct {
	scheduler *scheduling.Service
}

func (h *chooseProviderHandler) State() State { return StateChooseProvider }

func (h *chooseProviderHandler) Handle(ctx context.Context, c *Context, in Incoming) (Decision, error) {
	for _, p := range c.Providers {
		if p.ID != in.Body {
			continue
		}
		req, err := c.Tx.CreateSchedulingRequest(ctx, c.User.ID, p.ID, "")
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			Next:     StateEnterReason,
			EntityID: &req.ID,
			Outbound: []whatsapp.Descriptor{whatsapp.NewText("What is the reason for your visit?")},
		}, nil
	}
	return providerListDecision(c)
}

type enterReasonHandler struct {
	scheduler *scheduling.Service
}

func (h *enterReasonHandler) State() State { return StateEnterReason }

func (h *enterReasonHandler) Handle(ctx context.Context, c *Context, in Incoming) (Decision, error) {
	if c.Request == nil || c.Provider == nil {
		return abandonedRequestDecision(c), nil
	}
	reason := strings.TrimSpace(in.Body)
	if reason == "" || in.HasMedia {
		return Decision{
			Next:     StateEnterReason,
			EntityID: &c.Request.ID,
			Outbound: []whatsapp.Descriptor{whatsapp.NewText("Please describe the reason for your visit in a few words.")},
		}, nil
	}
	if err := c.Tx.UpdateSchedulingRequestReason(ctx, c.Request.ID, reason); err != nil {
		return Decision{}, err
	}
	return h.offerNext(ctx, c, true)
}

func (h *enterReasonHandler) offerNext(ctx context.Context, c *Context, first bool) (Decision, error) {
	return offerNextSlot(ctx, h.scheduler, c, first)
}

// offerNextSlot finds the earliest undeclined slot, persists it as an offered
// time, and asks the patient to confirm. When the horizon is exhausted the
// request is abandoned.
func offerNextSlot(ctx context.Context, svc *scheduling.Service, c *Context, first bool) (Decision, error) {
	declined := scheduling.DeclinedTimes(c.OfferedTimes)
	slot, err := svc.NextAvailableTime(ctx, c.Provider, declined)
	if errors.Is(err, scheduling.ErrNoAvailability) {
		if err := c.Tx.DeleteSchedulingRequest(ctx, c.Request.ID); err != nil {
			return Decision{}, err
		}
		return Decision{
			Next:     c.menuState(),
			Outbound: []whatsapp.Descriptor{whatsapp.NewText("Sorry, there are no available times in the coming week. Please try again later.")},
		}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if _, err := svc.Offer(ctx, c.Tx, c.Request.ID, slot); err != nil {
		return Decision{}, err
	}
	return Decision{
		Next:     StateConfirmDetails,
		EntityID: &c.Request.ID,
		Outbound: []whatsapp.Descriptor{offerButtons(c.Provider, slot, first)},
	}, nil
}

type confirmDetailsHandler struct {
	scheduler *scheduling.Service
}

func (h *confirmDetailsHandler) State() State { return StateConfirmDetails }

func (h *confirmDetailsHandler) Handle(ctx context.Context, c *Context, in Incoming) (Decision, error) {
	pending := pendingOffer(c.OfferedTimes)
	if c.Request == nil || c.Provider == nil || pending == nil {
		return abandonedRequestDecision(c), nil
	}
	switch in.Body {
	case buttonConfirmTime:
		return confirmAppointment(ctx, h.scheduler, c, pending.StartsAt)
	case buttonDeclineTime:
		if err := h.scheduler.Decline(ctx, c.Tx, pending.ID); err != nil {
			return Decision{}, err
		}
		pending.Declined = true
		if declinedCount(c.OfferedTimes) >= declinesBeforeBrowse {
			return browsePageDecision(ctx, h.scheduler, c, time.Time{})
		}
		return offerNextSlot(ctx, h.scheduler, c, false)
	default:
		return Decision{
			Next:     StateConfirmDetails,
			EntityID: &c.Request.ID,
			Outbound: []whatsapp.Descriptor{offerButtons(c.Provider, pending.StartsAt, false)},
		}, nil
	}
}

type browseOtherTimesHandler struct {
	scheduler *scheduling.Service
}

func (h *browseOtherTimesHandler) State() State { return StateBrowseOtherTimes }

func (h *browseOtherTimesHandler) Handle(ctx context.Context, c *Context, in Incoming) (Decision, error) {
	if c.Request == nil || c.Provider == nil {
		return abandonedRequestDecision(c), nil
	}
	switch {
	case strings.HasPrefix(in.Body, slotRowPrefix):
		slot, err := time.Parse(time.RFC3339, strings.TrimPrefix(in.Body, slotRowPrefix))
		if err != nil {
			break
		}
		if _, err := h.scheduler.Offer(ctx, c.Tx, c.Request.ID, slot); err != nil {
			return Decision{}, err
		}
		return confirmAppointment(ctx, h.scheduler, c, slot)
	case strings.HasPrefix(in.Body, moreRowPrefix):
		cursor, err := time.Parse(time.RFC3339, strings.TrimPrefix(in.Body, moreRowPrefix))
		if err != nil {
			break
		}
		return browsePageDecision(ctx, h.scheduler, c, cursor)
	}
	return browsePageDecision(ctx, h.scheduler, c, time.Time{})
}

// browsePageDecision lists a page of upcoming slots. The cursor is the last
// slot of the previous page, carried inside the "More times" row id so the
// pagination needs no server-side state.
func browsePageDecision(ctx context.Context, svc *scheduling.Service, c *Context, after time.Time) (Decision, error) {
	declined := scheduling.DeclinedTimes(c.OfferedTimes)
	slots, err := svc.AvailableSlots(ctx, c.Provider, declined, after, browsePageSize+1)
	if err != nil {
		return Decision{}, err
	}
	if len(slots) == 0 {
		if err := c.Tx.DeleteSchedulingRequest(ctx, c.Request.ID); err != nil {
			return Decision{}, err
		}
		return Decision{
			Next:     c.menuState(),
			Outbound: []whatsapp.Descriptor{whatsapp.NewText("Sorry, there are no more available times in the coming week. Please try again later.")},
		}, nil
	}
	page := slots
	more := false
	if len(page) > browsePageSize {
		page = page[:browsePageSize]
		more = true
	}
	rows := make([]whatsapp.ListRow, 0, len(page)+1)
	for _, s := range page {
		rows = append(rows, whatsapp.ListRow{
			ID:    slotRowPrefix + s.Format(time.RFC3339),
			Title: formatSlot(s),
		})
	}
	if more {
		rows = append(rows, whatsapp.ListRow{
			ID:          moreRowPrefix + page[len(page)-1].Format(time.RFC3339),
			Title:       "More times",
			Description: "Show later slots",
		})
	}
	list := whatsapp.NewList(
		"Other Times",
		fmt.Sprintf("Here are the next available times with %s.", c.Provider.FullName),
		"Times",
		[]whatsapp.ListSection{{Title: "Available", Rows: rows}},
	)
	return Decision{
		Next:     StateBrowseOtherTimes,
		EntityID: &c.Request.ID,
		Outbound: []whatsapp.Descriptor{list},
	}, nil
}

// confirmAppointment books the slot, records the domain event, and returns
// the user to the menu.
func confirmAppointment(ctx context.Context, svc *scheduling.Service, c *Context, startsAt time.Time) (Decision, error) {
	appt, err := svc.Confirm(ctx, c.Tx, c.Request, startsAt)
	if err != nil {
		return Decision{}, err
	}
	payload := map[string]string{
		"appointment_id": appt.ID,
		"user_id":        c.User.ID,
		"provider_id":    c.Request.ProviderID,
		"starts_at":      startsAt.Format(time.RFC3339),
	}
	if _, err := c.Tx.InsertEvent(ctx, "appointment_confirmed", payload); err != nil {
		return Decision{}, err
	}
	body := fmt.Sprintf("Your appointment with %s on %s is confirmed. See you then!",
		c.Provider.FullName, formatSlot(startsAt))
	return Decision{
		Next:     c.menuState(),
		Outbound: []whatsapp.Descriptor{whatsapp.NewText(body)},
	}, nil
}

// abandonedRequestDecision recovers a conversation whose scheduling request
// disappeared (for example a confirmed request referenced by a stale state).
func abandonedRequestDecision(c *Context) Decision {
	menu := whatsapp.Descriptor(welcomeMenu())
	if c.Onboarded() {
		menu = onboardedMenu()
	}
	return Decision{
		Next:     c.menuState(),
		Outbound: []whatsapp.Descriptor{whatsapp.NewText("Sorry, something went wrong with that booking. Let's start again."), menu},
	}
}

func pendingOffer(offers []*store.OfferedTime) *store.OfferedTime {
	for i := len(offers) - 1; i >= 0; i-- {
		if !offers[i].Declined {
			return offers[i]
		}
	}
	return nil
}

func declinedCount(offers []*store.OfferedTime) int {
	n := 0
	for _, o := range offers {
		if o.Declined {
			n++
		}
	}
	return n
}
