// ABOUTME: Built-in event listeners for the chatbot's domain events
// ABOUTME: Confirmation and provider notification on appointment_confirmed

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chipatala/chat-engine/internal/store"
	"github.com/chipatala/chat-engine/internal/whatsapp"
)

// Domain event types emitted by the conversation flows.
const (
	TypePatientOnboarded     = "patient_onboarded"
	TypeAppointmentConfirmed = "appointment_confirmed"
)

type appointmentConfirmedPayload struct {
	AppointmentID string `json:"appointment_id"`
	UserID        string `json:"user_id"`
	ProviderID    string `json:"provider_id"`
	StartsAt      string `json:"starts_at"`
}

func (p *appointmentConfirmedPayload) startsAt() (time.Time, error) {
	return time.Parse(time.RFC3339, p.StartsAt)
}

// Builtin returns the declared event types and the stock listener set.
// patient_onboarded is declared with no listeners today; declaring it keeps
// those events expandable instead of parked as unknown.
func Builtin(sender whatsapp.Sender) ([]string, []Registration) {
	types := []string{TypePatientOnboarded, TypeAppointmentConfirmed}
	regs := []Registration{
		{
			EventType:    TypeAppointmentConfirmed,
			ListenerName: "send_confirmation_message",
			Handler:      sendConfirmationMessage(sender),
		},
		{
			EventType:    TypeAppointmentConfirmed,
			ListenerName: "notify_provider",
			Handler:      notifyProvider(sender),
		},
	}
	return types, regs
}

// sendConfirmationMessage sends the patient a written confirmation they can
// refer back to, separate from the in-conversation reply.
func sendConfirmationMessage(sender whatsapp.Sender) HandlerFunc {
	return func(ctx context.Context, tx *store.Tx, ev Payload) error {
		var p appointmentConfirmedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		user, err := tx.GetUserByID(ctx, p.UserID)
		if err != nil {
			return fmt.Errorf("loading user %s: %w", p.UserID, err)
		}
		provider, err := tx.GetProvider(ctx, p.ProviderID)
		if err != nil {
			return fmt.Errorf("loading provider %s: %w", p.ProviderID, err)
		}
		startsAt, err := p.startsAt()
		if err != nil {
			return fmt.Errorf("parsing starts_at: %w", err)
		}
		body := fmt.Sprintf("Appointment confirmed: %s on %s. Reply here if you need to change it.",
			provider.FullName, startsAt.Format("Monday, 2 January at 15:04"))
		_, err = sender.Send(ctx, user.ChatbotName, user.PhoneNumber, []whatsapp.Descriptor{whatsapp.NewText(body)})
		return err
	}
}

// notifyProvider tells the provider about the new booking.
func notifyProvider(sender whatsapp.Sender) HandlerFunc {
	return func(ctx context.Context, tx *store.Tx, ev Payload) error {
		var p appointmentConfirmedPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("decoding payload: %w", err)
		}
		provider, err := tx.GetProvider(ctx, p.ProviderID)
		if err != nil {
			return fmt.Errorf("loading provider %s: %w", p.ProviderID, err)
		}
		user, err := tx.GetUserByID(ctx, p.UserID)
		if err != nil {
			return fmt.Errorf("loading user %s: %w", p.UserID, err)
		}
		startsAt, err := p.startsAt()
		if err != nil {
			return fmt.Errorf("parsing starts_at: %w", err)
		}
		patient := user.PhoneNumber
		if user.FullName != nil {
			patient = *user.FullName
		}
		body := fmt.Sprintf("New appointment: %s on %s.",
			patient, startsAt.Format("Monday, 2 January at 15:04"))
		_, err = sender.Send(ctx, user.ChatbotName, provider.PhoneNumber, []whatsapp.Descriptor{whatsapp.NewText(body)})
		return err
	}
}
