// ABOUTME: Data types and sentinel errors for chat-engine persistence
// ABOUTME: Defines conversation users, messages, scheduling records, and events

package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrNoEligibleMessage is returned by ClaimNextMessage when no inbound
// message is currently claimable.
var ErrNoEligibleMessage = errors.New("no eligible message")

// ErrNonClinicalProvider is returned when an appointment operation targets a
// provider whose role cannot see patients.
var ErrNonClinicalProvider = errors.New("provider role is not clinical")

// Provider roles. Only clinical roles may be offered appointment times.
const (
	RoleDoctor = "doctor"
	RoleNurse  = "nurse"
	RoleAdmin  = "admin"
)

// StateWelcome is the conversation state assigned to newly created users.
const StateWelcome = "not_onboarded:welcome"

// ConversationUser identifies a patient within one chatbot's namespace and
// carries the persisted position in the scripted dialogue. EntityID links the
// user to a pending domain record such as a scheduling request.
type ConversationUser struct {
	ID                string
	ChatbotName       string
	PhoneNumber       string
	ConversationState string
	EntityID          *string
	FullName          *string
	Gender            *string
	DateOfBirth       *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MessageEnvelope is the normalized inbound payload handed over by the
// message ingestion layer.
type MessageEnvelope struct {
	ChatbotName           string
	SentByPhoneNumber     string
	ReceivedByPhoneNumber string
	WhatsAppID            string
	Body                  string
	HasMedia              bool
	MediaID               string
}

// InboundMessage is a received WhatsApp message awaiting (or past) handling.
// StartedRespondingAt is the claim marker; ErrorCommitHash and ErrorMessage
// are set when handling fails, which suppresses retries until a deploy with a
// different commit hash picks the message up again.
type InboundMessage struct {
	ID                    string
	ChatbotName           string
	SentByPhoneNumber     string
	ReceivedByPhoneNumber string
	WhatsAppID            string
	Body                  string
	HasMedia              bool
	MediaID               *string
	StartedRespondingAt   *time.Time
	ErrorCommitHash       *string
	ErrorMessage          *string
	CreatedAt             time.Time
}

// OutboundMessage records a successfully sent response, keyed by the
// gateway-assigned WhatsApp id and linked to the inbound message it answers.
type OutboundMessage struct {
	ID             string
	WhatsAppID     string
	RespondingToID string
	Body           string
	ReadStatus     string
	CreatedAt      time.Time
}

// Provider is a member of clinic staff that appointments can be booked with.
type Provider struct {
	ID          string
	FullName    string
	Role        string
	PhoneNumber string
	CalendarID  string
}

// SchedulingRequest is an open appointment request owned by a conversation
// user. It is deleted (with its offered times) once an offer is confirmed.
type SchedulingRequest struct {
	ID         string
	UserID     string
	ProviderID string
	Reason     string
	CreatedAt  time.Time
}

// OfferedTime is a proposed appointment slot for a scheduling request.
type OfferedTime struct {
	ID        string
	RequestID string
	StartsAt  time.Time
	Declined  bool
	CreatedAt time.Time
}

// Appointment is a confirmed booking.
type Appointment struct {
	ID              string
	UserID          string
	ProviderID      string
	Reason          string
	StartsAt        time.Time
	CalendarEventID string
	CreatedAt       time.Time
}

// Facility is a clinic location patients can be directed to.
type Facility struct {
	ID        string
	Name      string
	Address   string
	Latitude  float64
	Longitude float64
}

// Event is a stored domain event. ListenersInsertedAt is set once the event
// has been expanded into per-listener work items; NoRetryError marks events
// that cannot be expanded (e.g. unknown type) and will not be retried
// automatically.
type Event struct {
	ID                  string
	Type                string
	Data                json.RawMessage
	ListenersInsertedAt *time.Time
	NoRetryError        *string
	CreatedAt           time.Time
}

// EventListener is one unit of event delivery work: one row per (event,
// registered listener). ProcessedAt and ErrorMessage are mutually exclusive;
// ErrorCount never exceeds the retry ceiling enforced by the event processor.
type EventListener struct {
	ID           string
	EventID      string
	ListenerName string
	ErrorMessage *string
	ErrorCount   int
	BackoffUntil *time.Time
	ProcessedAt  *time.Time
	CreatedAt    time.Time
}
