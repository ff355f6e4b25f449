// ABOUTME: Conversation state machine core: states, handler contract, registry
// ABOUTME: Maps a user's persisted state to exactly one validated handler

package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chipatala/chat-engine/internal/scheduling"
	"github.com/chipatala/chat-engine/internal/store"
	"github.com/chipatala/chat-engine/internal/whatsapp"
)

// State is a hierarchical conversation position key, partitioned by
// onboarding phase and sub-flow.
type State string

const (
	StateWelcome          State = "not_onboarded:welcome"
	StateEnterFullName    State = "not_onboarded:enter_full_name"
	StateEnterGender      State = "not_onboarded:enter_gender"
	StateEnterDateOfBirth State = "not_onboarded:enter_date_of_birth"
	StateMenu             State = "onboarded:menu"

	StateShareLocation State = "find_nearest_facility:share_location"
	StateGotLocation   State = "find_nearest_facility:got_location"

	StateChooseProvider   State = "onboarded:make_appointment:choose_provider"
	StateEnterReason      State = "onboarded:make_appointment:enter_appointment_reason"
	StateConfirmDetails   State = "onboarded:make_appointment:confirm_details"
	StateBrowseOtherTimes State = "onboarded:make_appointment:browse_other_times"
)

// AllStates enumerates every state the registry must cover. Adding a state
// here without registering a handler fails Registry.Validate at startup.
func AllStates() []State {
	return []State{
		StateWelcome,
		StateEnterFullName,
		StateEnterGender,
		StateEnterDateOfBirth,
		StateMenu,
		StateShareLocation,
		StateGotLocation,
		StateChooseProvider,
		StateEnterReason,
		StateConfirmDetails,
		StateBrowseOtherTimes,
	}
}

// Incoming is the part of an inbound message a handler inspects.
type Incoming struct {
	Body     string
	HasMedia bool
	MediaID  string
}

// Context carries everything a handler may read or write. Tx is the claim
// transaction; writes made through it commit atomically with the state
// transition. Request, Provider and OfferedTimes are populated only when the
// user's entity_id references a live scheduling request.
type Context struct {
	Tx           *store.Tx
	User         *store.ConversationUser
	Request      *store.SchedulingRequest
	Provider     *store.Provider
	OfferedTimes []*store.OfferedTime
	Providers    []*store.Provider
	Facilities   []*store.Facility
}

// Onboarded reports whether the user has completed the intake questions.
func (c *Context) Onboarded() bool {
	return c.User.FullName != nil && c.User.Gender != nil && c.User.DateOfBirth != nil
}

// menuState returns the resting state appropriate for the user.
func (c *Context) menuState() State {
	if c.Onboarded() {
		return StateMenu
	}
	return StateWelcome
}

// Decision is a handler's verdict: the state to persist, the entity_id to
// persist alongside it (nil clears it), and the messages to send after
// commit.
type Decision struct {
	Next     State
	EntityID *string
	Outbound []whatsapp.Descriptor
}

// Handler decides the response for one conversation state.
type Handler interface {
	State() State
	Handle(ctx context.Context, c *Context, in Incoming) (Decision, error)
}

// Registry is the explicit dispatch table from persisted state to handler.
type Registry struct {
	handlers map[State]Handler
	logger   *slog.Logger
}

// Deps are the capabilities handlers need beyond the per-message Context.
type Deps struct {
	Scheduler *scheduling.Service
	Logger    *slog.Logger
}

// NewRegistry builds the full dispatch table. Callers must run Validate
// before serving traffic.
func NewRegistry(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		handlers: make(map[State]Handler),
		logger:   logger.With("component", "flow"),
	}
	r.register(
		&welcomeHandler{},
		&fullNameHandler{},
		&genderHandler{},
		&dateOfBirthHandler{},
		&menuHandler{},
		&shareLocationHandler{},
		&gotLocationHandler{},
		&chooseProviderHandler{scheduler: deps.Scheduler},
		&enterReasonHandler{scheduler: deps.Scheduler},
		&confirmDetailsHandler{scheduler: deps.Scheduler},
		&browseOtherTimesHandler{scheduler: deps.Scheduler},
	)
	return r
}

func (r *Registry) register(hs ...Handler) {
	for _, h := range hs {
		r.handlers[h.State()] = h
	}
}

// Validate ensures every declared state has exactly one handler and no
// handler claims an undeclared state.
func (r *Registry) Validate() error {
	declared := make(map[State]bool, len(AllStates()))
	for _, s := range AllStates() {
		declared[s] = true
		if _, ok := r.handlers[s]; !ok {
			return fmt.Errorf("state %q has no handler", s)
		}
	}
	for s := range r.handlers {
		if !declared[s] {
			return fmt.Errorf("handler registered for undeclared state %q", s)
		}
	}
	return nil
}

// HandlerFor resolves the handler for a persisted state string. An unknown
// state falls back to the welcome handler so a deploy that removes a state
// cannot strand users.
func (r *Registry) HandlerFor(state string) Handler {
	if h, ok := r.handlers[State(state)]; ok {
		return h
	}
	r.logger.Warn("unknown conversation state, falling back to welcome", "state", state)
	return r.handlers[StateWelcome]
}

// Dispatch runs the handler for the user's current state.
func (r *Registry) Dispatch(ctx context.Context, c *Context, in Incoming) (Decision, error) {
	return r.HandlerFor(c.User.ConversationState).Handle(ctx, c, in)
}
