// ABOUTME: Tests for the conversation state machine registry and handlers
// ABOUTME: Exercises welcome routing, onboarding, facility lookup, and booking

package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chipatala/chat-engine/internal/config"
	"github.com/chipatala/chat-engine/internal/scheduling"
	"github.com/chipatala/chat-engine/internal/store"
	"github.com/chipatala/chat-engine/internal/whatsapp"
)

type fixture struct {
	store    *store.Store
	registry *Registry
	calendar *scheduling.StaticCalendar
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "flow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cal := scheduling.NewStaticCalendar()
	svc := scheduling.New(cal, config.SchedulingConfig{
		GeneralCalendarID: "general",
		HorizonStart:      2 * time.Hour,
		HorizonEnd:        168 * time.Hour,
	}, nil)
	return &fixture{
		store:    s,
		registry: NewRegistry(Deps{Scheduler: svc}),
		calendar: cal,
	}
}

// dispatch loads the full handler context the way the dispatcher does, runs
// the handler, and persists the decision.
func (f *fixture) dispatch(t *testing.T, user *store.ConversationUser, body string) Decision {
	t.Helper()
	ctx := context.Background()
	var d Decision
	require.NoError(t, f.store.WithTx(ctx, func(tx *store.Tx) error {
		c := &Context{Tx: tx, User: user}
		var err error
		if c.Providers, err = tx.ListClinicalProviders(ctx); err != nil {
			return err
		}
		if c.Facilities, err = tx.ListFacilities(ctx); err != nil {
			return err
		}
		if user.EntityID != nil {
			req, err := tx.GetSchedulingRequest(ctx, *user.EntityID)
			if err == nil {
				c.Request = req
				if c.Provider, err = tx.GetProvider(ctx, req.ProviderID); err != nil {
					return err
				}
				if c.OfferedTimes, err = tx.ListOfferedTimes(ctx, req.ID); err != nil {
					return err
				}
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		d, err = f.registry.Dispatch(ctx, c, Incoming{Body: body})
		if err != nil {
			return err
		}
		return tx.UpdateUserState(ctx, user.ID, string(d.Next), d.EntityID)
	}))
	// Refresh the persisted user the way the next claim would see it.
	fresh, err := f.store.GetUser(ctx, user.ChatbotName, user.PhoneNumber)
	require.NoError(t, err)
	*user = *fresh
	return d
}

func (f *fixture) createUser(t *testing.T, phone string) *store.ConversationUser {
	t.Helper()
	ctx := context.Background()
	var user *store.ConversationUser
	require.NoError(t, f.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		user, err = tx.GetOrCreateUser(ctx, "health", phone)
		return err
	}))
	return user
}

func (f *fixture) onboardUser(t *testing.T, phone string) *store.ConversationUser {
	t.Helper()
	user := f.createUser(t, phone)
	f.dispatch(t, user, "hello")
	f.dispatch(t, user, "get_checked")
	f.dispatch(t, user, "Thandi Phiri")
	f.dispatch(t, user, "female")
	f.dispatch(t, user, "1990-06-15")
	require.Equal(t, string(StateMenu), user.ConversationState)
	return user
}

func (f *fixture) insertProvider(t *testing.T, id, name, role string) {
	t.Helper()
	require.NoError(t, f.store.InsertProvider(context.Background(), &store.Provider{
		ID: id, FullName: name, Role: role, PhoneNumber: "+265000000" + id, CalendarID: "cal-" + id,
	}))
}

func TestRegistryValidate(t *testing.T) {
	f := setupFixture(t)
	require.NoError(t, f.registry.Validate())
}

func TestRegistryValidateMissingHandler(t *testing.T) {
	f := setupFixture(t)
	delete(f.registry.handlers, StateEnterGender)
	assert.Error(t, f.registry.Validate())
}

func TestUnknownStateFallsBackToWelcome(t *testing.T) {
	f := setupFixture(t)
	h := f.registry.HandlerFor("onboarded:some_removed_state")
	assert.Equal(t, StateWelcome, h.State())
}

func TestWelcomeFreeTextShowsMenu(t *testing.T) {
	f := setupFixture(t)
	user := f.createUser(t, "+265991111111")

	d := f.dispatch(t, user, "body")

	assert.Equal(t, string(StateWelcome), user.ConversationState)
	require.Len(t, d.Outbound, 1)
	menu, ok := d.Outbound[0].(whatsapp.Buttons)
	require.True(t, ok)
	assert.Len(t, menu.Options, 3)
}

func TestWelcomeRoutesToFacilitySearch(t *testing.T) {
	f := setupFixture(t)
	user := f.createUser(t, "+265991111112")

	d := f.dispatch(t, user, "find_nearest_facility")

	assert.Equal(t, string(StateShareLocation), user.ConversationState)
	require.Len(t, d.Outbound, 1)
	text, ok := d.Outbound[0].(whatsapp.Text)
	require.True(t, ok)
	assert.Equal(t, "Sure, we can find your nearest facility. Can you share your location?", text.MessageBody)
}

func TestOnboardingFlow(t *testing.T) {
	f := setupFixture(t)
	user := f.createUser(t, "+265991111113")
	ctx := context.Background()

	d := f.dispatch(t, user, "get_checked")
	assert.Equal(t, string(StateEnterFullName), user.ConversationState)

	d = f.dispatch(t, user, "Thandi Phiri")
	assert.Equal(t, string(StateEnterGender), user.ConversationState)

	// An invalid gender re-prompts without advancing.
	d = f.dispatch(t, user, "yes please")
	assert.Equal(t, string(StateEnterGender), user.ConversationState)

	d = f.dispatch(t, user, "female")
	assert.Equal(t, string(StateEnterDateOfBirth), user.ConversationState)

	// A malformed date re-prompts.
	d = f.dispatch(t, user, "15/06/1990")
	assert.Equal(t, string(StateEnterDateOfBirth), user.ConversationState)

	d = f.dispatch(t, user, "1990-06-15")
	assert.Equal(t, string(StateMenu), user.ConversationState)
	require.NotEmpty(t, d.Outbound)

	require.NotNil(t, user.FullName)
	assert.Equal(t, "Thandi Phiri", *user.FullName)
	require.NotNil(t, user.Gender)
	assert.Equal(t, "female", *user.Gender)
	require.NotNil(t, user.DateOfBirth)
	assert.Equal(t, "1990-06-15", *user.DateOfBirth)

	events, err := f.store.ListUnexpandedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "patient_onboarded", events[0].Type)
}

func TestFacilityLookupSortsByDistance(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	// Lilongwe is far closer to the shared point than Blantyre.
	require.NoError(t, f.store.InsertFacility(ctx, &store.Facility{
		ID: "f-blantyre", Name: "Queen Elizabeth Central", Address: "Blantyre", Latitude: -15.802, Longitude: 35.009,
	}))
	require.NoError(t, f.store.InsertFacility(ctx, &store.Facility{
		ID: "f-lilongwe", Name: "Kamuzu Central", Address: "Lilongwe", Latitude: -13.977, Longitude: 33.783,
	}))
	user := f.createUser(t, "+265991111114")

	f.dispatch(t, user, "find_nearest_facility")
	d := f.dispatch(t, user, `{"latitude":-13.95,"longitude":33.70}`)

	assert.Equal(t, string(StateGotLocation), user.ConversationState)
	require.Len(t, d.Outbound, 1)
	list, ok := d.Outbound[0].(whatsapp.List)
	require.True(t, ok)
	assert.Equal(t, "Nearest Facilities", list.HeaderText)
	require.Len(t, list.Action.Sections, 1)
	rows := list.Action.Sections[0].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "f-lilongwe", rows[0].ID)
	assert.Equal(t, "f-blantyre", rows[1].ID)

	// Picking a facility returns a map pin and ends the sub-flow.
	d = f.dispatch(t, user, "f-lilongwe")
	assert.Equal(t, string(StateWelcome), user.ConversationState)
	require.Len(t, d.Outbound, 1)
	pin, ok := d.Outbound[0].(whatsapp.Location)
	require.True(t, ok)
	assert.Equal(t, "Kamuzu Central", pin.Location.Name)
}

func TestFacilityLookupRejectsNonLocation(t *testing.T) {
	f := setupFixture(t)
	user := f.createUser(t, "+265991111115")

	f.dispatch(t, user, "find_nearest_facility")
	d := f.dispatch(t, user, "I am at home")

	assert.Equal(t, string(StateShareLocation), user.ConversationState)
	require.Len(t, d.Outbound, 1)
	assert.IsType(t, whatsapp.Text{}, d.Outbound[0])
}

func TestAppointmentFlowConfirmFirstOffer(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	f.insertProvider(t, "p1", "Dr Banda", store.RoleDoctor)
	user := f.onboardUser(t, "+265991111116")

	d := f.dispatch(t, user, "make_appointment")
	assert.Equal(t, string(StateChooseProvider), user.ConversationState)
	require.Len(t, d.Outbound, 1)
	assert.IsType(t, whatsapp.List{}, d.Outbound[0])

	d = f.dispatch(t, user, "p1")
	assert.Equal(t, string(StateEnterReason), user.ConversationState)
	require.NotNil(t, user.EntityID)

	d = f.dispatch(t, user, "persistent cough")
	assert.Equal(t, string(StateConfirmDetails), user.ConversationState)
	require.Len(t, d.Outbound, 1)
	buttons, ok := d.Outbound[0].(whatsapp.Buttons)
	require.True(t, ok)
	require.Len(t, buttons.Options, 2)
	assert.Equal(t, "confirm_time", buttons.Options[0].ID)

	d = f.dispatch(t, user, "confirm_time")
	assert.Equal(t, string(StateMenu), user.ConversationState)
	assert.Nil(t, user.EntityID)

	appts, err := f.store.ListAppointments(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.Equal(t, "persistent cough", appts[0].Reason)

	// patient_onboarded from onboarding plus appointment_confirmed.
	events, err := f.store.ListUnexpandedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(events[1].Data, &payload))
	assert.Equal(t, "appointment_confirmed", events[1].Type)
	assert.Equal(t, appts[0].ID, payload["appointment_id"])
	assert.Equal(t, user.ID, payload["user_id"])
}

func TestAppointmentRepeatedDeclineEntersBrowse(t *testing.T) {
	f := setupFixture(t)
	f.insertProvider(t, "p1", "Dr Banda", store.RoleDoctor)
	user := f.onboardUser(t, "+265991111117")

	f.dispatch(t, user, "make_appointment")
	f.dispatch(t, user, "p1")
	f.dispatch(t, user, "flu symptoms")
	require.Equal(t, string(StateConfirmDetails), user.ConversationState)

	// First decline: a fresh single offer.
	d := f.dispatch(t, user, "decline_time")
	assert.Equal(t, string(StateConfirmDetails), user.ConversationState)
	require.Len(t, d.Outbound, 1)
	assert.IsType(t, whatsapp.Buttons{}, d.Outbound[0])

	// Second decline: paginated browsing.
	d = f.dispatch(t, user, "decline_time")
	assert.Equal(t, string(StateBrowseOtherTimes), user.ConversationState)
	require.Len(t, d.Outbound, 1)
	list, ok := d.Outbound[0].(whatsapp.List)
	require.True(t, ok)
	rows := list.Action.Sections[0].Rows
	require.NotEmpty(t, rows)
	// A wide-open calendar always has a further page.
	last := rows[len(rows)-1]
	assert.Contains(t, last.ID, "more:")

	// Paging advances past the cursor.
	d = f.dispatch(t, user, last.ID)
	assert.Equal(t, string(StateBrowseOtherTimes), user.ConversationState)
	list2 := d.Outbound[0].(whatsapp.List)
	assert.NotEqual(t, list.Action.Sections[0].Rows[0].ID, list2.Action.Sections[0].Rows[0].ID)

	// Selecting a slot books it.
	pick := list2.Action.Sections[0].Rows[0]
	d = f.dispatch(t, user, pick.ID)
	assert.Equal(t, string(StateMenu), user.ConversationState)
	assert.Nil(t, user.EntityID)

	appts, err := f.store.ListAppointments(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, appts, 1)
	slotStr := fmt.Sprintf("slot:%s", appts[0].StartsAt.Format(time.RFC3339))
	assert.Equal(t, slotStr, pick.ID)
}

func TestAppointmentInvalidReplyReprompts(t *testing.T) {
	f := setupFixture(t)
	f.insertProvider(t, "p1", "Dr Banda", store.RoleDoctor)
	user := f.onboardUser(t, "+265991111118")

	f.dispatch(t, user, "make_appointment")
	f.dispatch(t, user, "p1")
	f.dispatch(t, user, "checkup")
	d := f.dispatch(t, user, "maybe?")

	assert.Equal(t, string(StateConfirmDetails), user.ConversationState)
	require.Len(t, d.Outbound, 1)
	assert.IsType(t, whatsapp.Buttons{}, d.Outbound[0])
}

func TestAdminProvidersNotListed(t *testing.T) {
	f := setupFixture(t)
	f.insertProvider(t, "p1", "Dr Banda", store.RoleDoctor)
	f.insertProvider(t, "p2", "Grace Mwale", store.RoleAdmin)
	user := f.onboardUser(t, "+265991111119")

	d := f.dispatch(t, user, "make_appointment")
	list := d.Outbound[0].(whatsapp.List)
	rows := list.Action.Sections[0].Rows
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0].ID)
}

func TestDeterministicDecision(t *testing.T) {
	f := setupFixture(t)
	user := f.createUser(t, "+265991111120")

	d1 := f.dispatch(t, user, "body")
	d2 := f.dispatch(t, user, "body")

	assert.Equal(t, d1, d2)
}
