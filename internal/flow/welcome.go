// ABOUTME: Welcome and onboarded-menu handlers routing top-level choices
// ABOUTME: Buttons route to onboarding, appointments, or facility lookup

package flow

import (
	"context"

	"github.com/chipatala/chat-engine/internal/whatsapp"
)

// Button ids shared by the welcome and onboarded menus.
const (
	choiceGetChecked      = "get_checked"
	choiceMakeAppointment = "make_appointment"
	choiceFindFacility    = "find_nearest_facility"
)

const shareLocationPrompt = "Sure, we can find your nearest facility. Can you share your location?"

func welcomeMenu() whatsapp.Buttons {
	return whatsapp.NewButtons(
		"Hi, welcome to Chipatala Cha Pa Foni. What would you like to do today?",
		"Menu",
		[]whatsapp.ButtonOption{
			{ID: choiceGetChecked, Title: "Get Checked"},
			{ID: choiceMakeAppointment, Title: "Make an Appointment"},
			{ID: choiceFindFacility, Title: "Find Nearest Facility"},
		},
	)
}

func onboardedMenu() whatsapp.Buttons {
	return whatsapp.NewButtons(
		"What would you like to do next?",
		"Menu",
		[]whatsapp.ButtonOption{
			{ID: choiceMakeAppointment, Title: "Make an Appointment"},
			{ID: choiceFindFacility, Title: "Find Nearest Facility"},
		},
	)
}

type welcomeHandler struct{}

func (h *welcomeHandler) State() State { return StateWelcome }

func (h *welcomeHandler) Handle(_ context.Context, c *Context, in Incoming) (Decision, error) {
	switch in.Body {
	case choiceGetChecked:
		return Decision{
			Next:     StateEnterFullName,
			Outbound: []whatsapp.Descriptor{whatsapp.NewText("Great, let's get you checked. What is your full name?")},
		}, nil
	case choiceMakeAppointment:
		return providerListDecision(c)
	case choiceFindFacility:
		return Decision{
			Next:     StateShareLocation,
			Outbound: []whatsapp.Descriptor{whatsapp.NewText(shareLocationPrompt)},
		}, nil
	default:
		// Anything else, including the very first message, gets the menu.
		return Decision{
			Next:     StateWelcome,
			Outbound: []whatsapp.Descriptor{welcomeMenu()},
		}, nil
	}
}

type menuHandler struct{}

func (h *menuHandler) State() State { return StateMenu }

func (h *menuHandler) Handle(_ context.Context, c *Context, in Incoming) (Decision, error) {
	switch in.Body {
	case choiceMakeAppointment:
		return providerListDecision(c)
	case choiceFindFacility:
		return Decision{
			Next:     StateShareLocation,
			Outbound: []whatsapp.Descriptor{whatsapp.NewText(shareLocationPrompt)},
		}, nil
	default:
		return Decision{
			Next:     StateMenu,
			Outbound: []whatsapp.Descriptor{onboardedMenu()},
		}, nil
	}
}
