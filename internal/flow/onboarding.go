// ABOUTME: Onboarding handlers collecting the patient's intake demographics
// ABOUTME: Full name, gender, and date of birth, each validated with a re-prompt

package flow

import (
	"context"
	"strings"
	"time"

	"github.com/chipatala/chat-engine/internal/whatsapp"
)

const dateOfBirthLayout = "2006-01-02"

func genderPrompt() whatsapp.Buttons {
	return whatsapp.NewButtons(
		"Thanks. What is your gender?",
		"Gender",
		[]whatsapp.ButtonOption{
			{ID: "male", Title: "Male"},
			{ID: "female", Title: "Female"},
			{ID: "other", Title: "Other"},
		},
	)
}

type fullNameHandler struct{}

func (h *fullNameHandler) State() State { return StateEnterFullName }

func (h *fullNameHandler) Handle(ctx context.Context, c *Context, in Incoming) (Decision, error) {
	name := strings.TrimSpace(in.Body)
	if name == "" || in.HasMedia {
		return Decision{
			Next:     StateEnterFullName,
			Outbound: []whatsapp.Descriptor{whatsapp.NewText("Please type your full name.")},
		}, nil
	}
	if err := c.Tx.SaveFullName(ctx, c.User.ID, name); err != nil {
		return Decision{}, err
	}
	return Decision{
		Next:     StateEnterGender,
		Outbound: []whatsapp.Descriptor{genderPrompt()},
	}, nil
}

type genderHandler struct{}

func (h *genderHandler) State() State { return StateEnterGender }

func (h *genderHandler) Handle(ctx context.Context, c *Context, in Incoming) (Decision, error) {
	switch in.Body {
	case "male", "female", "other":
	default:
		return Decision{
			Next:     StateEnterGender,
			Outbound: []whatsapp.Descriptor{genderPrompt()},
		}, nil
	}
	if err := c.Tx.SaveGender(ctx, c.User.ID, in.Body); err != nil {
		return Decision{}, err
	}
	return Decision{
		Next:     StateEnterDateOfBirth,
		Outbound: []whatsapp.Descriptor{whatsapp.NewText("What is your date of birth? Please use the format YYYY-MM-DD.")},
	}, nil
}

type dateOfBirthHandler struct{}

func (h *dateOfBirthHandler) State() State { return StateEnterDateOfBirth }

func (h *dateOfBirthHandler) Handle(ctx context.Context, c *Context, in Incoming) (Decision, error) {
	body := strings.TrimSpace(in.Body)
	dob, err := time.Parse(dateOfBirthLayout, body)
	if err != nil || dob.After(time.Now()) {
		return Decision{
			Next:     StateEnterDateOfBirth,
			Outbound: []whatsapp.Descriptor{whatsapp.NewText("Sorry, that doesn't look like a date. Please use the format YYYY-MM-DD, for example 1990-06-15.")},
		}, nil
	}
	if err := c.Tx.SaveDateOfBirth(ctx, c.User.ID, body); err != nil {
		return Decision{}, err
	}
	if _, err := c.Tx.InsertEvent(ctx, "patient_onboarded", map[string]string{"user_id": c.User.ID}); err != nil {
		return Decision{}, err
	}
	return Decision{
		Next: StateMenu,
		Outbound: []whatsapp.Descriptor{
			whatsapp.NewText("You're all set. Thanks for registering!"),
			onboardedMenu(),
		},
	}, nil
}
