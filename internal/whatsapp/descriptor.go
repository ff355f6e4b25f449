// ABOUTME: Outbound message descriptors for the WhatsApp gateway
// ABOUTME: Tagged JSON shapes: string, buttons, list, and location messages

package whatsapp

import (
	"encoding/json"
	"strings"
)

// Kind tags the rendering of an outbound message.
type Kind string

const (
	KindString   Kind = "string"
	KindButtons  Kind = "buttons"
	KindList     Kind = "list"
	KindLocation Kind = "location"
)

// Descriptor is one outbound message in the shape the gateway expects.
// The concrete types marshal to the gateway's tagged JSON envelope.
type Descriptor interface {
	Kind() Kind
	// Summary returns the human-readable body, used when recording the
	// outbound message.
	Summary() string
}

// Text is a plain text message.
type Text struct {
	Type        Kind   `json:"type"`
	MessageBody string `json:"messageBody"`
}

// NewText builds a plain text descriptor.
func NewText(body string) Text {
	return Text{Type: KindString, MessageBody: body}
}

func (t Text) Kind() Kind      { return KindString }
func (t Text) Summary() string { return t.MessageBody }

// ButtonOption is one reply button.
type ButtonOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Buttons is a message with up to three quick-reply buttons.
type Buttons struct {
	Type        Kind           `json:"type"`
	MessageBody string         `json:"messageBody"`
	ButtonText  string         `json:"buttonText"`
	Options     []ButtonOption `json:"options"`
}

// NewButtons builds a quick-reply button descriptor.
func NewButtons(body, buttonText string, options []ButtonOption) Buttons {
	return Buttons{Type: KindButtons, MessageBody: body, ButtonText: buttonText, Options: options}
}

func (b Buttons) Kind() Kind      { return KindButtons }
func (b Buttons) Summary() string { return b.MessageBody }

// ListRow is one selectable row in a list message.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ListSection groups rows under a title.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// ListAction holds the list button label and its sections.
type ListAction struct {
	Button   string        `json:"button"`
	Sections []ListSection `json:"sections"`
}

// List is an interactive list message.
type List struct {
	Type        Kind       `json:"type"`
	HeaderText  string     `json:"headerText"`
	MessageBody string     `json:"messageBody"`
	Action      ListAction `json:"action"`
}

// NewList builds an interactive list descriptor.
func NewList(header, body, button string, sections []ListSection) List {
	return List{
		Type:        KindList,
		HeaderText:  header,
		MessageBody: body,
		Action:      ListAction{Button: button, Sections: sections},
	}
}

func (l List) Kind() Kind      { return KindList }
func (l List) Summary() string { return l.MessageBody }

// Coordinates is a shared latitude/longitude pair.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationPayload is the pin attached to a location message.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
}

// Location is a message carrying a map pin.
type Location struct {
	Type        Kind            `json:"type"`
	MessageBody string          `json:"messageBody"`
	Location    LocationPayload `json:"location"`
}

// NewLocation builds a location descriptor.
func NewLocation(body string, loc LocationPayload) Location {
	return Location{Type: KindLocation, MessageBody: body, Location: loc}
}

func (l Location) Kind() Kind      { return KindLocation }
func (l Location) Summary() string { return l.MessageBody }

// SummarizeAll joins descriptor summaries for storage against a single
// outbound record.
func SummarizeAll(msgs []Descriptor) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Summary())
	}
	return strings.Join(parts, "\n")
}

// ParseLocationInput decodes a location reply body of the form
// {"latitude":-17.83,"longitude":31.05}. Returns false when the body is not a
// location payload.
func ParseLocationInput(body string) (Coordinates, bool) {
	// Lenient on purpose: real payloads carry extra fields like name.
	var c Coordinates
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return Coordinates{}, false
	}
	if c.Latitude == 0 && c.Longitude == 0 {
		return Coordinates{}, false
	}
	if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
		return Coordinates{}, false
	}
	return c, true
}

// ensure the concrete types satisfy Descriptor
var (
	_ Descriptor = Text{}
	_ Descriptor = Buttons{}
	_ Descriptor = List{}
	_ Descriptor = Location{}
)
