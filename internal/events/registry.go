// ABOUTME: Event listener registry: declared types mapped to named handlers
// ABOUTME: Validated at startup so no event type ships without a listener set

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chipatala/chat-engine/internal/store"
)

// Payload is the stored event as a handler sees it.
type Payload struct {
	ID   string
	Type string
	Data json.RawMessage
}

// HandlerFunc runs one listener for one event, inside its own transaction.
// Returning an error schedules a retry with backoff.
type HandlerFunc func(ctx context.Context, tx *store.Tx, ev Payload) error

// Registration binds one named listener to one event type.
type Registration struct {
	EventType    string
	ListenerName string
	Handler      HandlerFunc
}

// Registry maps event types to their listener sets. Every event type the
// system emits must be declared, even with an empty listener set, so a typo
// in an emitted type is caught as an unexpandable event rather than silently
// dropped work.
type Registry struct {
	declared map[string]bool
	regs     []Registration
}

// NewRegistry builds a registry from declared types and registrations.
func NewRegistry(declaredTypes []string, regs []Registration) *Registry {
	r := &Registry{declared: make(map[string]bool, len(declaredTypes)), regs: regs}
	for _, t := range declaredTypes {
		r.declared[t] = true
	}
	return r
}

// Validate checks the registration table: no duplicate (type, name) pair, a
// handler for every registration, and every registration under a declared
// type.
func (r *Registry) Validate() error {
	seen := make(map[[2]string]bool, len(r.regs))
	for _, reg := range r.regs {
		if reg.Handler == nil {
			return fmt.Errorf("listener %q for %q has no handler", reg.ListenerName, reg.EventType)
		}
		if !r.declared[reg.EventType] {
			return fmt.Errorf("listener %q references undeclared event type %q", reg.ListenerName, reg.EventType)
		}
		key := [2]string{reg.EventType, reg.ListenerName}
		if seen[key] {
			return fmt.Errorf("duplicate listener %q for event type %q", reg.ListenerName, reg.EventType)
		}
		seen[key] = true
	}
	return nil
}

// ListenerNames returns the registered names for a type and whether the type
// is declared at all.
func (r *Registry) ListenerNames(eventType string) ([]string, bool) {
	if !r.declared[eventType] {
		return nil, false
	}
	var names []string
	for _, reg := range r.regs {
		if reg.EventType == eventType {
			names = append(names, reg.ListenerName)
		}
	}
	return names, true
}

// HandlerFor resolves one listener's handler.
func (r *Registry) HandlerFor(eventType, listenerName string) (HandlerFunc, bool) {
	for _, reg := range r.regs {
		if reg.EventType == eventType && reg.ListenerName == listenerName {
			return reg.Handler, true
		}
	}
	return nil, false
}
