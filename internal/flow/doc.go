// ABOUTME: Package flow is the scripted conversation state machine
// ABOUTME: One handler per state, dispatched through a validated registry

// Package flow decides chatbot responses. Each conversation state has
// exactly one handler; the registry is validated at startup so a state
// cannot exist without one. Handlers are pure decisions over the loaded
// context plus writes through the claim transaction, which keeps every
// state transition atomic with its side effects.
package flow
