// ABOUTME: Package events delivers domain events to named listeners
// ABOUTME: At-least-once, per-listener backoff, parked at the retry ceiling

// Package events implements the generic event fan-out. Events are stored
// rows; a first phase expands each into one work item per registered
// listener, and a second phase runs every due item in its own transaction.
//
// Failures are isolated per listener and retried with exponential backoff.
// After three failed attempts the listener is parked with no scheduled
// retry; an operator can unblock it, which allows further attempts without
// the error count ever passing the ceiling.
package events
