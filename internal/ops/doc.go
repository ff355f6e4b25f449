// ABOUTME: Package ops is the operator HTTP surface of the chat engine
// ABOUTME: Health, Prometheus metrics, and recovery of parked work items

// Package ops serves the small operator API: health and metrics without
// authentication, and bearer-token endpoints to inspect and recover parked
// work. Parked work comes in two forms: event listeners that hit the retry
// ceiling, and inbound messages annotated with the current deploy's commit
// hash after a handler or gateway failure.
package ops
