// ABOUTME: Package dispatcher claims inbound messages and drives replies
// ABOUTME: Atomic claims, per-message transactions, deploy-aware retries

// Package dispatcher is the conversation engine's outer loop. Each poll
// claims unhandled inbound messages one at a time through an atomic
// UPDATE...RETURNING, runs the state machine for each inside its own
// transaction, and sends the resulting messages through the gateway.
//
// A message that fails is annotated with the commit hash of the running
// deploy. The claim query skips messages annotated with the current hash,
// so a reproducible bug cannot loop, while a new deploy retries them
// automatically on the theory that the bug may have been fixed.
package dispatcher
