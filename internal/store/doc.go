// Package store provides SQLite-backed persistence for chat-engine.
//
// It holds conversation users and their dialogue state, inbound and outbound
// WhatsApp messages, scheduling records (requests, offered times,
// appointments), clinic facilities, and the event/listener tables used by the
// event processor.
//
// Two access levels exist: *Store methods run against the connection pool and
// are safe for reads and standalone writes; *Tx methods run inside a
// transaction obtained from Store.WithTx and are used wherever a state
// transition and its side-effect writes must commit atomically.
//
// The only concurrency-control primitive is ClaimNextMessage's atomic
// UPDATE ... RETURNING; see its documentation for the claim rule.
package store
