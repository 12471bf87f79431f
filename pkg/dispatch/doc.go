// Package dispatch is the authenticated request surface of a device:
// control invocations and change subscriptions against one device
// model.
//
// # Invocation
//
// Invoke resolves the named action, validates the arguments against
// the registered schema and runs the handler with a per-call timeout
// and a panic guard. Every outcome is a ControlResponse: unknown
// actions, bad arguments and handler failures come back as faults,
// never as a crashed process.
//
// # Subscriptions
//
// Subscribe registers a host's event URL for a set of variables and
// returns an initial snapshot notification with sequence number 1.
// Variable changes fan out through Publish; each subscription has a
// worker goroutine delivering its queue in order, so per-subscription
// sequence numbers arrive strictly increasing. Subscriptions end by
// Unsubscribe, TTL expiry (reaped by a periodic sweep) or too many
// delivery failures. Device-initiated terminations are silent: the
// host only notices when renewal fails.
package dispatch
