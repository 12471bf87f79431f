// Package transport provides the device-side HTTP transport.
//
// The control protocol is plain HTTP request/response with CBOR bodies:
//
//	┌────────────────────────────────┐
//	│      CBOR Messages             │
//	├────────────────────────────────┤
//	│   Protected Envelope (per      │
//	│   session, after the hello)    │
//	├────────────────────────────────┤
//	│         HTTP/1.1               │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// A device serves four routes, taken from its configured paths:
//
//   - GET  description: JSON description document, open to everyone
//   - POST hello: plain envelope, establishes a session
//   - POST control: protected envelope, action invocation
//   - POST event: protected envelope, subscription management
//
// # Fault layering
//
// The HTTP status reflects the transport outcome only. Whenever a
// session context exists the reply is a sealed envelope with status
// 200, even when it carries a protocol fault; a host that sent a
// well-protected but senseless payload still gets its answer under the
// session key. Requests that never reach a session (malformed
// envelope, unknown session, failed decryption, replayed offset) are
// answered with an HTTP error status and a plain fault body with
// request ID zero.
//
// # Notifications
//
// NotifySender pushes sealed EventNotification envelopes to the event
// URL a host registered at subscribe time. Its Send method satisfies
// the dispatcher's NotifyFunc, closing the loop: a host whose session
// is gone can no longer be notified, so its subscriptions burn their
// failure budget and expire.
package transport
