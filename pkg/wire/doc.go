// Package wire defines the CBOR wire format types for the IOTSCP protocol.
//
// IOTSCP uses CBOR (RFC 8949) with integer keys for compact encoding.
// Discovery messages travel as single UDP datagrams; control, event and
// notify messages travel as HTTP bodies, wrapped in a secure envelope by
// the session layer once a session is established.
//
// # Message Families
//
// There are three wire families plus session establishment:
//   - Search/SearchReply: multicast discovery request and unicast reply
//   - Hello/HelloReply: session establishment
//   - Control/ControlReply: action invocation
//   - Event/EventReply and Notify: subscription management and pushes
//
// # Envelope
//
// Every message is wrapped in a versioned envelope {1: version, 2: type,
// 3: payload} where payload is the raw CBOR encoding of the typed message.
//
// # Forward Compatibility
//
// Encoding is deterministic (canonical key order, definite lengths) so
// checksums over encoded bytes are reproducible. Decoding is lenient:
// fields this decoder does not know are ignored by the typed structs but
// survive in the envelope's raw payload bytes, which is what tokens and
// checksums cover. A message signed by a newer sender therefore still
// verifies on an older receiver.
package wire
