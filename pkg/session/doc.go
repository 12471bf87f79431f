// Package session turns a shared certificate into per-session
// confidentiality and integrity for IOTSCP exchanges.
//
// # Key Derivation
//
// Both peers independently derive the same session key from the
// certificate, a key offset selecting a segment, and an exchange nonce.
// DeriveSessionKey is a pure function: identical inputs always yield an
// identical key, with no state shared between the peers beyond the
// certificate itself.
//
// # Cipher Modes
//
// Two interchangeable integrity mechanisms sit behind the Cipher
// interface, selected per deployment during the hello exchange:
//   - sealed: bodies are encrypted and authenticated (ChaCha20-Poly1305)
//   - token: bodies stay cleartext and carry an HMAC-SHA256 checksum
//     computed over the canonical bytes
//
// # Offset Resolution
//
// How a key offset is chosen and validated is a strategy behind the
// OffsetResolver interface. TransmittedResolver sends the offset with
// the hello and guards a per-peer replay window; CounterResolver derives
// offsets from a monotonic counter both sides track, so nothing needs to
// be transmitted at all.
//
// # Session Lifecycle
//
// A device-side Manager owns all live sessions, holds at most one per
// peer, and reaps idle sessions on a periodic sweep. A session never
// outlives the logical connection that created it; rotation means a new
// hello with a fresh offset.
package session
