// Package model holds the device-side registry the protocol operates
// against: the device identity, its invocable actions, and its
// observable state variables.
//
// # Structure
//
// A Device carries a flat set of named Actions and Variables. Actions
// bind an argument schema to a typed handler and are validated at
// registration, not at invocation. Variables hold typed current values
// and fire change hooks that feed the notification pipeline.
//
// # Validation
//
// Names, paths, and URNs are restricted to printable ASCII and checked
// when they enter the registry. Values are checked against the
// declared ValueType using the Go types CBOR decoding produces.
package model
