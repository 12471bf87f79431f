// Package persistence provides runtime state persistence for IOTSCP devices.
//
// This package handles serialization of device runtime state (the last
// known value of every state variable) that must survive restarts. State
// files use the same CBOR codec the protocol uses on the wire, so values
// restore with their wire types intact. Certificate storage is handled
// separately by the cert package's FileStore.
package persistence
