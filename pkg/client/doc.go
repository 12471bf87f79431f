// Package client implements the host side of the IOTSCP protocol.
//
// A Client is bound to one device. Connect fetches the device's
// description document to learn its request paths, Hello establishes a
// session from the shared certificate, and Invoke/Subscribe/Renew/
// Unsubscribe drive the control and event surfaces over it. Responses
// are correlated to requests by request ID; a reply carrying the wrong
// ID is reported as ErrCorrelationMismatch rather than trusted.
//
// Protocol faults are not errors in the Go sense: Invoke and the
// subscription operations return them as a separate *wire.Fault value
// so callers can distinguish "the device said no" from "the exchange
// failed".
//
// NotifyReceiver is the host's listening half: an HTTP endpoint
// accepting sealed notification pushes, opening them with the
// registered sessions, and handing them to a callback in arrival
// order. It tracks the last sequence number per subscription and
// flags skips with a GapError so hosts notice dropped notifications.
package client
