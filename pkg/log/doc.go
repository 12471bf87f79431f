// Package log provides structured protocol capture for IOTSCP.
//
// This package defines the Logger interface and Event types for
// recording protocol-level events across the discovery, session,
// dispatch, and transport layers. It is separate from operational
// logging (slog): protocol capture produces a complete machine-readable
// trace of what crossed the wire and why requests were answered,
// dropped, or faulted.
//
// # Basic Usage
//
// Applications configure capture by providing a Logger implementation:
//
//	// For development: mirror events into slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write a binary capture file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/iotscp/device.iolog")
//
//	// Both at once
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Every Event names its layer and category. Message events carry the
// decoded request/response identifiers; state events record lifecycle
// transitions; drop events record silently discarded input (malformed
// discovery probes, replayed offsets); error events record failures
// that did not produce a wire response.
//
// # File Format
//
// Capture files are a raw concatenation of CBOR-encoded events with
// the .iolog extension. Reader streams them back, optionally filtered.
package log
