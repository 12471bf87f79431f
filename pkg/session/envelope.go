package session

import (
	"fmt"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Envelope is the protected frame carried over the control and event
// channels after the hello. Body holds the protected message bytes;
// Token carries the checksum in token mode and is absent in sealed
// mode.
type Envelope struct {
	SessionID string `cbor:"1,keyasint"`
	Body      []byte `cbor:"2,keyasint"`
	Token     []byte `cbor:"3,keyasint,omitempty"`
}

// Validate checks structural constraints before sealing or opening.
func (e *Envelope) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("envelope missing session ID")
	}
	if len(e.Body) == 0 {
		return fmt.Errorf("envelope missing body")
	}
	return nil
}

// ParseEnvelope decodes a protected frame without opening it. Callers
// route on SessionID before attempting to open.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := wire.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// envelopeAAD is the additional data authenticated alongside every
// protected body. Binding the session ID here stops a frame sealed for
// one session from being replayed under another.
type envelopeAAD struct {
	SessionID string `cbor:"1,keyasint"`
}

func sessionAAD(sessionID string) ([]byte, error) {
	aad, err := wire.Marshal(envelopeAAD{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("encoding aad: %w", err)
	}
	return aad, nil
}
