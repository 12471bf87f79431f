package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for IOTSCP messages.
// Configured for deterministic encoding so checksums over encoded bytes
// are reproducible.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for IOTSCP messages.
var decMode cbor.DecMode

func init() {
	var err error

	// Configure encoder for deterministic output
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical, // Deterministic key ordering
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix, // Unix timestamps
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Configure decoder to be lenient for forward compatibility.
	// Integers decode to int64 regardless of CBOR major type so that
	// argument and variable values compare as one Go type on both
	// sides of the wire.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet, // Ignore duplicate keys (last wins)
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		IntDec:            cbor.IntDecConvertSignedOrFail,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to deterministic CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a new CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a new CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// DecodeError reports wire data that could not be decoded: truncated,
// malformed, wrong version, or failing message validation. Decoding
// never silently coerces bad input.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "wire: " + e.Reason
	}
	return "wire: " + e.Reason + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause, if any.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErrorf(err error, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// validator is implemented by messages that check their own shape.
type validator interface {
	Validate() error
}

// Encode wraps a typed message in an envelope and encodes it. Encoding
// is deterministic and fails only for messages that do not validate or
// carry values CBOR cannot represent.
func Encode(msg Message) ([]byte, error) {
	if v, ok := msg.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", msg.MessageType(), err)
		}
	}
	payload, err := Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msg.MessageType(), err)
	}
	env := Envelope{
		Version: ProtocolVersion,
		Type:    msg.MessageType(),
		Payload: payload,
	}
	data, err := Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decoded is the result of decoding an envelope: the typed message plus
// the exact bytes it arrived in. Raw and Payload keep fields the typed
// struct does not know about, so checksums computed by newer peers still
// verify against them.
type Decoded struct {
	Version uint8
	Type    MessageType
	Message Message

	// Raw is the full envelope exactly as received.
	Raw []byte

	// Payload is the raw payload portion of the envelope.
	Payload cbor.RawMessage
}

// Decode parses an envelope and its typed payload. All failures are
// reported as a *DecodeError.
func Decode(data []byte) (*Decoded, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, decodeErrorf(err, "malformed envelope")
	}
	if env.Version != ProtocolVersion {
		return nil, decodeErrorf(nil, "unsupported protocol version %d", env.Version)
	}
	if !env.Type.IsValid() {
		return nil, decodeErrorf(nil, "unknown message type %d", uint8(env.Type))
	}
	if len(env.Payload) == 0 {
		return nil, decodeErrorf(nil, "missing payload")
	}

	msg := newMessage(env.Type)
	if err := Unmarshal(env.Payload, msg); err != nil {
		return nil, decodeErrorf(err, "malformed %s payload", env.Type)
	}
	if v, ok := msg.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, decodeErrorf(err, "invalid %s message", env.Type)
		}
	}

	return &Decoded{
		Version: env.Version,
		Type:    env.Type,
		Message: msg,
		Raw:     data,
		Payload: env.Payload,
	}, nil
}

// newMessage returns a zero value of the typed message for a message type.
func newMessage(t MessageType) Message {
	switch t {
	case TypeSearch:
		return &SearchRequest{}
	case TypeSearchReply:
		return &SearchResponse{}
	case TypeHello:
		return &HelloRequest{}
	case TypeHelloReply:
		return &HelloResponse{}
	case TypeControl:
		return &ControlRequest{}
	case TypeControlReply:
		return &ControlResponse{}
	case TypeEvent:
		return &EventRequest{}
	case TypeEventReply:
		return &EventResponse{}
	case TypeNotify:
		return &EventNotification{}
	default:
		return nil
	}
}

// PeekType examines envelope bytes and returns the message type without
// decoding the payload.
func PeekType(data []byte) (MessageType, error) {
	var header struct {
		Version uint8       `cbor:"1,keyasint"`
		Type    MessageType `cbor:"2,keyasint"`
	}
	if err := Unmarshal(data, &header); err != nil {
		return 0, decodeErrorf(err, "malformed envelope")
	}
	if !header.Type.IsValid() {
		return 0, decodeErrorf(nil, "unknown message type %d", uint8(header.Type))
	}
	return header.Type, nil
}

// Clone creates a deep copy of a value by re-encoding.
// Useful for copying messages without shared references.
func Clone[T any](v T) (T, error) {
	var result T
	data, err := Marshal(v)
	if err != nil {
		return result, err
	}
	err = Unmarshal(data, &result)
	return result, err
}

// Equal compares two values by their deterministic CBOR encoding.
func Equal(a, b any) bool {
	dataA, errA := Marshal(a)
	dataB, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(dataA, dataB)
}
