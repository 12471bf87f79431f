package wire

// ProtocolVersion is the envelope version this package encodes.
const ProtocolVersion uint8 = 1

// MessageType identifies the typed message carried by an envelope.
type MessageType uint8

const (
	// TypeSearch is a multicast discovery request.
	TypeSearch MessageType = 1

	// TypeSearchReply is a unicast discovery response.
	TypeSearchReply MessageType = 2

	// TypeHello is a session-establishment request.
	TypeHello MessageType = 3

	// TypeHelloReply is a session-establishment response.
	TypeHelloReply MessageType = 4

	// TypeControl is an action-invocation request.
	TypeControl MessageType = 5

	// TypeControlReply is an action-invocation response.
	TypeControlReply MessageType = 6

	// TypeEvent is a subscription-management request.
	TypeEvent MessageType = 7

	// TypeEventReply is a subscription-management response.
	TypeEventReply MessageType = 8

	// TypeNotify is a device-initiated state-change push.
	TypeNotify MessageType = 9
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeSearch:
		return "Search"
	case TypeSearchReply:
		return "SearchReply"
	case TypeHello:
		return "Hello"
	case TypeHelloReply:
		return "HelloReply"
	case TypeControl:
		return "Control"
	case TypeControlReply:
		return "ControlReply"
	case TypeEvent:
		return "Event"
	case TypeEventReply:
		return "EventReply"
	case TypeNotify:
		return "Notify"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the message type is a known IOTSCP type.
func (t MessageType) IsValid() bool {
	return t >= TypeSearch && t <= TypeNotify
}

// CipherMode selects the integrity mechanism a session uses.
// It is negotiated during the hello exchange.
type CipherMode uint8

const (
	// ModeSealed encrypts and authenticates message bodies (AEAD).
	ModeSealed CipherMode = 1

	// ModeToken leaves bodies in the clear and appends a keyed checksum
	// computed over the canonical bytes.
	ModeToken CipherMode = 2
)

// String returns the cipher mode name.
func (m CipherMode) String() string {
	switch m {
	case ModeSealed:
		return "sealed"
	case ModeToken:
		return "token"
	default:
		return "unknown"
	}
}

// IsValid returns true if the mode is a known cipher mode.
func (m CipherMode) IsValid() bool {
	return m == ModeSealed || m == ModeToken
}

// ParseCipherMode parses a mode name as used in configuration files.
func ParseCipherMode(s string) (CipherMode, bool) {
	switch s {
	case "sealed":
		return ModeSealed, true
	case "token":
		return ModeToken, true
	default:
		return 0, false
	}
}
