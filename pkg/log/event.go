package log

import (
	"time"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Event is one protocol event captured at any layer. CBOR encoding
// uses integer keys so capture files stay compact.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the established session, when one exists.
	// Discovery traffic and hello exchanges have none.
	SessionID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates message flow relative to the local side.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// LocalRole indicates whether this side is a device or host.
	LocalRole Role `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port), when known.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// DeviceID is the device identifier the event concerns.
	DeviceID string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Message     *MessageEvent     `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Drop        *DropEvent        `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerDiscovery is the multicast search/reply layer.
	LayerDiscovery Layer = 0
	// LayerSession is the hello and crypto layer.
	LayerSession Layer = 1
	// LayerDispatch is the control/subscription layer.
	LayerDispatch Layer = 2
	// LayerTransport is the HTTP body layer.
	LayerTransport Layer = 3
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerDiscovery:
		return "DISCOVERY"
	case LayerSession:
		return "SESSION"
	case LayerDispatch:
		return "DISPATCH"
	case LayerTransport:
		return "TRANSPORT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message was sent or received.
	CategoryMessage Category = 0
	// CategoryState indicates a lifecycle state change.
	CategoryState Category = 1
	// CategoryDrop indicates input discarded without a response.
	CategoryDrop Category = 2
	// CategoryError indicates a failure that produced no wire response.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryDrop:
		return "DROP"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role indicates whether the local endpoint is a device or host.
type Role uint8

const (
	// RoleDevice indicates this side serves control requests.
	RoleDevice Role = 0
	// RoleHost indicates this side issues control requests.
	RoleHost Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "DEVICE"
	case RoleHost:
		return "HOST"
	default:
		return "UNKNOWN"
	}
}

// MessageEvent captures one decoded protocol message.
type MessageEvent struct {
	// Type is the wire message type.
	Type wire.MessageType `cbor:"1,keyasint"`

	// RequestID correlates request/response pairs (0 for one-way
	// messages).
	RequestID uint32 `cbor:"2,keyasint,omitempty"`

	// Action names the invoked action (control messages).
	Action string `cbor:"3,keyasint,omitempty"`

	// Op is the subscription operation (event messages).
	Op *wire.EventOp `cbor:"4,keyasint,omitempty"`

	// Status is the response status (responses only).
	Status *wire.Status `cbor:"5,keyasint,omitempty"`

	// SubscriptionID correlates subscription traffic.
	SubscriptionID string `cbor:"6,keyasint,omitempty"`

	// Sequence is the notification sequence number (notify only).
	Sequence uint64 `cbor:"7,keyasint,omitempty"`

	// Size is the encoded message size in bytes.
	Size int `cbor:"8,keyasint,omitempty"`

	// ProcessingTime is the request-to-response duration (responses
	// only). Stored as nanoseconds.
	ProcessingTime *time.Duration `cbor:"9,keyasint,omitempty"`
}

// StateChangeEvent captures lifecycle transitions.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntitySession indicates a session lifecycle change.
	StateEntitySession StateEntity = 0
	// StateEntitySubscription indicates a subscription lifecycle change.
	StateEntitySubscription StateEntity = 1
	// StateEntityDiscovery indicates a discovery responder change.
	StateEntityDiscovery StateEntity = 2
	// StateEntityService indicates a service lifecycle change.
	StateEntityService StateEntity = 3
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntitySubscription:
		return "SUBSCRIPTION"
	case StateEntityDiscovery:
		return "DISCOVERY"
	case StateEntityService:
		return "SERVICE"
	default:
		return "UNKNOWN"
	}
}

// DropEvent captures input discarded without a response: malformed
// discovery probes, unknown-session envelopes, replayed offsets.
type DropEvent struct {
	// Reason describes why the input was dropped.
	Reason string `cbor:"1,keyasint"`

	// Size is the discarded input size in bytes.
	Size int `cbor:"2,keyasint,omitempty"`
}

// ErrorEventData captures failures that produced no wire response.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
