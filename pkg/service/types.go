package service

import (
	"errors"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Service errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadyStarted = errors.New("service already started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// ServiceState represents the service state.
type ServiceState uint8

const (
	// StateIdle - service created but not started.
	StateIdle ServiceState = iota

	// StateStarting - service is starting up.
	StateStarting

	// StateRunning - service is running normally.
	StateRunning

	// StateStopping - service is shutting down.
	StateStopping

	// StateStopped - service has stopped.
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Event types for service callbacks.
type EventType uint8

const (
	// EventStarted - the service is up and serving.
	EventStarted EventType = iota

	// EventDiscoveryRequest - a search was answered.
	EventDiscoveryRequest

	// EventSessionEstablished - a host completed the hello exchange.
	EventSessionEstablished

	// EventActionInvoked - an action invocation completed.
	EventActionInvoked

	// EventSubscribed - a subscription was accepted.
	EventSubscribed

	// EventSubscriptionExpired - a subscription ended device-side.
	EventSubscriptionExpired

	// EventStopped - the service has shut down.
	EventStopped
)

// String returns the event type name.
func (e EventType) String() string {
	switch e {
	case EventStarted:
		return "STARTED"
	case EventDiscoveryRequest:
		return "DISCOVERY_REQUEST"
	case EventSessionEstablished:
		return "SESSION_ESTABLISHED"
	case EventActionInvoked:
		return "ACTION_INVOKED"
	case EventSubscribed:
		return "SUBSCRIBED"
	case EventSubscriptionExpired:
		return "SUBSCRIPTION_EXPIRED"
	case EventStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Event represents a service event.
type Event struct {
	// Type is the event type.
	Type EventType

	// Addr is the control server's bound address (EventStarted).
	Addr string

	// Target is the searched device type (EventDiscoveryRequest).
	Target string

	// RemoteAddr is the peer's network address (EventDiscoveryRequest).
	RemoteAddr string

	// SessionID identifies the session (session and subscription
	// events).
	SessionID string

	// PeerID is the host's identifier (EventSessionEstablished).
	PeerID string

	// Action is the invoked action name (EventActionInvoked).
	Action string

	// Status is the invocation outcome (EventActionInvoked).
	Status wire.Status

	// SubscriptionID identifies the subscription (subscription events).
	SubscriptionID string

	// Variables is the watched variable set (subscription events).
	Variables []string

	// Reason is why a subscription ended (EventSubscriptionExpired).
	Reason string
}

// EventHandler handles service events.
type EventHandler func(Event)
