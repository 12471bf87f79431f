package discovery

import (
	"errors"
	"net"
	"time"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Multicast search constants.
const (
	// DefaultMulticastAddress is the well-known search group and port.
	DefaultMulticastAddress = "239.255.84.1:4410"

	// DefaultRejoinInterval is how often group membership is refreshed.
	DefaultRejoinInterval = 5 * time.Minute

	// DefaultSearchTimeout is how long a Finder collects responses.
	DefaultSearchTimeout = 3 * time.Second

	// MaxDatagramSize bounds search datagrams. Larger input is
	// truncated by the socket and will fail to decode.
	MaxDatagramSize = 1400
)

// mDNS announcement constants.
const (
	// MDNSServiceType is the DNS-SD service type for IOTSCP devices.
	MDNSServiceType = "_iotscp._tcp"

	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local"

	// MDNSDefaultTTL is the DNS record TTL.
	MDNSDefaultTTL = 120 * time.Second

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// TXT record keys.
	TXTKeyDeviceID   = "id"   // certificate fingerprint
	TXTKeyDeviceType = "urn"  // device type URN
	TXTKeyPath       = "path" // description document path
)

// Discovery errors.
var (
	ErrNoInterfaces    = errors.New("no multicast-capable interface could be joined")
	ErrAlreadyStarted  = errors.New("responder already started")
	ErrStopped         = errors.New("responder is stopped")
	ErrInvalidFilter   = errors.New("invalid filter expression")
	ErrNotFound        = errors.New("device not found")
	ErrMissingDevice   = errors.New("device must not be nil")
	ErrMissingDeviceID = errors.New("device id must not be empty")
	ErrMissingURL      = errors.New("control url must not be empty")
)

// State represents the responder's lifecycle state.
type State uint8

const (
	// StateIdle - responder created, socket not yet open.
	StateIdle State = iota

	// StateListening - group joined, waiting for search requests.
	StateListening

	// StateResponding - a matching request is being answered.
	StateResponding

	// StateStopped - responder shut down. Terminal.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateResponding:
		return "RESPONDING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Service is one device discovered through a search.
type Service struct {
	// DeviceID is the device's certificate fingerprint.
	DeviceID string

	// DeviceType is the device type URN.
	DeviceType string

	// ControlURL is where the device's control surface is reachable.
	ControlURL string

	// Capabilities summarizes the device's actions and variables.
	Capabilities wire.CapabilitySummary

	// Addr is the source address the response arrived from.
	Addr net.Addr
}

// multicastInterfaces returns the system interfaces eligible for group
// membership: up, multicast-capable and not loopback.
func multicastInterfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	eligible := make([]net.Interface, 0, len(all))
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		if ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		eligible = append(eligible, ifi)
	}
	return eligible, nil
}
