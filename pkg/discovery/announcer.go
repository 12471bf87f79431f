package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AnnouncerConfig configures the optional mDNS announcement.
type AnnouncerConfig struct {
	// InstanceName is the service instance name, normally the device
	// name. Defaults to the device ID; truncated to the DNS label
	// limit.
	InstanceName string

	// DeviceID is the certificate fingerprint (TXT "id").
	DeviceID string

	// DeviceType is the device type URN (TXT "urn").
	DeviceType string

	// Port is the control server port.
	Port int

	// Path is the description document path (TXT "path").
	Path string

	// Interface restricts the announcement to one interface by name.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL. Default: MDNSDefaultTTL.
	TTL time.Duration
}

// Announcer publishes the device over DNS-SD so generic service
// browsers can see it. The native search protocol stays authoritative.
type Announcer struct {
	config AnnouncerConfig

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAnnouncer creates an Announcer.
func NewAnnouncer(config AnnouncerConfig) (*Announcer, error) {
	if config.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	if config.Port <= 0 {
		return nil, fmt.Errorf("invalid announce port: %d", config.Port)
	}
	if config.InstanceName == "" {
		config.InstanceName = config.DeviceID
	}
	if len(config.InstanceName) > MaxInstanceNameLen {
		config.InstanceName = config.InstanceName[:MaxInstanceNameLen]
	}
	if config.TTL <= 0 {
		config.TTL = MDNSDefaultTTL
	}
	return &Announcer{config: config}, nil
}

// Start registers the _iotscp._tcp service. A running announcement is
// replaced.
func (a *Announcer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	txt := []string{
		TXTKeyDeviceID + "=" + a.config.DeviceID,
		TXTKeyDeviceType + "=" + a.config.DeviceType,
		TXTKeyPath + "=" + a.config.Path,
	}

	opts := []zeroconf.ServerOption{
		zeroconf.TTL(uint32(a.config.TTL.Seconds())),
	}

	server, err := zeroconf.Register(
		a.config.InstanceName,
		MDNSServiceType,
		MDNSDomain,
		a.config.Port,
		txt,
		a.interfaces(),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	return nil
}

// Stop withdraws the announcement. Safe to call when not started.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// interfaces returns the interfaces to announce on. Nil means all.
func (a *Announcer) interfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}
	ifi, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*ifi}
}
