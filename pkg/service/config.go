package service

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/session"
	"github.com/iotscp/iotscp-go/pkg/transport"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Certificate store defaults.
const (
	DefaultCertificateDir  = "certificates"
	DefaultCertificateName = "device"
)

// DeviceConfig configures a DeviceService. The zero value is usable
// for a loopback device; DefaultDeviceConfig fills the store paths and
// port most deployments want.
type DeviceConfig struct {
	// Name is the device name for the mDNS instance. Defaults to the
	// device model's name.
	Name string

	// Type is the device type URN for discovery. Defaults to the
	// device model's type.
	Type string

	// Port is the control server port. 0 means transport.DefaultPort.
	Port int

	// Address overrides Port with a full listen address, e.g.
	// "127.0.0.1:0".
	Address string

	// AdvertiseHost is the host other devices should contact. When
	// empty the listen address is used if concrete, else the first
	// usable unicast address.
	AdvertiseHost string

	// CertificateDir is the certificate store directory.
	CertificateDir string

	// CertificateName is the certificate name within the store. A
	// missing certificate is generated and saved on first start.
	CertificateName string

	// Certificate bypasses the store entirely (optional).
	Certificate *cert.Certificate

	// StateFile persists variable values across restarts. When set,
	// the saved snapshot is restored on Start and rewritten on Stop.
	// Empty disables persistence.
	StateFile string

	// MulticastAddress is the search group ("ip:port"). Empty means
	// discovery.DefaultMulticastAddress.
	MulticastAddress string

	// RejoinInterval is how often multicast group membership is
	// refreshed.
	RejoinInterval time.Duration

	// DisableDiscovery turns the multicast search responder off.
	DisableDiscovery bool

	// EnableMDNS additionally announces the device over DNS-SD.
	EnableMDNS bool

	// Mode restricts the cipher modes offered during session
	// negotiation: "sealed", "token", or empty for both.
	Mode string

	// OffsetStrategy selects how exchange offsets are vetted:
	// "transmitted" (default) or "counter".
	OffsetStrategy string

	// MaxSubscriptions caps live subscriptions.
	MaxSubscriptions int

	// FailureThreshold is how many consecutive notification failures
	// expire a subscription.
	FailureThreshold int

	// InvokeTimeout bounds one action handler run.
	InvokeTimeout time.Duration

	// SweepInterval is how often expired subscriptions and idle
	// sessions are reaped.
	SweepInterval time.Duration

	// SessionTTL is the idle lifetime of a session.
	SessionTTL time.Duration

	// Logger is the optional logger for debug output.
	Logger *slog.Logger

	// ProtocolLogger receives protocol capture events (optional).
	ProtocolLogger log.Logger
}

// DefaultDeviceConfig returns a DeviceConfig with sensible defaults.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Port:            transport.DefaultPort,
		CertificateDir:  DefaultCertificateDir,
		CertificateName: DefaultCertificateName,
	}
}

// Validate checks if the device config is valid.
func (c *DeviceConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	switch c.Mode {
	case "", "sealed", "token":
	default:
		return fmt.Errorf("%w: unknown cipher mode %q", ErrInvalidConfig, c.Mode)
	}
	switch c.OffsetStrategy {
	case "", "transmitted", "counter":
	default:
		return fmt.Errorf("%w: unknown offset strategy %q", ErrInvalidConfig, c.OffsetStrategy)
	}
	if c.MaxSubscriptions < 0 {
		return fmt.Errorf("%w: negative subscription cap", ErrInvalidConfig)
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("%w: negative failure threshold", ErrInvalidConfig)
	}
	if c.InvokeTimeout < 0 || c.SweepInterval < 0 || c.SessionTTL < 0 || c.RejoinInterval < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

// modes returns the cipher mode preference order for negotiation.
func (c *DeviceConfig) modes() []wire.CipherMode {
	switch c.Mode {
	case "sealed":
		return []wire.CipherMode{wire.ModeSealed}
	case "token":
		return []wire.CipherMode{wire.ModeToken}
	default:
		return []wire.CipherMode{wire.ModeSealed, wire.ModeToken}
	}
}

// resolver returns a fresh offset resolver for the configured
// strategy.
func (c *DeviceConfig) resolver() session.OffsetResolver {
	if c.OffsetStrategy == "counter" {
		return session.NewCounterResolver(0)
	}
	return session.NewTransmittedResolver()
}

// listenAddress returns the TCP address the control server binds.
func (c *DeviceConfig) listenAddress() string {
	if c.Address != "" {
		return c.Address
	}
	port := c.Port
	if port == 0 {
		port = transport.DefaultPort
	}
	return fmt.Sprintf(":%d", port)
}

// configFile mirrors DeviceConfig for YAML parsing. Durations are
// strings in Go duration syntax ("90s", "5m").
type configFile struct {
	Name             string `yaml:"name"`
	Type             string `yaml:"type"`
	Port             int    `yaml:"port"`
	Address          string `yaml:"address"`
	AdvertiseHost    string `yaml:"advertiseHost"`
	CertificateDir   string `yaml:"certificateDir"`
	CertificateName  string `yaml:"certificateName"`
	StateFile        string `yaml:"stateFile"`
	MulticastAddress string `yaml:"multicastAddress"`
	RejoinInterval   string `yaml:"rejoinInterval"`
	DisableDiscovery bool   `yaml:"disableDiscovery"`
	EnableMDNS       bool   `yaml:"enableMDNS"`
	Mode             string `yaml:"mode"`
	OffsetStrategy   string `yaml:"offsetStrategy"`
	MaxSubscriptions int    `yaml:"maxSubscriptions"`
	FailureThreshold int    `yaml:"failureThreshold"`
	InvokeTimeout    string `yaml:"invokeTimeout"`
	SweepInterval    string `yaml:"sweepInterval"`
	SessionTTL       string `yaml:"sessionTTL"`
}

// LoadConfig reads a YAML device configuration from path. Missing keys
// keep their defaults; the result still needs Validate (New runs it).
func LoadConfig(path string) (DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("failed to read config: %w", err)
	}
	config, err := ParseConfig(data)
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// ParseConfig parses a YAML device configuration.
func ParseConfig(data []byte) (DeviceConfig, error) {
	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return DeviceConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}

	config := DefaultDeviceConfig()
	config.Name = f.Name
	config.Type = f.Type
	if f.Port != 0 {
		config.Port = f.Port
	}
	config.Address = f.Address
	config.AdvertiseHost = f.AdvertiseHost
	if f.CertificateDir != "" {
		config.CertificateDir = f.CertificateDir
	}
	if f.CertificateName != "" {
		config.CertificateName = f.CertificateName
	}
	config.StateFile = f.StateFile
	config.MulticastAddress = f.MulticastAddress
	config.DisableDiscovery = f.DisableDiscovery
	config.EnableMDNS = f.EnableMDNS
	config.Mode = f.Mode
	config.OffsetStrategy = f.OffsetStrategy
	config.MaxSubscriptions = f.MaxSubscriptions
	config.FailureThreshold = f.FailureThreshold

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"rejoinInterval", f.RejoinInterval, &config.RejoinInterval},
		{"invokeTimeout", f.InvokeTimeout, &config.InvokeTimeout},
		{"sweepInterval", f.SweepInterval, &config.SweepInterval},
		{"sessionTTL", f.SessionTTL, &config.SessionTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return DeviceConfig{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.field, err)
		}
		*d.dst = parsed
	}

	return config, nil
}
