// Package testharness starts complete in-process device and host
// pairs for integration tests. Devices listen on the loopback
// interface and stop when the test finishes; hosts bundle a client
// with a running notification receiver and a channel the pushes land
// on.
package testharness

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/examples"
	"github.com/iotscp/iotscp-go/pkg/model"
	"github.com/iotscp/iotscp-go/pkg/service"
)

// SimInterval is the thermostat simulation tick used by harness
// devices. Fast enough that a test sees several changes per second.
const SimInterval = 25 * time.Millisecond

// Certificate generates a shared certificate for one device and the
// hosts talking to it.
func Certificate(t *testing.T) *cert.Certificate {
	t.Helper()
	certificate, err := cert.Generate(cert.DefaultSegmentCount, cert.DefaultSegmentLength)
	if err != nil {
		t.Fatalf("cert.Generate: %v", err)
	}
	return certificate
}

// ReservePort binds a throwaway loopback listener to pick a free port
// and releases it again, so a device can bind the address now and
// rebind it after a restart. Another process may grab the port in the
// gap, which fails the restart visibly rather than silently.
func ReservePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// DeviceOptions adjusts a harness device before it starts. The zero
// value runs a discovery-less device on a random loopback port with a
// fresh certificate.
type DeviceOptions struct {
	// Certificate shares an identity with the hosts. Nil generates a
	// fresh one.
	Certificate *cert.Certificate

	// Address pins the listen address (see ReservePort). Empty uses
	// 127.0.0.1:0.
	Address string

	// StateFile enables variable persistence.
	StateFile string

	// Mode restricts cipher mode negotiation: "sealed", "token", or
	// empty for both.
	Mode string

	// MulticastAddress turns the search responder on, listening on the
	// given group. Empty leaves discovery off so parallel tests don't
	// hear each other.
	MulticastAddress string
}

// Device is a running device service plus the demo model behind it.
type Device struct {
	Service     *service.DeviceService
	Certificate *cert.Certificate

	// Light or Thermostat holds the demo device, whichever was
	// started. The other is nil.
	Light      *examples.Light
	Thermostat *examples.Thermostat

	t *testing.T
}

// StartLight starts a demo light on the loopback interface. The
// service stops when the test finishes.
func StartLight(t *testing.T, opts DeviceOptions) *Device {
	t.Helper()
	light, err := examples.NewLight(examples.LightConfig{})
	if err != nil {
		t.Fatalf("examples.NewLight: %v", err)
	}
	d := startDevice(t, light.Device(), opts)
	d.Light = light
	return d
}

// StartThermostat starts a demo thermostat with a fast simulation
// tick. The simulation itself is not running; tests that want it call
// Thermostat.Run.
func StartThermostat(t *testing.T, opts DeviceOptions) *Device {
	t.Helper()
	thermostat, err := examples.NewThermostat(examples.ThermostatConfig{SimInterval: SimInterval})
	if err != nil {
		t.Fatalf("examples.NewThermostat: %v", err)
	}
	d := startDevice(t, thermostat.Device(), opts)
	d.Thermostat = thermostat
	return d
}

func startDevice(t *testing.T, device *model.Device, opts DeviceOptions) *Device {
	t.Helper()

	certificate := opts.Certificate
	if certificate == nil {
		certificate = Certificate(t)
	}
	address := opts.Address
	if address == "" {
		address = "127.0.0.1:0"
	}

	svc, err := service.New(device, service.DeviceConfig{
		Address:          address,
		Certificate:      certificate,
		StateFile:        opts.StateFile,
		Mode:             opts.Mode,
		DisableDiscovery: opts.MulticastAddress == "",
		MulticastAddress: opts.MulticastAddress,
	})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("starting device service: %v", err)
	}
	t.Cleanup(func() {
		if svc.State() == service.StateRunning {
			svc.Stop()
		}
	})

	return &Device{Service: svc, Certificate: certificate, t: t}
}

// Addr returns the bound control address, e.g. "127.0.0.1:43817".
func (d *Device) Addr() string {
	return d.Service.Addr().String()
}

// URL returns the device's HTTP root.
func (d *Device) URL() string {
	return "http://" + d.Addr()
}

// DeviceID returns the device's certificate fingerprint identity.
func (d *Device) DeviceID() string {
	return d.Service.DeviceID()
}

// Model returns the served device model.
func (d *Device) Model() *model.Device {
	return d.Service.Device()
}

// Set changes one variable on the served model, which pushes the
// change to subscribed hosts.
func (d *Device) Set(name string, value any) {
	d.t.Helper()
	if err := d.Service.Device().SetVariable(name, value); err != nil {
		d.t.Fatalf("SetVariable(%s): %v", name, err)
	}
}

// Stop shuts the device service down.
func (d *Device) Stop() {
	d.t.Helper()
	if err := d.Service.Stop(); err != nil {
		d.t.Fatalf("stopping device service: %v", err)
	}
}

// Restart simulates a device reboot: stop, then start again. Sessions
// and subscriptions do not survive it. Only meaningful with a pinned
// Address, since a random port changes across restarts.
func (d *Device) Restart(ctx context.Context) {
	d.t.Helper()
	d.Stop()
	if err := d.Service.Start(ctx); err != nil {
		d.t.Fatalf("restarting device service: %v", err)
	}
}
