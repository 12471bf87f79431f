package inspect

import (
	"net"
	"testing"

	"github.com/iotscp/iotscp-go/pkg/discovery"
	"github.com/iotscp/iotscp-go/pkg/transport"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

func TestDescribeDescription(t *testing.T) {
	desc := &transport.Description{
		Name:            "Living Room Lamp",
		DeviceType:      "urn:example:light",
		DeviceID:        "aa11bb22cc33",
		ProtocolVersion: 1,
		Modes:           []string{"sealed", "token"},
		Paths: transport.DescriptionPaths{
			Hello:   "/iotscp/hello",
			Control: "/iotscp/control",
			Event:   "/iotscp/event",
		},
		Capabilities: transport.DescriptionCapabilities{
			Actions:   []string{"getState", "setBrightness", "setColor"},
			Variables: []string{"brightness", "color", "power"},
		},
	}

	want := "Device: Living Room Lamp (urn:example:light)\n" +
		"ID: aa11bb22cc33\n" +
		"Protocol: version 1\n" +
		"Modes: sealed, token\n" +
		"Paths:\n" +
		"  hello:   /iotscp/hello\n" +
		"  control: /iotscp/control\n" +
		"  event:   /iotscp/event\n" +
		"Actions: getState, setBrightness, setColor\n" +
		"Variables: brightness, color, power\n"

	if got := DescribeDescription(desc, nil); got != want {
		t.Errorf("DescribeDescription() = %q, want %q", got, want)
	}
}

func TestDescribeDescriptionEmptyCapabilities(t *testing.T) {
	desc := &transport.Description{
		Name:            "Bare",
		DeviceType:      "urn:example:bare",
		DeviceID:        "ff00ff00ff00",
		ProtocolVersion: 1,
	}

	got := DescribeDescription(desc, nil)
	want := "Device: Bare (urn:example:bare)\n" +
		"ID: ff00ff00ff00\n" +
		"Protocol: version 1\n" +
		"Modes: (none)\n" +
		"Paths:\n" +
		"  hello:   \n" +
		"  control: \n" +
		"  event:   \n" +
		"Actions: (none)\n" +
		"Variables: (none)\n"
	if got != want {
		t.Errorf("DescribeDescription() = %q, want %q", got, want)
	}
}

func TestDescribeService(t *testing.T) {
	service := &discovery.Service{
		DeviceID:   "aa11bb22cc33",
		DeviceType: "urn:example:light",
		ControlURL: "http://192.0.2.10:8410/iotscp/description",
		Capabilities: wire.CapabilitySummary{
			Actions:   []string{"getState"},
			Variables: []string{"power"},
		},
		Addr: &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 4410},
	}

	want := "Device: aa11bb22cc33 (urn:example:light)\n" +
		"Control: http://192.0.2.10:8410/iotscp/description\n" +
		"Source: 192.0.2.10:4410\n" +
		"Actions: getState\n" +
		"Variables: power\n"

	if got := DescribeService(service); got != want {
		t.Errorf("DescribeService() = %q, want %q", got, want)
	}
}

func TestDescribeServiceNoSource(t *testing.T) {
	service := &discovery.Service{
		DeviceID:   "aa11bb22cc33",
		DeviceType: "urn:example:light",
		ControlURL: "http://192.0.2.10:8410/iotscp/description",
	}

	want := "Device: aa11bb22cc33 (urn:example:light)\n" +
		"Control: http://192.0.2.10:8410/iotscp/description\n" +
		"Actions: (none)\n" +
		"Variables: (none)\n"

	if got := DescribeService(service); got != want {
		t.Errorf("DescribeService() = %q, want %q", got, want)
	}
}
