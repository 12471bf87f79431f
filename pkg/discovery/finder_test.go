package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// fakeDevice is a UDP socket standing in for the search group. Every
// datagram it receives is recorded and answered with the prepared
// replies, unicast back to the sender.
type fakeDevice struct {
	addr *net.UDPAddr

	mu       sync.Mutex
	received [][]byte
}

func (d *fakeDevice) requests() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.received))
	copy(out, d.received)
	return out
}

func startFakeDevice(t *testing.T, replies ...[]byte) *fakeDevice {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	device := &fakeDevice{addr: conn.LocalAddr().(*net.UDPAddr)}
	go func() {
		buf := make([]byte, MaxDatagramSize)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			device.mu.Lock()
			device.received = append(device.received, data)
			device.mu.Unlock()
			for _, reply := range replies {
				conn.WriteToUDP(reply, src)
			}
		}
	}()
	return device
}

func encodeResponse(t *testing.T, deviceID, deviceType string) []byte {
	t.Helper()
	data, err := wire.Encode(&wire.SearchResponse{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		ControlURL: "http://192.0.2.10:8410/iotscp/control",
		Capabilities: wire.CapabilitySummary{
			Actions:   []string{"setBrightness"},
			Variables: []string{"brightness"},
		},
	})
	if err != nil {
		t.Fatalf("Encode(SearchResponse): %v", err)
	}
	return data
}

func newTestFinder(t *testing.T, group *net.UDPAddr, timeout time.Duration) *Finder {
	t.Helper()
	finder, err := NewFinder(FinderConfig{
		MulticastAddress: group.String(),
		Timeout:          timeout,
	})
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	return finder
}

func TestNewFinderDefaults(t *testing.T) {
	finder, err := NewFinder(FinderConfig{})
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	if got := finder.group.String(); got != DefaultMulticastAddress {
		t.Errorf("group = %q, want %q", got, DefaultMulticastAddress)
	}
	if finder.config.Timeout != DefaultSearchTimeout {
		t.Errorf("Timeout = %v, want %v", finder.config.Timeout, DefaultSearchTimeout)
	}

	if _, err := NewFinder(FinderConfig{MulticastAddress: "not an address"}); err == nil {
		t.Error("NewFinder() accepted an unresolvable multicast address")
	}
}

func TestFinderSearchCollectsResponses(t *testing.T) {
	device := startFakeDevice(t,
		encodeResponse(t, "device-a", "urn:example:light"),
		encodeResponse(t, "device-b", "urn:example:thermostat"),
	)
	finder := newTestFinder(t, device.addr, 300*time.Millisecond)

	found, err := finder.Search(context.Background(), wire.SearchTargetAll, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Search() found %d devices, want 2", len(found))
	}

	byID := make(map[string]*Service, len(found))
	for _, svc := range found {
		byID[svc.DeviceID] = svc
	}
	svc, ok := byID["device-a"]
	if !ok {
		t.Fatal("device-a not found")
	}
	if svc.DeviceType != "urn:example:light" {
		t.Errorf("DeviceType = %q, want %q", svc.DeviceType, "urn:example:light")
	}
	if svc.ControlURL != "http://192.0.2.10:8410/iotscp/control" {
		t.Errorf("ControlURL = %q", svc.ControlURL)
	}
	if len(svc.Capabilities.Actions) != 1 || svc.Capabilities.Actions[0] != "setBrightness" {
		t.Errorf("Capabilities.Actions = %v", svc.Capabilities.Actions)
	}
	if svc.Addr == nil {
		t.Error("Addr not set on discovered service")
	}
	if _, ok := byID["device-b"]; !ok {
		t.Error("device-b not found")
	}
}

func TestFinderSearchSendsTargetAndFilter(t *testing.T) {
	device := startFakeDevice(t, encodeResponse(t, "device-a", "urn:example:light"))
	finder := newTestFinder(t, device.addr, 200*time.Millisecond)

	filter := &wire.Filter{Actions: []string{"setBrightness"}}
	if _, err := finder.Search(context.Background(), "urn:example:light", filter); err != nil {
		t.Fatalf("Search: %v", err)
	}

	requests := device.requests()
	if len(requests) != 1 {
		t.Fatalf("device received %d datagrams, want 1", len(requests))
	}
	decoded, err := wire.Decode(requests[0])
	if err != nil {
		t.Fatalf("Decode(request): %v", err)
	}
	req, ok := decoded.Message.(*wire.SearchRequest)
	if !ok {
		t.Fatalf("request message = %T, want *wire.SearchRequest", decoded.Message)
	}
	if req.Target != "urn:example:light" {
		t.Errorf("Target = %q, want %q", req.Target, "urn:example:light")
	}
	if req.Filter == nil || len(req.Filter.Actions) != 1 || req.Filter.Actions[0] != "setBrightness" {
		t.Errorf("Filter = %+v, want action setBrightness", req.Filter)
	}
}

func TestFinderSearchDeduplicates(t *testing.T) {
	device := startFakeDevice(t,
		encodeResponse(t, "device-a", "urn:example:light"),
		encodeResponse(t, "device-a", "urn:example:light"),
	)
	finder := newTestFinder(t, device.addr, 300*time.Millisecond)

	found, err := finder.Search(context.Background(), wire.SearchTargetAll, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("Search() found %d devices, want 1 after dedup", len(found))
	}
}

func TestFinderSearchSkipsMalformedReplies(t *testing.T) {
	badEnvelope := []byte{0xff, 0x00, 0x13}
	wrongType := encodeSearch(t, wire.SearchTargetAll, nil)
	device := startFakeDevice(t,
		badEnvelope,
		wrongType,
		encodeResponse(t, "device-a", "urn:example:light"),
	)
	finder := newTestFinder(t, device.addr, 300*time.Millisecond)

	found, err := finder.Search(context.Background(), wire.SearchTargetAll, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("Search() found %d devices, want 1", len(found))
	}
	if found[0].DeviceID != "device-a" {
		t.Errorf("DeviceID = %q, want %q", found[0].DeviceID, "device-a")
	}
}

func TestFinderFindByID(t *testing.T) {
	device := startFakeDevice(t,
		encodeResponse(t, "device-a", "urn:example:light"),
		encodeResponse(t, "device-b", "urn:example:thermostat"),
	)
	finder := newTestFinder(t, device.addr, 3*time.Second)

	start := time.Now()
	svc, err := finder.FindByID(context.Background(), "device-b")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if svc.DeviceID != "device-b" {
		t.Errorf("DeviceID = %q, want %q", svc.DeviceID, "device-b")
	}
	// The answer arrives immediately; the search must not sit out
	// the full collection window.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("FindByID took %v, want early return", elapsed)
	}
}

func TestFinderFindByIDNotFound(t *testing.T) {
	device := startFakeDevice(t) // listens, never answers
	finder := newTestFinder(t, device.addr, 100*time.Millisecond)

	_, err := finder.FindByID(context.Background(), "device-x")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByID() error = %v, want %v", err, ErrNotFound)
	}
}

func TestFinderContextCancellation(t *testing.T) {
	device := startFakeDevice(t) // listens, never answers
	finder := newTestFinder(t, device.addr, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	found, err := finder.Search(ctx, wire.SearchTargetAll, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Search() found %d devices, want 0", len(found))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Search took %v after cancellation, want prompt return", elapsed)
	}
}

func TestFinderCapturesProtocolEvents(t *testing.T) {
	device := startFakeDevice(t, encodeResponse(t, "device-a", "urn:example:light"))
	capture := &captureLogger{}
	finder, err := NewFinder(FinderConfig{
		MulticastAddress: device.addr.String(),
		Timeout:          200 * time.Millisecond,
		ProtocolLogger:   capture,
	})
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}

	if _, err := finder.Search(context.Background(), wire.SearchTargetAll, nil); err != nil {
		t.Fatalf("Search: %v", err)
	}

	var sawOut, sawIn bool
	for _, event := range capture.snapshot() {
		if event.Category != log.CategoryMessage || event.Message == nil {
			continue
		}
		if event.Direction == log.DirectionOut && event.Message.Type == wire.TypeSearch {
			if event.LocalRole != log.RoleHost {
				t.Errorf("search event LocalRole = %v, want %v", event.LocalRole, log.RoleHost)
			}
			sawOut = true
		}
		if event.Direction == log.DirectionIn && event.Message.Type == wire.TypeSearchReply {
			if event.DeviceID != "device-a" {
				t.Errorf("reply event DeviceID = %q, want %q", event.DeviceID, "device-a")
			}
			sawIn = true
		}
	}
	if !sawOut {
		t.Error("no capture event for the outgoing search")
	}
	if !sawIn {
		t.Error("no capture event for the incoming reply")
	}
}
