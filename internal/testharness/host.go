package testharness

import (
	"context"
	"testing"
	"time"

	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/client"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Notification is one push delivered to a harness host.
type Notification struct {
	SessionID string
	Note      *wire.EventNotification
	Gap       *client.GapError
}

// Changes returns the pushed variable changes as a map.
func (n Notification) Changes() map[string]any {
	return n.Note.Changes.Map()
}

// Host bundles a client with a running notification receiver. Pushes
// arrive on Notifications in delivery order.
type Host struct {
	Client   *client.Client
	Receiver *client.NotifyReceiver

	Notifications chan Notification

	t *testing.T
}

// NewHost creates a host with the given certificate and a receiver
// listening on a random loopback port. The client is not connected
// yet; ConnectHost does the whole dance.
func NewHost(t *testing.T, certificate *cert.Certificate) *Host {
	t.Helper()

	h := &Host{Notifications: make(chan Notification, 64), t: t}
	receiver, err := client.NewNotifyReceiver(client.ReceiverConfig{
		Address: "127.0.0.1:0",
		Handler: func(sessionID string, note *wire.EventNotification, gap *client.GapError) {
			h.Notifications <- Notification{SessionID: sessionID, Note: note, Gap: gap}
		},
	})
	if err != nil {
		t.Fatalf("client.NewNotifyReceiver: %v", err)
	}
	if err := receiver.Start(context.Background()); err != nil {
		t.Fatalf("starting notify receiver: %v", err)
	}
	t.Cleanup(func() { receiver.Stop() })

	c, err := client.New(client.Config{
		Certificate: certificate,
		HostID:      "harness-host",
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}

	h.Client = c
	h.Receiver = receiver
	return h
}

// ConnectHost creates a host sharing the device's certificate and
// completes the description fetch and hello exchange.
func ConnectHost(ctx context.Context, t *testing.T, device *Device) *Host {
	t.Helper()

	h := NewHost(t, device.Certificate)
	if _, err := h.Client.Connect(ctx, device.URL()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Client.Hello(ctx); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	return h
}

// EventURL returns the URL devices push notifications to for this
// host.
func (h *Host) EventURL() string {
	return h.Receiver.EventURL("127.0.0.1")
}

// Invoke runs one action and fails the test on a transport error or a
// device fault.
func (h *Host) Invoke(ctx context.Context, action string, args map[string]any) map[string]any {
	h.t.Helper()
	results, fault, err := h.Client.Invoke(ctx, action, args)
	if err != nil {
		h.t.Fatalf("Invoke(%s): %v", action, err)
	}
	if fault != nil {
		h.t.Fatalf("Invoke(%s) refused: %v", action, fault)
	}
	return results
}

// Subscribe registers the session with the receiver and subscribes to
// the named variables, failing the test on any error or fault.
func (h *Host) Subscribe(ctx context.Context, ttl time.Duration, variables ...string) *client.Subscription {
	h.t.Helper()
	h.Receiver.AddSession(h.Client.Session())
	sub, fault, err := h.Client.Subscribe(ctx, variables, ttl, h.EventURL())
	if err != nil {
		h.t.Fatalf("Subscribe: %v", err)
	}
	if fault != nil {
		h.t.Fatalf("Subscribe refused: %v", fault)
	}
	return sub
}

// WaitNotification returns the next push, failing the test if none
// arrives in time.
func (h *Host) WaitNotification(timeout time.Duration) Notification {
	h.t.Helper()
	select {
	case n := <-h.Notifications:
		return n
	case <-time.After(timeout):
		h.t.Fatalf("no notification within %v", timeout)
		return Notification{}
	}
}

// ExpectNoNotification fails the test if a push arrives within the
// window.
func (h *Host) ExpectNoNotification(window time.Duration) {
	h.t.Helper()
	select {
	case n := <-h.Notifications:
		h.t.Fatalf("unexpected notification: seq %d changes %v", n.Note.Sequence, n.Changes())
	case <-time.After(window):
	}
}

// StateRecorder returns an OnState callback for a WatcherConfig and
// the channel it feeds. Transitions beyond the buffer are dropped.
func StateRecorder() (func(old, new client.WatcherState), <-chan client.WatcherState) {
	ch := make(chan client.WatcherState, 16)
	return func(_, state client.WatcherState) {
		select {
		case ch <- state:
		default:
		}
	}, ch
}

// WaitState drains states until want arrives, failing the test on
// timeout.
func WaitState(t *testing.T, states <-chan client.WatcherState, want client.WatcherState, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for watcher state %s", want)
		}
	}
}
