package client

import (
	"context"
	"testing"
	"time"

	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/dispatch"
	"github.com/iotscp/iotscp-go/pkg/model"
	"github.com/iotscp/iotscp-go/pkg/session"
	"github.com/iotscp/iotscp-go/pkg/transport"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoffWithConfig(BackoffConfig{
		Initial:    10 * time.Millisecond,
		Max:        40 * time.Millisecond,
		Multiplier: 2.0,
	})

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}
	for i, expected := range want {
		if got := b.Next(); got != expected {
			t.Errorf("Next() #%d = %v, want %v", i, got, expected)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}

	b.Reset()
	if b.Attempts() != 0 {
		t.Errorf("Attempts() after reset = %d, want 0", b.Attempts())
	}
	if got := b.Next(); got != 10*time.Millisecond {
		t.Errorf("Next() after reset = %v, want 10ms", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff()
	if b.Current() != InitialRetryDelay {
		t.Errorf("Current() = %v, want %v", b.Current(), InitialRetryDelay)
	}

	// Jittered delays stay within [base, base*(1+jitter)].
	delay := b.Next()
	maxDelay := InitialRetryDelay + time.Duration(float64(InitialRetryDelay)*RetryJitter)
	if delay < InitialRetryDelay || delay > maxDelay {
		t.Errorf("Next() = %v, want within [%v, %v]", delay, InitialRetryDelay, maxDelay)
	}
}

func TestNewWatcherValidation(t *testing.T) {
	certificate := testCertificate(t)
	receiver, err := NewNotifyReceiver(ReceiverConfig{
		Handler: func(string, *wire.EventNotification, *GapError) {},
	})
	if err != nil {
		t.Fatalf("NewNotifyReceiver: %v", err)
	}

	valid := WatcherConfig{
		Certificate: certificate,
		HostID:      "host-1",
		Target:      "127.0.0.1:1",
		Variables:   []string{"brightness"},
		Receiver:    receiver,
	}
	if _, err := NewWatcher(valid); err != nil {
		t.Fatalf("NewWatcher(valid) = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*WatcherConfig)
	}{
		{"NoCertificate", func(c *WatcherConfig) { c.Certificate = nil }},
		{"NoHostID", func(c *WatcherConfig) { c.HostID = "" }},
		{"NoTarget", func(c *WatcherConfig) { c.Target = "" }},
		{"NoVariables", func(c *WatcherConfig) { c.Variables = nil }},
		{"NoReceiver", func(c *WatcherConfig) { c.Receiver = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.mutate(&config)
			if _, err := NewWatcher(config); err == nil {
				t.Error("NewWatcher() accepted an invalid config")
			}
		})
	}
}

func TestWatcherStateString(t *testing.T) {
	tests := []struct {
		state WatcherState
		want  string
	}{
		{WatcherIdle, "IDLE"},
		{WatcherConnecting, "CONNECTING"},
		{WatcherWatching, "WATCHING"},
		{WatcherRetrying, "RETRYING"},
		{WatcherStopped, "STOPPED"},
		{WatcherState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

// watchEnv is a device a watcher test can kill and revive.
type watchEnv struct {
	addr       string
	device     *model.Device
	dispatcher *dispatch.Dispatcher
	server     *transport.Server
	cancel     context.CancelFunc
}

func startWatchDevice(t *testing.T, certificate *cert.Certificate, address string) *watchEnv {
	t.Helper()

	device := testDevice(t)
	sessions, err := session.NewManager(session.ManagerConfig{
		Certificate: certificate,
		DeviceID:    testDeviceID,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	dispatcher, err := dispatch.New(device, dispatch.DefaultConfig())
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}

	server, err := transport.NewServer(transport.ServerConfig{
		Device:     device,
		DeviceID:   testDeviceID,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Address:    address,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := server.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	env := &watchEnv{
		addr:       server.Addr().String(),
		device:     device,
		dispatcher: dispatcher,
		server:     server,
		cancel:     cancel,
	}
	t.Cleanup(env.stop)
	return env
}

func (e *watchEnv) stop() {
	e.server.Stop()
	e.dispatcher.Stop()
	e.cancel()
}

func waitWatchNote(t *testing.T, notes <-chan *wire.EventNotification) *wire.EventNotification {
	t.Helper()
	select {
	case note := <-notes:
		return note
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return nil
	}
}

func waitWatcherState(t *testing.T, states <-chan WatcherState, want WatcherState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("watcher never reached %s", want)
		}
	}
}

func TestWatcherLifecycle(t *testing.T) {
	certificate := testCertificate(t)
	env := startWatchDevice(t, certificate, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notes := make(chan *wire.EventNotification, 16)
	receiver, err := NewNotifyReceiver(ReceiverConfig{
		Address: "127.0.0.1:0",
		Handler: func(_ string, note *wire.EventNotification, _ *GapError) {
			notes <- note
		},
	})
	if err != nil {
		t.Fatalf("NewNotifyReceiver: %v", err)
	}
	if err := receiver.Start(ctx); err != nil {
		t.Fatalf("receiver.Start: %v", err)
	}
	t.Cleanup(func() { receiver.Stop() })

	w, err := NewWatcher(WatcherConfig{
		Certificate:   certificate,
		HostID:        "host-1",
		Target:        env.addr,
		Variables:     []string{"brightness"},
		Receiver:      receiver,
		RenewInterval: 25 * time.Millisecond,
		Backoff: NewBackoffWithConfig(BackoffConfig{
			Initial:    20 * time.Millisecond,
			Max:        50 * time.Millisecond,
			Multiplier: 1.5,
		}),
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("w.Start: %v", err)
	}
	if err := w.Start(ctx); err != ErrAlreadyWatching {
		t.Errorf("second Start = %v, want ErrAlreadyWatching", err)
	}

	// The initial snapshot push proves the subscription is live.
	note := waitWatchNote(t, notes)
	if got := note.Changes.Map()["brightness"]; got != int64(40) {
		t.Errorf("initial brightness = %v, want 40", got)
	}
	if w.State() != WatcherWatching {
		t.Errorf("State() = %s, want WATCHING", w.State())
	}
	if w.SubscriptionID() == "" {
		t.Error("SubscriptionID() is empty while watching")
	}
	if w.DeviceID() != testDeviceID {
		t.Errorf("DeviceID() = %q, want %q", w.DeviceID(), testDeviceID)
	}
	if w.TTL() <= 0 {
		t.Errorf("TTL() = %v, want > 0", w.TTL())
	}

	// Let a few renews pass, then confirm a change still arrives.
	time.Sleep(100 * time.Millisecond)
	if err := env.device.SetVariable("brightness", int64(70)); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	note = waitWatchNote(t, notes)
	if got := note.Changes.Map()["brightness"]; got != int64(70) {
		t.Errorf("brightness = %v, want 70", got)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if w.State() != WatcherStopped {
		t.Errorf("State() after Stop = %s, want STOPPED", w.State())
	}
	if err := w.Stop(); err != ErrNotWatching {
		t.Errorf("second Stop = %v, want ErrNotWatching", err)
	}
	if env.dispatcher.Count() != 0 {
		t.Errorf("device still has %d subscriptions after Stop", env.dispatcher.Count())
	}
}

func TestWatcherReestablishesAfterRestart(t *testing.T) {
	certificate := testCertificate(t)
	env := startWatchDevice(t, certificate, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notes := make(chan *wire.EventNotification, 16)
	receiver, err := NewNotifyReceiver(ReceiverConfig{
		Address: "127.0.0.1:0",
		Handler: func(_ string, note *wire.EventNotification, _ *GapError) {
			notes <- note
		},
	})
	if err != nil {
		t.Fatalf("NewNotifyReceiver: %v", err)
	}
	if err := receiver.Start(ctx); err != nil {
		t.Fatalf("receiver.Start: %v", err)
	}
	t.Cleanup(func() { receiver.Stop() })

	states := make(chan WatcherState, 32)
	w, err := NewWatcher(WatcherConfig{
		Certificate:   certificate,
		HostID:        "host-1",
		Target:        env.addr,
		Variables:     []string{"brightness"},
		Receiver:      receiver,
		RenewInterval: 25 * time.Millisecond,
		Backoff: NewBackoffWithConfig(BackoffConfig{
			Initial:    20 * time.Millisecond,
			Max:        50 * time.Millisecond,
			Multiplier: 1.5,
		}),
		OnState: func(_, s WatcherState) {
			select {
			case states <- s:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("w.Start: %v", err)
	}
	t.Cleanup(func() {
		if w.State() != WatcherStopped {
			w.Stop()
		}
	})

	waitWatchNote(t, notes)
	firstSub := w.SubscriptionID()

	// Kill the device. The next renew fails and the watcher backs off.
	env.stop()
	waitWatcherState(t, states, WatcherRetrying)

	// Revive the device at the same address. The watcher finds it and
	// subscribes fresh, so the initial snapshot arrives again.
	revived := startWatchDevice(t, certificate, env.addr)
	note := waitWatchNote(t, notes)
	if got := note.Changes.Map()["brightness"]; got != int64(40) {
		t.Errorf("resubscribed brightness = %v, want 40", got)
	}
	waitWatcherState(t, states, WatcherWatching)
	if w.SubscriptionID() == firstSub {
		t.Error("subscription ID unchanged after device restart")
	}

	if err := revived.device.SetVariable("brightness", int64(55)); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	note = waitWatchNote(t, notes)
	if got := note.Changes.Map()["brightness"]; got != int64(55) {
		t.Errorf("brightness after restart = %v, want 55", got)
	}
}
