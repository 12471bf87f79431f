package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

// notifySink records delivery attempts and can be told to fail them.
type notifySink struct {
	mu        sync.Mutex
	attempts  []*wire.EventNotification
	failFirst int // fail this many attempts before succeeding
	failAll   bool
}

func (s *notifySink) deliver(ctx context.Context, sub *Subscription, note *wire.EventNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, note)
	if s.failAll || len(s.attempts) <= s.failFirst {
		return errors.New("host unreachable")
	}
	return nil
}

func (s *notifySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func (s *notifySink) all() []*wire.EventNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.EventNotification, len(s.attempts))
	copy(out, s.attempts)
	return out
}

func testHost() Host {
	return Host{
		SessionID: "session-1",
		EventURL:  "http://192.0.2.20:9110/events",
	}
}

func TestSubscribeValidation(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, nil)

	t.Run("BadEventURL", func(t *testing.T) {
		urls := map[string]string{
			"Empty":       "",
			"NonASCII":    "http://héllo.example/events",
			"NotAbsolute": "/events",
			"NoScheme":    "192.0.2.1:9110",
		}
		for name, raw := range urls {
			t.Run(name, func(t *testing.T) {
				_, _, err := dispatcher.Subscribe(Host{SessionID: "s", EventURL: raw}, []string{"brightness"}, 0)
				if !errors.Is(err, ErrInvalidEventURL) {
					t.Errorf("Subscribe(url=%q) error = %v, want %v", raw, err, ErrInvalidEventURL)
				}
			})
		}
	})

	t.Run("NoVariables", func(t *testing.T) {
		_, _, err := dispatcher.Subscribe(testHost(), nil, 0)
		if !errors.Is(err, ErrNoVariables) {
			t.Errorf("Subscribe() error = %v, want %v", err, ErrNoVariables)
		}
	})

	t.Run("UnknownVariable", func(t *testing.T) {
		_, _, err := dispatcher.Subscribe(testHost(), []string{"brightness", "humidity"}, 0)
		if !errors.Is(err, ErrUnknownVariable) {
			t.Errorf("Subscribe() error = %v, want %v", err, ErrUnknownVariable)
		}
	})
}

func TestSubscribeLimit(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, func(c *Config) {
		c.MaxSubscriptions = 2
	})

	for i := 0; i < 2; i++ {
		if _, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0); err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
	}
	_, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0)
	if !errors.Is(err, ErrTooManySubscriptions) {
		t.Errorf("Subscribe() error = %v, want %v", err, ErrTooManySubscriptions)
	}
	if got := dispatcher.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestSubscribeHook(t *testing.T) {
	var observed []*Subscription
	dispatcher, _ := newTestDispatcher(t, func(c *Config) {
		c.OnSubscribed = func(sub *Subscription) { observed = append(observed, sub) }
	})

	sub, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(observed) != 1 || observed[0] != sub {
		t.Errorf("hook observed %v, want the new subscription", observed)
	}

	// Rejected subscribes must not reach the hook.
	if _, _, err := dispatcher.Subscribe(testHost(), []string{"humidity"}, 0); err == nil {
		t.Fatal("Subscribe with unknown variable expected error")
	}
	if len(observed) != 1 {
		t.Errorf("hook called %d times, want 1", len(observed))
	}
}

func TestSubscribeInitialSnapshot(t *testing.T) {
	sink := &notifySink{}
	dispatcher, _ := newTestDispatcher(t, func(c *Config) {
		c.Notify = sink.deliver
	})

	sub, initial, err := dispatcher.Subscribe(testHost(), []string{"power", "brightness"}, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if sub.ID == "" {
		t.Error("subscription has no ID")
	}
	if len(sub.Variables) != 2 || sub.Variables[0] != "brightness" || sub.Variables[1] != "power" {
		t.Errorf("Variables = %v, want sorted [brightness power]", sub.Variables)
	}
	if sub.TTL != DefaultTTL {
		t.Errorf("TTL = %v, want default %v", sub.TTL, DefaultTTL)
	}

	if initial.SubscriptionID != sub.ID {
		t.Errorf("initial SubscriptionID = %q, want %q", initial.SubscriptionID, sub.ID)
	}
	if initial.Sequence != 1 {
		t.Errorf("initial Sequence = %d, want 1", initial.Sequence)
	}
	values := initial.Changes.Map()
	if got := values["brightness"]; got != int64(40) {
		t.Errorf("snapshot brightness = %v, want 40", got)
	}
	if got := values["power"]; got != false {
		t.Errorf("snapshot power = %v, want false", got)
	}

	// The snapshot also travels the notify path.
	if !waitUntil(2*time.Second, func() bool { return sink.count() == 1 }) {
		t.Fatal("initial notification not delivered")
	}
	if got := sink.all()[0]; got.Sequence != 1 {
		t.Errorf("delivered Sequence = %d, want 1", got.Sequence)
	}
}

func TestSubscribeTTLClamping(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, func(c *Config) {
		c.MinTTL = 10 * time.Second
		c.MaxTTL = 1 * time.Hour
		c.DefaultTTL = 5 * time.Minute
	})

	tests := []struct {
		name string
		ttl  time.Duration
		want time.Duration
	}{
		{"ZeroGetsDefault", 0, 5 * time.Minute},
		{"BelowMin", 1 * time.Second, 10 * time.Second},
		{"AboveMax", 99 * time.Hour, 1 * time.Hour},
		{"InRange", 30 * time.Minute, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, tt.ttl)
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			if sub.TTL != tt.want {
				t.Errorf("TTL = %v, want %v", sub.TTL, tt.want)
			}
		})
	}
}

func TestPublishNotifiesWatchers(t *testing.T) {
	sink := &notifySink{}
	dispatcher, device := newTestDispatcher(t, func(c *Config) {
		c.Notify = sink.deliver
	})

	if _, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := device.SetVariable("brightness", int64(80)); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	// Not watched by the subscription.
	if err := device.SetVariable("power", true); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}
	if err := device.SetVariable("brightness", int64(90)); err != nil {
		t.Fatalf("SetVariable: %v", err)
	}

	if !waitUntil(2*time.Second, func() bool { return sink.count() == 3 }) {
		t.Fatalf("deliveries = %d, want 3 (initial + two brightness changes)", sink.count())
	}

	notes := sink.all()
	wantSeq := []uint64{1, 2, 3}
	wantVal := []any{int64(40), int64(80), int64(90)}
	for i, note := range notes {
		if note.Sequence != wantSeq[i] {
			t.Errorf("note %d Sequence = %d, want %d", i, note.Sequence, wantSeq[i])
		}
		if got := note.Changes.Map()["brightness"]; got != wantVal[i] {
			t.Errorf("note %d brightness = %v, want %v", i, got, wantVal[i])
		}
	}
	for _, note := range notes {
		if _, ok := note.Changes.Map()["power"]; ok {
			t.Error("power change leaked into a brightness-only subscription")
		}
	}
}

func TestPublishSequencesPerSubscription(t *testing.T) {
	sink := &notifySink{}
	dispatcher, device := newTestDispatcher(t, func(c *Config) {
		c.Notify = sink.deliver
	})

	subA, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	subB, _, err := dispatcher.Subscribe(testHost(), []string{"power"}, 0)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	device.SetVariable("brightness", int64(80))
	device.SetVariable("brightness", int64(90))
	device.SetVariable("power", true)

	// A: initial + two changes. B: initial + one change.
	if !waitUntil(2*time.Second, func() bool { return sink.count() == 5 }) {
		t.Fatalf("deliveries = %d, want 5", sink.count())
	}

	seqs := map[string][]uint64{}
	for _, note := range sink.all() {
		seqs[note.SubscriptionID] = append(seqs[note.SubscriptionID], note.Sequence)
	}
	for id, want := range map[string][]uint64{
		subA.ID: {1, 2, 3},
		subB.ID: {1, 2},
	} {
		got := seqs[id]
		if len(got) != len(want) {
			t.Errorf("subscription %s sequences = %v, want %v", id, got, want)
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("subscription %s sequences = %v, want %v", id, got, want)
				break
			}
		}
	}
}

func TestRenewExtendsWithoutSequenceReset(t *testing.T) {
	sink := &notifySink{}
	dispatcher, device := newTestDispatcher(t, func(c *Config) {
		c.Notify = sink.deliver
		c.MinTTL = 30 * time.Millisecond
	})

	sub, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	granted, err := dispatcher.Renew(sub.ID, 10*time.Second)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if granted != 10*time.Second {
		t.Errorf("granted = %v, want 10s", granted)
	}

	// Past the original expiry; the renewal keeps it alive.
	time.Sleep(60 * time.Millisecond)
	dispatcher.sweepExpired(time.Now())
	if got := dispatcher.Count(); got != 1 {
		t.Fatalf("Count() after renew+sweep = %d, want 1", got)
	}

	// The sequence counter carries on from the initial snapshot.
	device.SetVariable("brightness", int64(80))
	if !waitUntil(2*time.Second, func() bool { return sink.count() == 2 }) {
		t.Fatal("change after renew not delivered")
	}
	if got := sink.all()[1].Sequence; got != 2 {
		t.Errorf("post-renew Sequence = %d, want 2", got)
	}
}

func TestRenewUnknownSubscription(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, nil)

	if _, err := dispatcher.Renew("no-such-id", time.Minute); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Renew() error = %v, want %v", err, ErrSubscriptionNotFound)
	}
}

func TestSweepExpiresSubscription(t *testing.T) {
	sink := &notifySink{}
	expired := make(chan string, 1)
	dispatcher, device := newTestDispatcher(t, func(c *Config) {
		c.Notify = sink.deliver
		c.MinTTL = 20 * time.Millisecond
		c.OnExpired = func(sub *Subscription, reason string) { expired <- reason }
	})

	sub, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !waitUntil(2*time.Second, func() bool { return sink.count() == 1 }) {
		t.Fatal("initial notification not delivered")
	}

	time.Sleep(50 * time.Millisecond)
	dispatcher.sweepExpired(time.Now())

	if got := dispatcher.Count(); got != 0 {
		t.Fatalf("Count() after sweep = %d, want 0", got)
	}
	if _, err := dispatcher.Get(sub.ID); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrSubscriptionNotFound)
	}
	select {
	case reason := <-expired:
		if reason != "ttl expired" {
			t.Errorf("expiry reason = %q, want %q", reason, "ttl expired")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnExpired not called")
	}

	// An expired subscription hears no further changes.
	device.SetVariable("brightness", int64(80))
	time.Sleep(20 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Errorf("deliveries after expiry = %d, want 1", got)
	}
}

func TestSweepLoopReaps(t *testing.T) {
	expired := make(chan string, 1)
	dispatcher, _ := newTestDispatcher(t, func(c *Config) {
		c.MinTTL = 10 * time.Millisecond
		c.SweepInterval = 10 * time.Millisecond
		c.OnExpired = func(sub *Subscription, reason string) { expired <- reason }
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)

	if _, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 10*time.Millisecond); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if !waitUntil(2*time.Second, func() bool { return dispatcher.Count() == 0 }) {
		t.Fatal("sweeper did not reap the expired subscription")
	}
	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnExpired not called by the sweeper")
	}
}

func TestDeliveryFailuresExpireEarly(t *testing.T) {
	sink := &notifySink{failAll: true}
	expired := make(chan string, 1)
	dispatcher, device := newTestDispatcher(t, func(c *Config) {
		c.Notify = sink.deliver
		c.FailureThreshold = 3
		c.OnExpired = func(sub *Subscription, reason string) { expired <- reason }
	})

	if _, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Initial snapshot fails (1), then two more failed deliveries.
	device.SetVariable("brightness", int64(80))
	device.SetVariable("brightness", int64(90))

	if !waitUntil(2*time.Second, func() bool { return dispatcher.Count() == 0 }) {
		t.Fatalf("subscription not cut off, attempts = %d", sink.count())
	}
	select {
	case reason := <-expired:
		if reason != "delivery failures" {
			t.Errorf("expiry reason = %q, want %q", reason, "delivery failures")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnExpired not called")
	}
	if got := sink.count(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDeliverySuccessResetsFailures(t *testing.T) {
	sink := &notifySink{failFirst: 2}
	dispatcher, device := newTestDispatcher(t, func(c *Config) {
		c.Notify = sink.deliver
		c.FailureThreshold = 3
	})

	if _, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Attempts 1 and 2 fail, attempt 3 succeeds and resets the
	// budget, attempt 4 succeeds.
	device.SetVariable("brightness", int64(80))
	device.SetVariable("brightness", int64(90))
	device.SetVariable("brightness", int64(95))

	if !waitUntil(2*time.Second, func() bool { return sink.count() == 4 }) {
		t.Fatalf("attempts = %d, want 4", sink.count())
	}
	if got := dispatcher.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1 (two failures stay under the threshold)", got)
	}
}

func TestUnsubscribeImmediate(t *testing.T) {
	sink := &notifySink{}
	dispatcher, device := newTestDispatcher(t, func(c *Config) {
		c.Notify = sink.deliver
	})

	sub, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !waitUntil(2*time.Second, func() bool { return sink.count() == 1 }) {
		t.Fatal("initial notification not delivered")
	}

	if err := dispatcher.Unsubscribe(sub.ID); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if got := dispatcher.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
	if err := dispatcher.Unsubscribe(sub.ID); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("second Unsubscribe() error = %v, want %v", err, ErrSubscriptionNotFound)
	}

	device.SetVariable("brightness", int64(80))
	time.Sleep(20 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Errorf("deliveries after unsubscribe = %d, want 1", got)
	}
}

func TestQueueOverflowCountsAsFailure(t *testing.T) {
	entered := make(chan struct{}, 8)
	release := make(chan struct{})

	expired := make(chan string, 1)
	dispatcher, device := newTestDispatcher(t, func(c *Config) {
		c.QueueDepth = 1
		c.FailureThreshold = 1
		c.OnExpired = func(sub *Subscription, reason string) { expired <- reason }
		c.Notify = func(ctx context.Context, sub *Subscription, note *wire.EventNotification) error {
			entered <- struct{}{}
			<-release
			return nil
		}
	})
	// Registered after the dispatcher so it runs before Stop and
	// unblocks the stalled worker.
	t.Cleanup(func() { close(release) })

	if _, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Wait until the worker is stuck delivering the snapshot.
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("initial delivery did not start")
	}

	// Fills the queue, then overflows it.
	device.SetVariable("brightness", int64(80))
	device.SetVariable("brightness", int64(90))

	select {
	case reason := <-expired:
		if reason != "notify queue full" {
			t.Errorf("expiry reason = %q, want %q", reason, "notify queue full")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overflow did not expire the subscription")
	}
	if got := dispatcher.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestStopEndsSubscriptions(t *testing.T) {
	sink := &notifySink{}
	dispatcher, device := newTestDispatcher(t, func(c *Config) {
		c.Notify = sink.deliver
	})

	if _, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !waitUntil(2*time.Second, func() bool { return sink.count() == 1 }) {
		t.Fatal("initial notification not delivered")
	}

	dispatcher.Stop()

	if got := dispatcher.Count(); got != 0 {
		t.Errorf("Count() after Stop = %d, want 0", got)
	}
	if _, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0); !errors.Is(err, ErrStopped) {
		t.Errorf("Subscribe() after Stop error = %v, want %v", err, ErrStopped)
	}

	// Publishing after Stop is a no-op.
	device.SetVariable("brightness", int64(80))
	time.Sleep(20 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Errorf("deliveries after Stop = %d, want 1", got)
	}
}

func TestSubscriptionsSorted(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, nil)

	for i := 0; i < 3; i++ {
		if _, _, err := dispatcher.Subscribe(testHost(), []string{"brightness"}, 0); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	subs := dispatcher.Subscriptions()
	if len(subs) != 3 {
		t.Fatalf("Subscriptions() returned %d, want 3", len(subs))
	}
	for i := 1; i < len(subs); i++ {
		if subs[i-1].ID >= subs[i].ID {
			t.Errorf("Subscriptions() not sorted: %q before %q", subs[i-1].ID, subs[i].ID)
		}
	}
}
