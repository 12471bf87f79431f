package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/model"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Host identifies the subscribing peer and where notifications go.
type Host struct {
	// SessionID is the authenticated session the subscribe arrived on.
	SessionID string

	// EventURL is the host's notification endpoint.
	EventURL string
}

// Subscription is one host's registration for change notifications.
// The exported fields are fixed at creation; TTL records the lifetime
// granted then, renewals grant their own (see Renew).
type Subscription struct {
	// ID is the subscription identifier.
	ID string

	// Host is the subscribing peer.
	Host Host

	// Variables is the watched variable set, sorted.
	Variables []string

	// TTL is the lifetime granted at creation.
	TTL time.Duration

	// Guarded by the dispatcher's table lock.
	expiresAt time.Time
	seq       uint64
	failures  int

	queue chan *wire.EventNotification
	done  chan struct{}
}

func (s *Subscription) watches(name string) bool {
	for _, v := range s.Variables {
		if v == name {
			return true
		}
	}
	return false
}

// Subscribe registers a host for change notifications on the named
// variables and returns the new subscription together with its initial
// snapshot notification. The snapshot also goes through the notify
// path as sequence number 1.
func (d *Dispatcher) Subscribe(host Host, variables []string, ttl time.Duration) (*Subscription, *wire.EventNotification, error) {
	if err := validateEventURL(host.EventURL); err != nil {
		return nil, nil, err
	}
	if len(variables) == 0 {
		return nil, nil, ErrNoVariables
	}
	names := make([]string, len(variables))
	copy(names, variables)
	sort.Strings(names)
	for _, name := range names {
		if _, err := d.device.Variable(name); err != nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownVariable, name)
		}
	}
	snapshot, err := d.device.Snapshot(names)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownVariable, err)
	}
	granted := d.clampTTL(ttl)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, nil, ErrStopped
	}
	if len(d.subs) >= d.config.MaxSubscriptions {
		d.mu.Unlock()
		return nil, nil, ErrTooManySubscriptions
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		Host:      host,
		Variables: names,
		TTL:       granted,
		expiresAt: time.Now().Add(granted),
		seq:       1,
		queue:     make(chan *wire.EventNotification, d.config.QueueDepth),
		done:      make(chan struct{}),
	}
	initial := &wire.EventNotification{
		SubscriptionID: sub.ID,
		Sequence:       1,
		Changes:        wire.NewChanges(snapshot),
	}
	d.subs[sub.ID] = sub
	// The queue is freshly made and at least one deep, so the initial
	// notification lands in front of anything Publish adds later.
	sub.queue <- initial
	d.wg.Add(1)
	go d.notifyLoop(sub)
	d.mu.Unlock()

	d.debugLog("subscription created", "id", sub.ID, "session", host.SessionID,
		"variables", len(names), "ttl", granted)
	d.captureSubState(sub, "", "ACTIVE", "subscribed")
	if d.config.OnSubscribed != nil {
		d.config.OnSubscribed(sub)
	}
	return sub, initial, nil
}

// Renew extends a subscription's lifetime and returns the granted TTL.
// The sequence counter is untouched: notifications continue where they
// left off.
func (d *Dispatcher) Renew(id string, ttl time.Duration) (time.Duration, error) {
	granted := d.clampTTL(ttl)

	d.mu.Lock()
	sub, exists := d.subs[id]
	if !exists {
		d.mu.Unlock()
		return 0, ErrSubscriptionNotFound
	}
	sub.expiresAt = time.Now().Add(granted)
	d.mu.Unlock()

	d.debugLog("subscription renewed", "id", id, "ttl", granted)
	return granted, nil
}

// Unsubscribe removes a subscription immediately: later variable
// changes do not reach the host. Notifications already queued are
// abandoned.
func (d *Dispatcher) Unsubscribe(id string) error {
	d.mu.Lock()
	sub, exists := d.subs[id]
	if !exists {
		d.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	d.removeLocked(sub)
	d.mu.Unlock()

	d.debugLog("subscription removed", "id", id)
	d.captureSubState(sub, "ACTIVE", "REMOVED", "unsubscribed")
	return nil
}

// Publish fans one variable change out to every watching subscription.
// Wire it to the device's change hook. Sequence numbers are assigned
// under the table lock, so each queue carries them in order. A full
// queue counts as a delivery failure.
func (d *Dispatcher) Publish(name string, value any) {
	change := wire.Changes{{Name: name, Value: value}}

	var cutOff []*Subscription
	d.mu.Lock()
	for _, sub := range d.subs {
		if !sub.watches(name) {
			continue
		}
		sub.seq++
		note := &wire.EventNotification{
			SubscriptionID: sub.ID,
			Sequence:       sub.seq,
			Changes:        change,
		}
		select {
		case sub.queue <- note:
		default:
			if d.failLocked(sub) {
				cutOff = append(cutOff, sub)
			}
		}
	}
	d.mu.Unlock()

	for _, sub := range cutOff {
		d.notifyExpired(sub, "notify queue full")
	}
}

// Count returns the number of live subscriptions.
func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Get returns a live subscription by ID.
func (d *Dispatcher) Get(id string) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, exists := d.subs[id]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// Subscriptions returns the live subscriptions sorted by ID.
func (d *Dispatcher) Subscriptions() []*Subscription {
	d.mu.Lock()
	subs := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs
}

// notifyLoop drains one subscription's queue in order. Delivery is
// serialized per subscription; nothing orders deliveries across
// subscriptions.
func (d *Dispatcher) notifyLoop(sub *Subscription) {
	defer d.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case note := <-sub.queue:
			d.deliver(sub, note)
		}
	}
}

// deliver pushes one notification to the host. Failures are invisible
// to the host; they only burn the subscription's failure budget.
func (d *Dispatcher) deliver(sub *Subscription, note *wire.EventNotification) {
	if d.config.Notify == nil {
		return
	}

	if err := d.config.Notify(context.Background(), sub, note); err != nil {
		d.debugLog("notify delivery failed", "subscription", sub.ID,
			"seq", note.Sequence, "url", sub.Host.EventURL, "err", err)

		var removed bool
		d.mu.Lock()
		removed = d.failLocked(sub)
		d.mu.Unlock()
		if removed {
			d.notifyExpired(sub, "delivery failures")
		}
		return
	}

	// A successful delivery restores the failure budget.
	d.mu.Lock()
	sub.failures = 0
	d.mu.Unlock()

	if d.config.ProtocolLogger != nil {
		d.config.ProtocolLogger.Log(log.Event{
			Timestamp: time.Now(),
			SessionID: sub.Host.SessionID,
			Direction: log.DirectionOut,
			Layer:     log.LayerDispatch,
			Category:  log.CategoryMessage,
			LocalRole: log.RoleDevice,
			Message: &log.MessageEvent{
				Type:           wire.TypeNotify,
				SubscriptionID: sub.ID,
				Sequence:       note.Sequence,
			},
		})
	}
}

// failLocked counts one delivery failure. Returns true when the
// subscription crossed the failure threshold and was removed.
func (d *Dispatcher) failLocked(sub *Subscription) bool {
	if _, exists := d.subs[sub.ID]; !exists {
		return false
	}
	sub.failures++
	if sub.failures < d.config.FailureThreshold {
		return false
	}
	d.removeLocked(sub)
	return true
}

// removeLocked takes a subscription out of the table and stops its
// worker.
func (d *Dispatcher) removeLocked(sub *Subscription) {
	delete(d.subs, sub.ID)
	close(sub.done)
}

// notifyExpired reports a device-initiated termination to local
// observers. The host gets no notice.
func (d *Dispatcher) notifyExpired(sub *Subscription, reason string) {
	d.debugLog("subscription expired", "id", sub.ID, "reason", reason)
	d.captureSubState(sub, "ACTIVE", "EXPIRED", reason)
	if d.config.OnExpired != nil {
		d.config.OnExpired(sub, reason)
	}
}

func (d *Dispatcher) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return d.config.DefaultTTL
	}
	if ttl < d.config.MinTTL {
		return d.config.MinTTL
	}
	if ttl > d.config.MaxTTL {
		return d.config.MaxTTL
	}
	return ttl
}

// validateEventURL checks the registration-time constraints: printable
// ASCII and an absolute, parseable URL.
func validateEventURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEventURL)
	}
	if err := model.ValidateASCII(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEventURL, err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEventURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q is not absolute", ErrInvalidEventURL, raw)
	}
	return nil
}
