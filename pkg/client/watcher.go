package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/log"
)

// Watcher errors.
var (
	ErrAlreadyWatching = errors.New("watcher already started")
	ErrNotWatching     = errors.New("watcher not started")
)

// establishTimeout bounds one connect+hello+subscribe round.
const establishTimeout = 30 * time.Second

// WatcherState represents the watcher lifecycle.
type WatcherState uint8

const (
	// WatcherIdle indicates the watcher has not been started.
	WatcherIdle WatcherState = iota

	// WatcherConnecting indicates an establishment attempt is in
	// progress.
	WatcherConnecting

	// WatcherWatching indicates a live subscription being renewed.
	WatcherWatching

	// WatcherRetrying indicates the device was lost and the watcher is
	// waiting out a backoff delay.
	WatcherRetrying

	// WatcherStopped indicates the watcher has been stopped.
	WatcherStopped
)

// String returns a human-readable state name.
func (s WatcherState) String() string {
	switch s {
	case WatcherIdle:
		return "IDLE"
	case WatcherConnecting:
		return "CONNECTING"
	case WatcherWatching:
		return "WATCHING"
	case WatcherRetrying:
		return "RETRYING"
	case WatcherStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Certificate is the shared certificate sessions derive from.
	// Required.
	Certificate *cert.Certificate

	// HostID identifies this host in hello exchanges. Required.
	HostID string

	// Target is the device address or description URL. Required.
	Target string

	// Variables to watch. Required.
	Variables []string

	// TTL is the requested subscription lifetime. Zero lets the device
	// choose.
	TTL time.Duration

	// Receiver accepts the pushes. Required, and must be started before
	// the watcher.
	Receiver *NotifyReceiver

	// EventHost is the host part of the advertised event URL. Empty
	// uses the receiver's listen address as-is, which only works for
	// concrete binds.
	EventHost string

	// RenewInterval overrides the renew cadence. Zero renews at half
	// the granted lifetime.
	RenewInterval time.Duration

	// Backoff overrides the retry timing between establishment
	// attempts.
	Backoff *Backoff

	// OnState observes state transitions (optional). Called from the
	// watcher goroutine.
	OnState func(old, new WatcherState)

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives capture events from the sessions the
	// watcher establishes (optional).
	ProtocolLogger log.Logger
}

// Watcher keeps one subscription alive against one device. It
// establishes the session and subscription, renews before expiry, and
// re-establishes everything with exponential backoff when the device
// disappears. Pushes arrive through the configured receiver.
type Watcher struct {
	config  WatcherConfig
	backoff *Backoff

	mu      sync.RWMutex
	state   WatcherState
	client  *Client
	subID   string
	granted time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher. Start begins watching.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Certificate == nil {
		return nil, fmt.Errorf("certificate is required")
	}
	if config.HostID == "" {
		return nil, fmt.Errorf("host ID is required")
	}
	if config.Target == "" {
		return nil, fmt.Errorf("target is required")
	}
	if len(config.Variables) == 0 {
		return nil, fmt.Errorf("at least one variable is required")
	}
	if config.Receiver == nil {
		return nil, fmt.Errorf("receiver is required")
	}

	backoff := config.Backoff
	if backoff == nil {
		backoff = NewBackoff()
	}

	return &Watcher{
		config:  config,
		backoff: backoff,
		state:   WatcherIdle,
	}, nil
}

// State returns the current watcher state.
func (w *Watcher) State() WatcherState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SubscriptionID returns the live subscription's ID, or "" when not
// watching.
func (w *Watcher) SubscriptionID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.subID
}

// DeviceID returns the watched device's ID, or "" before the first
// establishment.
func (w *Watcher) DeviceID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.client == nil {
		return ""
	}
	return w.client.DeviceID()
}

// TTL returns the granted subscription lifetime, or zero when not
// watching.
func (w *Watcher) TTL() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.granted
}

// Attempts returns the number of establishment retries since the last
// success.
func (w *Watcher) Attempts() int {
	return w.backoff.Attempts()
}

// Start begins watching. The first establishment happens in the
// background; failures retry with backoff until Stop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != WatcherIdle && w.state != WatcherStopped {
		w.mu.Unlock()
		return ErrAlreadyWatching
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.state = WatcherConnecting
	w.mu.Unlock()

	w.backoff.Reset()
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop ends the watch, unsubscribing best-effort when a subscription is
// live.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.state == WatcherIdle || w.state == WatcherStopped {
		w.mu.Unlock()
		return ErrNotWatching
	}
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.mu.Lock()
	c, subID := w.client, w.subID
	w.client, w.subID, w.granted = nil, "", 0
	w.mu.Unlock()
	w.setState(WatcherStopped)

	if c != nil && subID != "" {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		_, _ = c.Unsubscribe(ctx, subID)
		w.config.Receiver.Forget(subID)
		w.config.Receiver.RemoveSession(c.SessionID())
	}
	return nil
}

// run is the watch loop: establish, renew until lost, back off, repeat.
func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		if w.ctx.Err() != nil {
			return
		}

		if err := w.establish(); err != nil {
			if w.ctx.Err() != nil {
				return
			}
			delay := w.backoff.Next()
			w.debugLog("establish failed", "target", w.config.Target, "retry_in", delay, "err", err)
			w.setState(WatcherRetrying)
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		w.backoff.Reset()
		w.setState(WatcherWatching)

		err := w.maintain()
		if w.ctx.Err() != nil {
			return
		}
		w.debugLog("subscription lost", "target", w.config.Target, "err", err)
	}
}

// establish connects, hellos and subscribes, replacing any previous
// incarnation's state in the receiver.
func (w *Watcher) establish() error {
	w.setState(WatcherConnecting)

	ctx, cancel := context.WithTimeout(w.ctx, establishTimeout)
	defer cancel()

	c, err := New(Config{
		Certificate:    w.config.Certificate,
		HostID:         w.config.HostID,
		Logger:         w.config.Logger,
		ProtocolLogger: w.config.ProtocolLogger,
	})
	if err != nil {
		return err
	}
	if _, err := c.Connect(ctx, w.config.Target); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := c.Hello(ctx); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	w.config.Receiver.AddSession(c.Session())

	sub, fault, err := c.Subscribe(ctx, w.config.Variables,
		w.config.TTL, w.config.Receiver.EventURL(w.config.EventHost))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if fault != nil {
		return fmt.Errorf("subscribe refused: %w", fault)
	}

	w.mu.Lock()
	oldClient, oldSub := w.client, w.subID
	w.client, w.subID, w.granted = c, sub.ID, sub.TTL
	w.mu.Unlock()

	if oldSub != "" {
		w.config.Receiver.Forget(oldSub)
	}
	if oldClient != nil {
		w.config.Receiver.RemoveSession(oldClient.SessionID())
	}

	w.debugLog("watching", "device", c.DeviceID(), "subscription", sub.ID, "ttl", sub.TTL)
	return nil
}

// maintain renews the live subscription until a renew fails, which
// signals the device restarted or dropped us.
func (w *Watcher) maintain() error {
	w.mu.RLock()
	c, subID, granted := w.client, w.subID, w.granted
	w.mu.RUnlock()

	interval := w.config.RenewInterval
	if interval <= 0 {
		interval = granted / 2
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(w.ctx, c.config.Timeout)
			renewed, fault, err := c.Renew(ctx, subID, w.config.TTL)
			cancel()
			if err != nil {
				return fmt.Errorf("renew: %w", err)
			}
			if fault != nil {
				return fmt.Errorf("renew refused: %w", fault)
			}
			w.mu.Lock()
			w.granted = renewed
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) setState(s WatcherState) {
	w.mu.Lock()
	old := w.state
	w.state = s
	w.mu.Unlock()

	if old != s && w.config.OnState != nil {
		w.config.OnState(old, s)
	}
}

func (w *Watcher) debugLog(msg string, args ...any) {
	if w.config.Logger != nil {
		w.config.Logger.Debug(msg, args...)
	}
}
