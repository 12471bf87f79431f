package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/model"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Dispatcher errors.
var (
	ErrMissingDevice        = errors.New("device must not be nil")
	ErrInvalidEventURL      = errors.New("invalid event url")
	ErrUnknownVariable      = errors.New("unknown variable")
	ErrNoVariables          = errors.New("subscription names no variables")
	ErrTooManySubscriptions = errors.New("maximum subscriptions reached")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrStopped              = errors.New("dispatcher is stopped")
)

// Default dispatcher limits.
const (
	DefaultMaxSubscriptions = 32
	DefaultFailureThreshold = 3
	DefaultInvokeTimeout    = 10 * time.Second
	DefaultSweepInterval    = 5 * time.Second
	DefaultTTL              = 5 * time.Minute
	DefaultMinTTL           = 5 * time.Second
	DefaultMaxTTL           = 24 * time.Hour
	DefaultQueueDepth       = 16
)

// NotifyFunc delivers one notification to a subscribed host. The
// transport supplies this. A returned error counts against the
// subscription's failure budget.
type NotifyFunc func(ctx context.Context, sub *Subscription, note *wire.EventNotification) error

// Config holds dispatcher configuration.
type Config struct {
	// Notify delivers notifications to hosts. If nil, notifications
	// are discarded.
	Notify NotifyFunc

	// OnInvoked observes every completed invocation, faults included.
	// Called outside dispatcher locks.
	OnInvoked func(req *wire.ControlRequest, resp *wire.ControlResponse)

	// OnSubscribed observes every accepted subscription. Called outside
	// dispatcher locks.
	OnSubscribed func(sub *Subscription)

	// OnExpired observes device-initiated terminations (TTL expiry,
	// delivery-failure cutoff). Called outside dispatcher locks.
	OnExpired func(sub *Subscription, reason string)

	// MaxSubscriptions caps live subscriptions per device.
	MaxSubscriptions int

	// FailureThreshold is how many consecutive delivery failures
	// expire a subscription early.
	FailureThreshold int

	// InvokeTimeout bounds one action handler run.
	InvokeTimeout time.Duration

	// SweepInterval is how often expired subscriptions are reaped.
	SweepInterval time.Duration

	// DefaultTTL applies when a subscribe requests no TTL.
	DefaultTTL time.Duration

	// MinTTL and MaxTTL clamp requested TTLs.
	MinTTL time.Duration
	MaxTTL time.Duration

	// QueueDepth is the per-subscription notification queue length.
	// A full queue counts as a delivery failure.
	QueueDepth int

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives capture events (optional).
	ProtocolLogger log.Logger
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptions: DefaultMaxSubscriptions,
		FailureThreshold: DefaultFailureThreshold,
		InvokeTimeout:    DefaultInvokeTimeout,
		SweepInterval:    DefaultSweepInterval,
		DefaultTTL:       DefaultTTL,
		MinTTL:           DefaultMinTTL,
		MaxTTL:           DefaultMaxTTL,
		QueueDepth:       DefaultQueueDepth,
	}
}

// Dispatcher executes control requests and manages subscriptions for
// one device. One mutex serializes the subscription table and sequence
// assignment; invocations never take it, so independent actions run
// concurrently.
type Dispatcher struct {
	config Config
	device *model.Device

	mu       sync.Mutex
	subs     map[string]*Subscription
	sweeping bool
	stopped  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher bound to a device.
func New(device *model.Device, config Config) (*Dispatcher, error) {
	if device == nil {
		return nil, ErrMissingDevice
	}
	if config.MaxSubscriptions <= 0 {
		config.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.InvokeTimeout <= 0 {
		config.InvokeTimeout = DefaultInvokeTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTTL
	}
	if config.MinTTL <= 0 {
		config.MinTTL = DefaultMinTTL
	}
	if config.MaxTTL <= 0 {
		config.MaxTTL = DefaultMaxTTL
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = DefaultQueueDepth
	}

	return &Dispatcher{
		config: config,
		device: device,
		subs:   make(map[string]*Subscription),
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the expiry sweeper. It runs until ctx is cancelled or
// Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.sweeping || d.stopped {
		d.mu.Unlock()
		return
	}
	d.sweeping = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.sweepLoop(ctx)
}

// Stop shuts the dispatcher down: the sweeper ends and every live
// subscription's worker stops. In-flight invocations finish on their
// own.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)
	stopped := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		close(sub.done)
		stopped = append(stopped, sub)
	}
	d.subs = make(map[string]*Subscription)
	d.mu.Unlock()

	d.wg.Wait()

	for _, sub := range stopped {
		d.captureSubState(sub, "ACTIVE", "REMOVED", "dispatcher stopped")
	}
}

// Invoke executes one control request against the device's action
// table. It always returns a response: failures are faults, and a
// misbehaving handler cannot take the process down.
func (d *Dispatcher) Invoke(ctx context.Context, req *wire.ControlRequest) *wire.ControlResponse {
	started := time.Now()
	if d.config.ProtocolLogger != nil {
		d.config.ProtocolLogger.Log(log.Event{
			Timestamp: started,
			Direction: log.DirectionIn,
			Layer:     log.LayerDispatch,
			Category:  log.CategoryMessage,
			LocalRole: log.RoleDevice,
			Message: &log.MessageEvent{
				Type:      wire.TypeControl,
				RequestID: req.RequestID,
				Action:    req.Action,
			},
		})
	}

	resp := d.invoke(ctx, req)

	if d.config.OnInvoked != nil {
		d.config.OnInvoked(req, resp)
	}

	if d.config.ProtocolLogger != nil {
		elapsed := time.Since(started)
		status := resp.Status
		d.config.ProtocolLogger.Log(log.Event{
			Timestamp: time.Now(),
			Direction: log.DirectionOut,
			Layer:     log.LayerDispatch,
			Category:  log.CategoryMessage,
			LocalRole: log.RoleDevice,
			Message: &log.MessageEvent{
				Type:           wire.TypeControlReply,
				RequestID:      req.RequestID,
				Action:         req.Action,
				Status:         &status,
				ProcessingTime: &elapsed,
			},
		})
	}
	return resp
}

func (d *Dispatcher) invoke(ctx context.Context, req *wire.ControlRequest) *wire.ControlResponse {
	action, err := d.device.Action(req.Action)
	if err != nil {
		return wire.NewControlFault(req.RequestID, wire.StatusActionNotFound,
			fmt.Sprintf("unknown action %q", req.Action))
	}

	args := req.Args.Map()
	if err := action.CheckArgs(args); err != nil {
		return wire.NewControlFault(req.RequestID, wire.StatusInvalidArguments, err.Error())
	}

	results, err := d.runHandler(ctx, action, args)
	if err != nil {
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			detail = fmt.Sprintf("%s: deadline exceeded after %s", req.Action, d.config.InvokeTimeout)
		}
		d.debugLog("action failed", "action", req.Action, "err", err)
		return wire.NewControlFault(req.RequestID, wire.StatusInternalError, detail)
	}

	if err := action.CheckResults(results); err != nil {
		d.debugLog("action returned invalid results", "action", req.Action, "err", err)
		return wire.NewControlFault(req.RequestID, wire.StatusInternalError, err.Error())
	}

	return &wire.ControlResponse{
		RequestID: req.RequestID,
		Status:    wire.StatusSuccess,
		Results:   wire.NewArguments(results),
	}
}

// runHandler executes the handler with the invoke timeout and a panic
// guard. A panicking handler fails its own request, nothing else.
func (d *Dispatcher) runHandler(ctx context.Context, action *model.Action, args map[string]any) (results map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, d.config.InvokeTimeout)
	defer cancel()

	return action.Handler(hctx, args)
}

// sweepLoop reaps expired subscriptions on a timer. One sweeper per
// dispatcher instead of one timer per subscription.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweepExpired(time.Now())
		}
	}
}

// sweepExpired removes every subscription whose TTL has passed.
func (d *Dispatcher) sweepExpired(now time.Time) {
	var expired []*Subscription
	d.mu.Lock()
	for _, sub := range d.subs {
		if now.After(sub.expiresAt) {
			d.removeLocked(sub)
			expired = append(expired, sub)
		}
	}
	d.mu.Unlock()

	for _, sub := range expired {
		d.notifyExpired(sub, "ttl expired")
	}
}

func (d *Dispatcher) captureSubState(sub *Subscription, oldState, newState, reason string) {
	if d.config.ProtocolLogger == nil {
		return
	}
	d.config.ProtocolLogger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: sub.Host.SessionID,
		Layer:     log.LayerDispatch,
		Category:  log.CategoryState,
		LocalRole: log.RoleDevice,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySubscription,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (d *Dispatcher) debugLog(msg string, args ...any) {
	if d.config.Logger != nil {
		d.config.Logger.Debug(msg, args...)
	}
}
