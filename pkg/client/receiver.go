package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/session"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

const (
	// DefaultNotifyPort is the default host-side listening port for
	// notification pushes.
	DefaultNotifyPort = 8411

	// DefaultNotifyPath is the path devices post notifications to.
	DefaultNotifyPath = "/events"

	// DefaultMaxNotifySize bounds one pushed notification body.
	DefaultMaxNotifySize = 65536
)

// GapError reports a skip in a subscription's sequence numbers: one or
// more notifications were lost between the last delivered one and this
// one.
type GapError struct {
	SubscriptionID string
	Expected       uint64
	Got            uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("subscription %s: expected sequence %d, got %d",
		e.SubscriptionID, e.Expected, e.Got)
}

// NotifyHandler receives verified notifications in arrival order.
// sessionID names the session the push was sealed under. gap is non-nil
// when sequence numbers skipped ahead; the notification itself is still
// delivered.
type NotifyHandler func(sessionID string, note *wire.EventNotification, gap *GapError)

// ReceiverConfig configures a notification receiver.
type ReceiverConfig struct {
	// Handler receives verified notifications. Required.
	Handler NotifyHandler

	// Address to listen on (default ":8411").
	Address string

	// Path notifications are posted to (default: DefaultNotifyPath).
	Path string

	// MaxBodySize bounds one pushed body (default:
	// DefaultMaxNotifySize).
	MaxBodySize int64

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives capture events (optional).
	ProtocolLogger log.Logger
}

// NotifyReceiver is the host's listening endpoint for notification
// pushes. Devices post sealed envelopes to it; the receiver opens them
// with the registered sessions and hands the notifications to the
// configured handler. Per-subscription ordering follows from the
// device serializing its pushes; the receiver's job is verification
// and gap detection, not reordering.
type NotifyReceiver struct {
	config ReceiverConfig

	httpServer *http.Server
	listener   net.Listener
	running    atomic.Bool
	wg         sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session.Session
	lastSeq  map[string]uint64
}

// NewNotifyReceiver creates a notification receiver.
func NewNotifyReceiver(config ReceiverConfig) (*NotifyReceiver, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultNotifyPort)
	}
	if config.Path == "" {
		config.Path = DefaultNotifyPath
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxNotifySize
	}

	r := &NotifyReceiver{
		config:   config,
		sessions: make(map[string]*session.Session),
		lastSeq:  make(map[string]uint64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(config.Path, r.handleNotify)
	r.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return r, nil
}

// AddSession registers a session pushes may be sealed under. Call it
// after every successful Hello.
func (r *NotifyReceiver) AddSession(sess *session.Session) {
	if sess == nil {
		return
	}
	r.mu.Lock()
	r.sessions[sess.ID()] = sess
	r.mu.Unlock()
}

// RemoveSession unregisters a session. Later pushes under it are
// rejected.
func (r *NotifyReceiver) RemoveSession(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Forget drops the sequence tracking for a subscription. Call it after
// unsubscribing so a later subscription reusing nothing starts clean.
func (r *NotifyReceiver) Forget(subscriptionID string) {
	r.mu.Lock()
	delete(r.lastSeq, subscriptionID)
	r.mu.Unlock()
}

// Start begins listening for pushes.
func (r *NotifyReceiver) Start(ctx context.Context) error {
	if r.running.Load() {
		return fmt.Errorf("receiver already running")
	}

	listener, err := net.Listen("tcp", r.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	r.listener = listener
	r.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	r.running.Store(true)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && r.running.Load() {
			r.debugLog("serve failed", "err", err)
		}
	}()

	r.debugLog("notify receiver listening", "addr", listener.Addr().String())
	return nil
}

// Stop drains in-flight pushes and shuts the receiver down.
func (r *NotifyReceiver) Stop() error {
	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.httpServer.Shutdown(ctx)
	r.wg.Wait()
	return err
}

// Addr returns the receiver's listen address.
func (r *NotifyReceiver) Addr() net.Addr {
	if r.listener != nil {
		return r.listener.Addr()
	}
	return nil
}

// EventURL builds the URL devices should push to, using host as the
// address this machine is reachable at. When host is empty the listen
// address is used as-is, which only works when the receiver is bound
// to a concrete interface.
func (r *NotifyReceiver) EventURL(host string) string {
	if host == "" {
		if r.listener == nil {
			return ""
		}
		return "http://" + r.listener.Addr().String() + r.config.Path
	}
	port := ""
	if r.listener != nil {
		if tcp, ok := r.listener.Addr().(*net.TCPAddr); ok {
			port = fmt.Sprintf("%d", tcp.Port)
		}
	}
	if port == "" {
		return "http://" + host + r.config.Path
	}
	return "http://" + net.JoinHostPort(host, port) + r.config.Path
}

// handleNotify accepts one pushed notification.
func (r *NotifyReceiver) handleNotify(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, r.config.MaxBodySize)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	env, err := session.ParseEnvelope(body)
	if err != nil {
		r.captureDrop(req, "malformed envelope")
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	sess := r.sessions[env.SessionID]
	r.mu.Unlock()
	if sess == nil {
		r.captureDrop(req, "unknown session "+env.SessionID)
		http.Error(w, "unknown session", http.StatusUnauthorized)
		return
	}

	message, err := sess.OpenEnvelope(env)
	if err != nil {
		r.captureDrop(req, "envelope verification failed")
		http.Error(w, "verification failed", http.StatusUnauthorized)
		return
	}

	decoded, err := wire.Decode(message)
	if err != nil {
		r.captureDrop(req, "malformed notification")
		http.Error(w, "malformed notification", http.StatusBadRequest)
		return
	}
	note, ok := decoded.Message.(*wire.EventNotification)
	if !ok {
		r.captureDrop(req, fmt.Sprintf("unexpected %s message", decoded.Type))
		http.Error(w, "unexpected message", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	last := r.lastSeq[note.SubscriptionID]
	if note.Sequence <= last {
		r.mu.Unlock()
		r.captureDrop(req, fmt.Sprintf("stale sequence %d (last %d)", note.Sequence, last))
		// Acknowledged so the device does not burn its failure budget
		// on a duplicate.
		w.WriteHeader(http.StatusOK)
		return
	}
	var gap *GapError
	if note.Sequence > last+1 {
		gap = &GapError{
			SubscriptionID: note.SubscriptionID,
			Expected:       last + 1,
			Got:            note.Sequence,
		}
	}
	r.lastSeq[note.SubscriptionID] = note.Sequence
	r.mu.Unlock()

	r.captureNotify(req, sess.ID(), note)
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if gap != nil {
		r.debugLog("sequence gap", "subscription", note.SubscriptionID,
			"expected", gap.Expected, "got", gap.Got)
	}
	r.config.Handler(sess.ID(), note, gap)
}

func (r *NotifyReceiver) captureNotify(req *http.Request, sessionID string, note *wire.EventNotification) {
	if r.config.ProtocolLogger == nil {
		return
	}
	r.config.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  sessionID,
		Direction:  log.DirectionIn,
		Layer:      log.LayerTransport,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleHost,
		RemoteAddr: req.RemoteAddr,
		Message: &log.MessageEvent{
			Type:           wire.TypeNotify,
			SubscriptionID: note.SubscriptionID,
			Sequence:       note.Sequence,
		},
	})
}

func (r *NotifyReceiver) captureDrop(req *http.Request, reason string) {
	if r.config.ProtocolLogger == nil {
		return
	}
	r.config.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionIn,
		Layer:      log.LayerTransport,
		Category:   log.CategoryDrop,
		LocalRole:  log.RoleHost,
		RemoteAddr: req.RemoteAddr,
		Drop: &log.DropEvent{
			Reason: reason,
		},
	})
}

func (r *NotifyReceiver) debugLog(msg string, args ...any) {
	if r.config.Logger != nil {
		r.config.Logger.Debug(msg, args...)
	}
}
