package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotscp/iotscp-go/pkg/dispatch"
	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/model"
	"github.com/iotscp/iotscp-go/pkg/session"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

const (
	// DefaultPort is the default IOTSCP control port.
	DefaultPort = 8410

	// DefaultMaxBodySize is the default maximum request body size (64 KB).
	DefaultMaxBodySize = 65536

	// DefaultReadTimeout bounds reading one request.
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout bounds writing one response.
	DefaultWriteTimeout = 15 * time.Second

	// DefaultShutdownTimeout bounds the graceful drain during Stop.
	DefaultShutdownTimeout = 5 * time.Second
)

const contentTypeCBOR = "application/cbor"

// ServerConfig configures a device-side HTTP server.
type ServerConfig struct {
	// Device supplies the request paths and the action/variable
	// tables. Required.
	Device *model.Device

	// DeviceID is this device's identifier, published in the
	// description document. Required.
	DeviceID string

	// Sessions holds the established sessions. Required.
	Sessions *session.Manager

	// Dispatcher executes control requests and manages subscriptions.
	// Required.
	Dispatcher *dispatch.Dispatcher

	// Address to listen on (e.g., ":8410" or "127.0.0.1:8410").
	Address string

	// Modes is published in the description document so hosts know
	// what to offer. Defaults to sealed then token.
	Modes []wire.CipherMode

	// MaxBodySize is the maximum request body size (default: 64KB).
	MaxBodySize int64

	// ReadTimeout and WriteTimeout bound one HTTP exchange.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives capture events (optional).
	ProtocolLogger log.Logger
}

// Server is the device-side HTTP server. It binds the device's
// description, hello, control and event paths and answers every
// request per the fault layering described in the package doc.
type Server struct {
	config ServerConfig
	device *model.Device

	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewServer creates a device-side HTTP server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if config.DeviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}
	if config.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if len(config.Modes) == 0 {
		config.Modes = []wire.CipherMode{wire.ModeSealed, wire.ModeToken}
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	s := &Server{
		config: config,
		device: config.Device,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s, nil
}

// registerRoutes binds the device's paths.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc(s.device.DescriptionPath(), s.handleDescription)
	s.mux.HandleFunc(s.device.HelloPath(), s.handleHello)
	s.mux.HandleFunc(s.device.ControlPath(), s.handleControl)
	s.mux.HandleFunc(s.device.EventPath(), s.handleEvent)
}

// Start begins listening and serving. The ctx becomes the base context
// of every request.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	s.running.Store(true)
	s.wg.Add(1)
	go s.serveLoop()

	s.debugLog("server listening", "addr", listener.Addr().String())
	return nil
}

func (s *Server) serveLoop() {
	defer s.wg.Done()

	err := s.httpServer.Serve(s.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && s.running.Load() {
		s.debugLog("serve failed", "err", err)
	}
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Description is the JSON document served on the description path. It
// is the one unprotected read surface: anyone may learn what the
// device is and how to talk to it.
type Description struct {
	Name            string                  `json:"name"`
	DeviceType      string                  `json:"deviceType"`
	DeviceID        string                  `json:"deviceId"`
	ProtocolVersion uint8                   `json:"protocolVersion"`
	Modes           []string                `json:"modes"`
	Paths           DescriptionPaths        `json:"paths"`
	Capabilities    DescriptionCapabilities `json:"capabilities"`
}

// DescriptionPaths lists the request paths a host needs.
type DescriptionPaths struct {
	Hello   string `json:"hello"`
	Control string `json:"control"`
	Event   string `json:"event"`
}

// DescriptionCapabilities lists the registered action and variable
// names.
type DescriptionCapabilities struct {
	Actions   []string `json:"actions"`
	Variables []string `json:"variables"`
}

// handleDescription serves the description document.
func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	modes := make([]string, len(s.config.Modes))
	for i, mode := range s.config.Modes {
		modes[i] = mode.String()
	}
	caps := s.device.Capabilities()

	writeJSON(w, http.StatusOK, Description{
		Name:            s.device.Name(),
		DeviceType:      s.device.Type(),
		DeviceID:        s.config.DeviceID,
		ProtocolVersion: wire.ProtocolVersion,
		Modes:           modes,
		Paths: DescriptionPaths{
			Hello:   s.device.HelloPath(),
			Control: s.device.ControlPath(),
			Event:   s.device.EventPath(),
		},
		Capabilities: DescriptionCapabilities{
			Actions:   caps.Actions,
			Variables: caps.Variables,
		},
	})
}

// handleHello establishes a session from a plain-envelope hello.
func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	decoded, err := wire.Decode(body)
	if err != nil {
		s.writeFault(w, r, "", http.StatusBadRequest, wire.StatusMalformed, err.Error())
		return
	}
	req, ok := decoded.Message.(*wire.HelloRequest)
	if !ok {
		s.writeFault(w, r, "", http.StatusBadRequest, wire.StatusMalformed,
			fmt.Sprintf("unexpected %s message on hello path", decoded.Type))
		return
	}

	s.captureMessage(log.DirectionIn, "", r, &log.MessageEvent{
		Type: wire.TypeHello,
		Size: len(body),
	})

	sess, resp, err := s.config.Sessions.Establish(req)
	if err != nil {
		var replay *session.ReplayError
		if errors.As(err, &replay) {
			s.debugLog("hello rejected", "host", req.HostID, "err", err)
			s.writeFault(w, r, "", http.StatusUnauthorized, wire.StatusReplay, err.Error())
			return
		}
		s.writeFault(w, r, "", http.StatusBadRequest, wire.StatusMalformed, err.Error())
		return
	}

	data, err := wire.Encode(resp)
	if err != nil {
		http.Error(w, "response encoding failed", http.StatusInternalServerError)
		return
	}

	s.captureSessionEstablished(sess, r)
	s.writeCBOR(w, http.StatusOK, data)
	s.captureMessage(log.DirectionOut, sess.ID(), r, &log.MessageEvent{
		Type: wire.TypeHelloReply,
		Size: len(data),
	})
}

// handleControl unwraps a protected control request, invokes it, and
// seals the response.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	sess, message, ok := s.openProtected(w, r, body)
	if !ok {
		return
	}

	decoded, err := wire.Decode(message)
	if err != nil {
		s.writeSealed(w, r, sess, wire.NewControlFault(0, wire.StatusMalformed, err.Error()))
		return
	}
	req, ok := decoded.Message.(*wire.ControlRequest)
	if !ok {
		s.writeSealed(w, r, sess, wire.NewControlFault(0, wire.StatusMalformed,
			fmt.Sprintf("unexpected %s message on control path", decoded.Type)))
		return
	}

	s.captureMessage(log.DirectionIn, sess.ID(), r, &log.MessageEvent{
		Type:      wire.TypeControl,
		RequestID: req.RequestID,
		Action:    req.Action,
		Size:      len(body),
	})

	resp := s.config.Dispatcher.Invoke(r.Context(), req)
	s.writeSealed(w, r, sess, resp)
}

// handleEvent unwraps a protected event request and performs the
// subscription operation it names.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	sess, message, ok := s.openProtected(w, r, body)
	if !ok {
		return
	}

	decoded, err := wire.Decode(message)
	if err != nil {
		s.writeSealed(w, r, sess, wire.NewEventFault(0, wire.StatusMalformed, err.Error()))
		return
	}
	req, ok := decoded.Message.(*wire.EventRequest)
	if !ok {
		s.writeSealed(w, r, sess, wire.NewEventFault(0, wire.StatusMalformed,
			fmt.Sprintf("unexpected %s message on event path", decoded.Type)))
		return
	}

	op := req.Op
	s.captureMessage(log.DirectionIn, sess.ID(), r, &log.MessageEvent{
		Type:           wire.TypeEvent,
		RequestID:      req.RequestID,
		Op:             &op,
		SubscriptionID: req.SubscriptionID,
		Size:           len(body),
	})

	s.writeSealed(w, r, sess, s.eventOp(sess, req))
}

// eventOp executes one subscription-management operation.
func (s *Server) eventOp(sess *session.Session, req *wire.EventRequest) *wire.EventResponse {
	ttl := time.Duration(req.TTLSeconds) * time.Second

	switch req.Op {
	case wire.OpSubscribe:
		host := dispatch.Host{SessionID: sess.ID(), EventURL: req.EventURL}
		sub, _, err := s.config.Dispatcher.Subscribe(host, req.Variables, ttl)
		if err != nil {
			return wire.NewEventFault(req.RequestID, subscribeStatus(err), err.Error())
		}
		return &wire.EventResponse{
			RequestID:      req.RequestID,
			Status:         wire.StatusSuccess,
			SubscriptionID: sub.ID,
			TTLSeconds:     uint32(sub.TTL / time.Second),
		}

	case wire.OpRenew:
		granted, err := s.config.Dispatcher.Renew(req.SubscriptionID, ttl)
		if err != nil {
			return wire.NewEventFault(req.RequestID, wire.StatusNotFound, err.Error())
		}
		return &wire.EventResponse{
			RequestID:      req.RequestID,
			Status:         wire.StatusSuccess,
			SubscriptionID: req.SubscriptionID,
			TTLSeconds:     uint32(granted / time.Second),
		}

	case wire.OpUnsubscribe:
		if err := s.config.Dispatcher.Unsubscribe(req.SubscriptionID); err != nil {
			return wire.NewEventFault(req.RequestID, wire.StatusNotFound, err.Error())
		}
		return &wire.EventResponse{
			RequestID:      req.RequestID,
			Status:         wire.StatusSuccess,
			SubscriptionID: req.SubscriptionID,
		}

	default:
		return wire.NewEventFault(req.RequestID, wire.StatusMalformed,
			fmt.Sprintf("unknown event operation %d", req.Op))
	}
}

// subscribeStatus maps a dispatcher subscribe error to a fault code.
func subscribeStatus(err error) wire.Status {
	switch {
	case errors.Is(err, dispatch.ErrTooManySubscriptions):
		return wire.StatusTooManySubscriptions
	case errors.Is(err, dispatch.ErrUnknownVariable),
		errors.Is(err, dispatch.ErrInvalidEventURL),
		errors.Is(err, dispatch.ErrNoVariables):
		return wire.StatusInvalidArguments
	default:
		return wire.StatusInternalError
	}
}

// readBody reads a bounded request body. A failure answers the request
// and returns false.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeFault(w, r, "", http.StatusRequestEntityTooLarge, wire.StatusMalformed,
				fmt.Sprintf("request body exceeds %d bytes", s.config.MaxBodySize))
			return nil, false
		}
		s.writeFault(w, r, "", http.StatusBadRequest, wire.StatusMalformed,
			"reading request body: "+err.Error())
		return nil, false
	}
	if len(body) == 0 {
		s.writeFault(w, r, "", http.StatusBadRequest, wire.StatusMalformed, "empty request body")
		return nil, false
	}
	return body, true
}

// openProtected parses a protected envelope, routes it to its session,
// and opens it. A failure answers the request with a plain fault and
// returns false.
func (s *Server) openProtected(w http.ResponseWriter, r *http.Request, body []byte) (*session.Session, []byte, bool) {
	env, err := session.ParseEnvelope(body)
	if err != nil {
		s.writeFault(w, r, "", http.StatusBadRequest, wire.StatusMalformed, err.Error())
		return nil, nil, false
	}
	sess, err := s.config.Sessions.Get(env.SessionID)
	if err != nil {
		s.debugLog("request for unknown session", "sessionID", env.SessionID, "remote", r.RemoteAddr)
		s.writeFault(w, r, env.SessionID, http.StatusUnauthorized, wire.StatusAuthenticationFailed,
			"unknown session")
		return nil, nil, false
	}
	message, err := sess.OpenEnvelope(env)
	if err != nil {
		s.debugLog("envelope rejected", "sessionID", env.SessionID, "remote", r.RemoteAddr, "err", err)
		s.writeFault(w, r, env.SessionID, http.StatusUnauthorized, wire.StatusAuthenticationFailed,
			"envelope verification failed")
		return nil, nil, false
	}
	return sess, message, true
}

// writeFault answers with a plain fault body. Request ID zero marks
// the fault as transport-level: no inner request was recovered.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, sessionID string, httpStatus int, code wire.Status, detail string) {
	fault := wire.NewControlFault(0, code, detail)
	data, err := wire.Encode(fault)
	if err != nil {
		http.Error(w, detail, httpStatus)
		return
	}
	s.writeCBOR(w, httpStatus, data)
	status := code
	s.captureMessage(log.DirectionOut, sessionID, r, &log.MessageEvent{
		Type:   wire.TypeControlReply,
		Status: &status,
		Size:   len(data),
	})
}

// writeSealed encodes a reply, seals it under the session key, and
// answers with status 200.
func (s *Server) writeSealed(w http.ResponseWriter, r *http.Request, sess *session.Session, msg wire.Message) {
	data, err := wire.Encode(msg)
	if err != nil {
		http.Error(w, "response encoding failed", http.StatusInternalServerError)
		return
	}
	sealed, err := sess.Seal(data)
	if err != nil {
		http.Error(w, "response sealing failed", http.StatusInternalServerError)
		return
	}
	s.writeCBOR(w, http.StatusOK, sealed)
	s.captureMessage(log.DirectionOut, sess.ID(), r, replyEvent(msg, len(sealed)))
}

// replyEvent builds the capture payload for an outgoing reply.
func replyEvent(msg wire.Message, size int) *log.MessageEvent {
	ev := &log.MessageEvent{Type: msg.MessageType(), Size: size}
	switch m := msg.(type) {
	case *wire.ControlResponse:
		status := m.Status
		ev.RequestID = m.RequestID
		ev.Status = &status
	case *wire.EventResponse:
		status := m.Status
		ev.RequestID = m.RequestID
		ev.Status = &status
		ev.SubscriptionID = m.SubscriptionID
	}
	return ev
}

func (s *Server) writeCBOR(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(status)
	w.Write(data)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) captureMessage(direction log.Direction, sessionID string, r *http.Request, msg *log.MessageEvent) {
	if s.config.ProtocolLogger == nil {
		return
	}
	s.config.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  sessionID,
		Direction:  direction,
		Layer:      log.LayerTransport,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleDevice,
		RemoteAddr: r.RemoteAddr,
		DeviceID:   s.config.DeviceID,
		Message:    msg,
	})
}

func (s *Server) captureSessionEstablished(sess *session.Session, r *http.Request) {
	if s.config.ProtocolLogger == nil {
		return
	}
	s.config.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  sess.ID(),
		Layer:      log.LayerSession,
		Category:   log.CategoryState,
		LocalRole:  log.RoleDevice,
		RemoteAddr: r.RemoteAddr,
		DeviceID:   s.config.DeviceID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			NewState: "ESTABLISHED",
			Reason:   "hello accepted",
		},
	})
}

func (s *Server) debugLog(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}
