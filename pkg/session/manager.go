package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Session lifecycle defaults.
const (
	// DefaultSessionTTL is how long an idle session survives before
	// the sweep removes it.
	DefaultSessionTTL = 10 * time.Minute

	// DefaultSweepInterval is how often idle sessions are reaped.
	DefaultSweepInterval = 30 * time.Second
)

// Manager errors.
var (
	// ErrSessionNotFound indicates an envelope or lookup referencing
	// an unknown session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoCommonMode indicates a hello offering no cipher mode this
	// side supports.
	ErrNoCommonMode = errors.New("no common cipher mode")
)

// ManagerConfig configures a session manager.
type ManagerConfig struct {
	// Certificate is the shared certificate keys derive from.
	// Required.
	Certificate *cert.Certificate

	// DeviceID is this side's identifier, echoed in hello responses.
	// Required.
	DeviceID string

	// Resolver vets exchange offsets. Defaults to a transmitted
	// resolver.
	Resolver OffsetResolver

	// Modes is the cipher mode preference order used during
	// negotiation. Defaults to sealed then token.
	Modes []wire.CipherMode

	// SessionTTL is the idle lifetime of a session. Defaults to
	// DefaultSessionTTL.
	SessionTTL time.Duration

	// SweepInterval is how often idle sessions are checked. Defaults
	// to DefaultSweepInterval.
	SweepInterval time.Duration

	// OnEstablished observes every new session. Called outside manager
	// locks (optional).
	OnEstablished func(s *Session)

	// Logger for debug output (optional).
	Logger *slog.Logger
}

// Manager owns every established session on the device side. Each peer
// holds at most one session; a new hello from a known peer replaces the
// previous session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byPeer   map[string]string

	certificate   *cert.Certificate
	deviceID      string
	resolver      OffsetResolver
	modes         []wire.CipherMode
	sessionTTL    time.Duration
	sweepEvery    time.Duration
	onEstablished func(s *Session)
	logger        *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Certificate == nil {
		return nil, ErrNilCertificate
	}
	if config.DeviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}
	if config.Resolver == nil {
		config.Resolver = NewTransmittedResolver()
	}
	if len(config.Modes) == 0 {
		config.Modes = []wire.CipherMode{wire.ModeSealed, wire.ModeToken}
	}
	for _, mode := range config.Modes {
		if !mode.IsValid() {
			return nil, fmt.Errorf("unsupported cipher mode %d", uint8(mode))
		}
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	return &Manager{
		sessions:      make(map[string]*Session),
		byPeer:        make(map[string]string),
		certificate:   config.Certificate,
		deviceID:      config.DeviceID,
		resolver:      config.Resolver,
		modes:         config.Modes,
		sessionTTL:    config.SessionTTL,
		sweepEvery:    config.SweepInterval,
		onEstablished: config.OnEstablished,
		logger:        config.Logger,
		stop:          make(chan struct{}),
	}, nil
}

// Establish handles an incoming hello: it vets the offset, negotiates
// a cipher mode, derives the session key, and installs the session. Any
// previous session with the same peer is replaced.
func (m *Manager) Establish(req *wire.HelloRequest) (*Session, *wire.HelloResponse, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("nil hello request")
	}
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	mode, err := m.negotiate(req.Modes)
	if err != nil {
		return nil, nil, err
	}
	if err := m.resolver.Accept(req.HostID, req.Offset); err != nil {
		return nil, nil, err
	}

	key, err := DeriveSessionKey(m.certificate, req.Offset, req.Nonce)
	if err != nil {
		return nil, nil, err
	}
	sess, err := NewSession(uuid.NewString(), req.HostID, mode, key)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	if previous, ok := m.byPeer[req.HostID]; ok {
		delete(m.sessions, previous)
	}
	m.sessions[sess.ID()] = sess
	m.byPeer[req.HostID] = sess.ID()
	m.mu.Unlock()

	m.debugLog("session established",
		"sessionID", sess.ID(),
		"peerID", req.HostID,
		"mode", mode.String())

	if m.onEstablished != nil {
		m.onEstablished(sess)
	}

	return sess, &wire.HelloResponse{
		DeviceID:  m.deviceID,
		SessionID: sess.ID(),
		Mode:      mode,
	}, nil
}

// negotiate picks the first locally preferred mode the peer offers.
func (m *Manager) negotiate(offered []wire.CipherMode) (wire.CipherMode, error) {
	for _, preferred := range m.modes {
		for _, mode := range offered {
			if mode == preferred {
				return mode, nil
			}
		}
	}
	return 0, ErrNoCommonMode
}

// Get returns the session with the given ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// GetByPeer returns the session established with peer.
func (m *Manager) GetByPeer(peerID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPeer[peerID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m.sessions[id], nil
}

// OpenMessage routes an encoded envelope to its session and opens it,
// returning the session alongside the recovered message bytes.
func (m *Manager) OpenMessage(data []byte) (*Session, []byte, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	sess, err := m.Get(env.SessionID)
	if err != nil {
		return nil, nil, err
	}
	message, err := sess.OpenEnvelope(env)
	if err != nil {
		return nil, nil, err
	}
	return sess, message, nil
}

// Remove drops a session by ID.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if m.byPeer[sess.PeerID()] == sessionID {
		delete(m.byPeer, sess.PeerID())
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns the live sessions sorted by ID.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })
	return sessions
}

// Start launches the idle sweep. The sweep stops when ctx is canceled
// or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop halts the idle sweep and waits for it to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep removes sessions idle for longer than the session TTL.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if sess.IdleSince(now) < m.sessionTTL {
			continue
		}
		delete(m.sessions, id)
		if m.byPeer[sess.PeerID()] == id {
			delete(m.byPeer, sess.PeerID())
		}
		expired = append(expired, sess)
	}
	m.mu.Unlock()

	for _, sess := range expired {
		m.debugLog("session expired",
			"sessionID", sess.ID(),
			"peerID", sess.PeerID())
	}
}

// debugLog logs a debug message if logging is enabled.
func (m *Manager) debugLog(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}
