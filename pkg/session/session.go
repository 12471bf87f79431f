package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Session is one established security association between a host and a
// device. The key is derived once at the hello and never rotated in
// place; rotation is a fresh hello producing a new session.
type Session struct {
	id     string
	peerID string
	mode   wire.CipherMode
	key    SessionKey
	cipher Cipher

	mu        sync.Mutex
	createdAt time.Time
	lastUsed  time.Time
}

// NewSession builds a session from an already negotiated mode and
// derived key. Both sides of the exchange construct their copy this
// way.
func NewSession(id, peerID string, mode wire.CipherMode, key SessionKey) (*Session, error) {
	cipher, err := ForMode(mode)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Session{
		id:        id,
		peerID:    peerID,
		mode:      mode,
		key:       key,
		cipher:    cipher,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// ID returns the session identifier carried in every envelope.
func (s *Session) ID() string { return s.id }

// PeerID returns the identifier of the remote side.
func (s *Session) PeerID() string { return s.peerID }

// Mode returns the negotiated cipher mode.
func (s *Session) Mode() wire.CipherMode { return s.mode }

// CreatedAt returns when the session was established.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastUsed returns when the session last protected or opened a frame.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Touch marks the session as active now.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// IdleSince reports how long the session has been unused at now.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUsed)
}

// Seal protects message bytes into an encoded envelope for this
// session.
func (s *Session) Seal(message []byte) ([]byte, error) {
	aad, err := sessionAAD(s.id)
	if err != nil {
		return nil, err
	}
	body, token, err := s.cipher.Seal(s.key, message, aad)
	if err != nil {
		return nil, fmt.Errorf("sealing message: %w", err)
	}
	env := Envelope{SessionID: s.id, Body: body, Token: token}
	data, err := wire.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	s.Touch()
	return data, nil
}

// Open recovers message bytes from an encoded envelope, rejecting
// frames addressed to a different session.
func (s *Session) Open(data []byte) ([]byte, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	return s.OpenEnvelope(env)
}

// OpenEnvelope recovers message bytes from an already parsed envelope.
func (s *Session) OpenEnvelope(env *Envelope) ([]byte, error) {
	if env.SessionID != s.id {
		return nil, fmt.Errorf("envelope for session %s opened against session %s", env.SessionID, s.id)
	}
	aad, err := sessionAAD(s.id)
	if err != nil {
		return nil, err
	}
	message, err := s.cipher.Open(s.key, env.Body, env.Token, aad)
	if err != nil {
		return nil, err
	}
	s.Touch()
	return message, nil
}
