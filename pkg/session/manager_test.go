package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

func testManager(t *testing.T, config ManagerConfig) *Manager {
	t.Helper()
	if config.Certificate == nil {
		config.Certificate = testCertificate(t, 4, 32)
	}
	if config.DeviceID == "" {
		config.DeviceID = "device-1"
	}
	m, err := NewManager(config)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func testHello(offsets ...uint32) *wire.HelloRequest {
	offset := uint32(1)
	if len(offsets) > 0 {
		offset = offsets[0]
	}
	return &wire.HelloRequest{
		HostID: "host-1",
		Offset: offset,
		Nonce:  []byte("abc123"),
		Modes:  []wire.CipherMode{wire.ModeSealed, wire.ModeToken},
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(ManagerConfig{DeviceID: "device-1"}); !errors.Is(err, ErrNilCertificate) {
		t.Errorf("NewManager() without certificate error = %v, want ErrNilCertificate", err)
	}
	if _, err := NewManager(ManagerConfig{Certificate: testCertificate(t, 4, 32)}); err == nil {
		t.Error("NewManager() without device ID expected error")
	}
	_, err := NewManager(ManagerConfig{
		Certificate: testCertificate(t, 4, 32),
		DeviceID:    "device-1",
		Modes:       []wire.CipherMode{wire.CipherMode(99)},
	})
	if err == nil {
		t.Error("NewManager() with invalid mode expected error")
	}
}

func TestManagerEstablish(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	sess, resp, err := m.Establish(testHello())
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	if sess.PeerID() != "host-1" {
		t.Errorf("PeerID() = %q, want host-1", sess.PeerID())
	}
	if resp.DeviceID != "device-1" {
		t.Errorf("response DeviceID = %q, want device-1", resp.DeviceID)
	}
	if resp.SessionID != sess.ID() {
		t.Errorf("response SessionID = %q, want %q", resp.SessionID, sess.ID())
	}
	if resp.Mode != wire.ModeSealed {
		t.Errorf("response Mode = %v, want sealed", resp.Mode)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}

	got, err := m.Get(sess.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != sess {
		t.Error("Get() returned a different session")
	}
	byPeer, err := m.GetByPeer("host-1")
	if err != nil {
		t.Fatalf("GetByPeer() error = %v", err)
	}
	if byPeer != sess {
		t.Error("GetByPeer() returned a different session")
	}
}

func TestManagerEstablishDerivesMatchingKey(t *testing.T) {
	// The host derives its copy of the key from the same certificate
	// and exchange parameters; both sides must interoperate.
	c := testCertificate(t, 4, 32)
	m := testManager(t, ManagerConfig{Certificate: c})

	req := testHello(2)
	deviceSess, resp, err := m.Establish(req)
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	hostKey, err := DeriveSessionKey(c, req.Offset, req.Nonce)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	hostSess, err := NewSession(resp.SessionID, resp.DeviceID, resp.Mode, hostKey)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	frame, err := hostSess.Seal([]byte("from host"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	recovered, err := deviceSess.Open(frame)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(recovered, []byte("from host")) {
		t.Errorf("Open() = %q, want %q", recovered, "from host")
	}
}

func TestManagerEstablishModeNegotiation(t *testing.T) {
	tests := []struct {
		name    string
		device  []wire.CipherMode
		offered []wire.CipherMode
		want    wire.CipherMode
		wantErr error
	}{
		{"device preference wins", []wire.CipherMode{wire.ModeSealed, wire.ModeToken}, []wire.CipherMode{wire.ModeToken, wire.ModeSealed}, wire.ModeSealed, nil},
		{"token only host", nil, []wire.CipherMode{wire.ModeToken}, wire.ModeToken, nil},
		{"token only device", []wire.CipherMode{wire.ModeToken}, []wire.CipherMode{wire.ModeSealed, wire.ModeToken}, wire.ModeToken, nil},
		{"no overlap", []wire.CipherMode{wire.ModeSealed}, []wire.CipherMode{wire.ModeToken}, 0, ErrNoCommonMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManager(t, ManagerConfig{Modes: tt.device})
			req := testHello()
			req.Modes = tt.offered

			_, resp, err := m.Establish(req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Establish() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Establish() error = %v", err)
			}
			if resp.Mode != tt.want {
				t.Errorf("negotiated mode = %v, want %v", resp.Mode, tt.want)
			}
		})
	}
}

func TestManagerEstablishRejectsReplayedOffset(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	if _, _, err := m.Establish(testHello(7)); err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	_, _, err := m.Establish(testHello(7))
	var replay *ReplayError
	if !errors.As(err, &replay) {
		t.Fatalf("Establish() replay error = %v, want *ReplayError", err)
	}
}

func TestManagerEstablishReplacesPeerSession(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	first, _, err := m.Establish(testHello(1))
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	second, _, err := m.Establish(testHello(2))
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1 after replacement", m.Count())
	}
	if _, err := m.Get(first.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(first) error = %v, want ErrSessionNotFound", err)
	}
	byPeer, err := m.GetByPeer("host-1")
	if err != nil {
		t.Fatalf("GetByPeer() error = %v", err)
	}
	if byPeer != second {
		t.Error("GetByPeer() did not return the replacement session")
	}
}

func TestManagerEstablishHook(t *testing.T) {
	var observed []*Session
	m := testManager(t, ManagerConfig{
		OnEstablished: func(s *Session) { observed = append(observed, s) },
	})

	sess, _, err := m.Establish(testHello())
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	if len(observed) != 1 || observed[0] != sess {
		t.Errorf("hook observed %v, want the established session", observed)
	}
}

func TestManagerSessions(t *testing.T) {
	m := testManager(t, ManagerConfig{})
	if got := m.Sessions(); len(got) != 0 {
		t.Errorf("Sessions() on empty manager = %v, want none", got)
	}

	first, _, err := m.Establish(testHello(1))
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	second, _, err := m.Establish(&wire.HelloRequest{
		HostID: "host-2",
		Offset: 2,
		Nonce:  []byte("def456"),
		Modes:  []wire.CipherMode{wire.ModeSealed},
	})
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	sessions := m.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("Sessions() returned %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID() > sessions[1].ID() {
		t.Error("Sessions() not sorted by ID")
	}
	seen := map[*Session]bool{sessions[0]: true, sessions[1]: true}
	if !seen[first] || !seen[second] {
		t.Error("Sessions() missing an established session")
	}
}

func TestManagerEstablishRejectsInvalidHello(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	tests := []struct {
		name string
		req  *wire.HelloRequest
	}{
		{"nil", nil},
		{"missing host id", &wire.HelloRequest{Nonce: []byte("n"), Modes: []wire.CipherMode{wire.ModeSealed}}},
		{"missing nonce", &wire.HelloRequest{HostID: "host-1", Modes: []wire.CipherMode{wire.ModeSealed}}},
		{"missing modes", &wire.HelloRequest{HostID: "host-1", Nonce: []byte("n")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := m.Establish(tt.req); err == nil {
				t.Error("Establish() expected error")
			}
		})
	}
}

func TestManagerOpenMessage(t *testing.T) {
	m := testManager(t, ManagerConfig{})
	c := testCertificate(t, 4, 32)

	req := testHello(3)
	_, resp, err := m.Establish(req)
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	hostKey, err := DeriveSessionKey(c, req.Offset, req.Nonce)
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	hostSess, err := NewSession(resp.SessionID, resp.DeviceID, resp.Mode, hostKey)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	frame, err := hostSess.Seal([]byte("request"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	sess, message, err := m.OpenMessage(frame)
	if err != nil {
		t.Fatalf("OpenMessage() error = %v", err)
	}
	if sess.ID() != resp.SessionID {
		t.Errorf("OpenMessage() session = %q, want %q", sess.ID(), resp.SessionID)
	}
	if !bytes.Equal(message, []byte("request")) {
		t.Errorf("OpenMessage() = %q, want %q", message, "request")
	}
}

func TestManagerOpenMessageUnknownSession(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	stray := testSession(t, "sess-unknown", wire.ModeSealed)
	frame, err := stray.Seal([]byte("request"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, _, err := m.OpenMessage(frame); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("OpenMessage() error = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerRemove(t *testing.T) {
	m := testManager(t, ManagerConfig{})

	sess, _, err := m.Establish(testHello())
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	m.Remove(sess.ID())
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
	if _, err := m.GetByPeer("host-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetByPeer() error = %v, want ErrSessionNotFound", err)
	}

	// Removing twice is a no-op.
	m.Remove(sess.ID())
}

func TestManagerSweepExpiresIdleSessions(t *testing.T) {
	m := testManager(t, ManagerConfig{SessionTTL: 50 * time.Millisecond})

	sess, _, err := m.Establish(testHello())
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	m.sweep(time.Now())
	if m.Count() != 1 {
		t.Fatalf("Count() = %d after early sweep, want 1", m.Count())
	}

	m.sweep(time.Now().Add(time.Second))
	if m.Count() != 0 {
		t.Errorf("Count() = %d after expiry sweep, want 0", m.Count())
	}
	if _, err := m.Get(sess.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerSweepKeepsTouchedSessions(t *testing.T) {
	m := testManager(t, ManagerConfig{SessionTTL: time.Minute})

	sess, _, err := m.Establish(testHello())
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	// Traffic keeps the session warm past its original deadline.
	sess.Touch()
	m.sweep(time.Now().Add(30 * time.Second))
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestManagerStartStop(t *testing.T) {
	m := testManager(t, ManagerConfig{SweepInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	// Stop is idempotent.
	m.Stop()
}
