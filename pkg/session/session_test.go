package session

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

func testSession(t *testing.T, id string, mode wire.CipherMode) *Session {
	t.Helper()
	key, err := DeriveSessionKey(testCertificate(t, 4, 32), 2, []byte("abc123"))
	if err != nil {
		t.Fatalf("DeriveSessionKey() error = %v", err)
	}
	sess, err := NewSession(id, "host-1", mode, key)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return sess
}

func TestSessionSealOpenRoundTrip(t *testing.T) {
	for _, mode := range []wire.CipherMode{wire.ModeSealed, wire.ModeToken} {
		t.Run(mode.String(), func(t *testing.T) {
			sess := testSession(t, "sess-1", mode)
			message := []byte("control request bytes")

			frame, err := sess.Seal(message)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}

			recovered, err := sess.Open(frame)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(recovered, message) {
				t.Errorf("Open() = %q, want %q", recovered, message)
			}
		})
	}
}

func TestSessionOpenRejectsForeignEnvelope(t *testing.T) {
	first := testSession(t, "sess-1", wire.ModeSealed)
	second := testSession(t, "sess-2", wire.ModeSealed)

	frame, err := first.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := second.Open(frame); err == nil {
		t.Fatal("Open() accepted an envelope for another session")
	} else if !strings.Contains(err.Error(), "sess-1") {
		t.Errorf("Open() error = %v, want mention of foreign session", err)
	}
}

func TestSessionOpenRejectsRelabeledEnvelope(t *testing.T) {
	// Re-labeling a sealed envelope with another session ID must fail
	// authentication because the ID is bound into the aad.
	first := testSession(t, "sess-1", wire.ModeSealed)
	second := testSession(t, "sess-2", wire.ModeSealed)

	frame, err := first.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	env, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	env.SessionID = "sess-2"

	if _, err := second.OpenEnvelope(env); !errors.Is(err, ErrAuthentication) {
		t.Errorf("OpenEnvelope() error = %v, want ErrAuthentication", err)
	}
}

func TestSessionTouchAdvancesLastUsed(t *testing.T) {
	sess := testSession(t, "sess-1", wire.ModeSealed)
	before := sess.LastUsed()
	sess.Touch()
	if sess.LastUsed().Before(before) {
		t.Error("Touch() moved LastUsed backwards")
	}
}

func TestParseEnvelopeErrors(t *testing.T) {
	missingBody, err := wire.Marshal(&Envelope{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	missingID, err := wire.Marshal(&Envelope{Body: []byte{1}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"not cbor", []byte("plain text")},
		{"empty", nil},
		{"missing body", missingBody},
		{"missing session id", missingID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEnvelope(tt.data); err == nil {
				t.Error("ParseEnvelope() expected error")
			}
		})
	}
}
