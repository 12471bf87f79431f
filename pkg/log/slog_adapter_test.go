package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

func TestSlogAdapterLogsMessageEvent(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	slogger := slog.New(handler)

	adapter := NewSlogAdapter(slogger)

	status := wire.StatusSuccess
	adapter.Log(Event{
		Timestamp: time.Now(),
		SessionID: "sess-456",
		Direction: DirectionOut,
		Layer:     LayerDispatch,
		Category:  CategoryMessage,
		Message: &MessageEvent{
			Type:      wire.TypeControlReply,
			RequestID: 42,
			Status:    &status,
		},
	})

	output := buf.String()
	if output == "" {
		t.Fatal("no output produced")
	}

	var logEntry map[string]any
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	if logEntry["session_id"] != "sess-456" {
		t.Errorf("session_id: got %v, want %q", logEntry["session_id"], "sess-456")
	}
	if logEntry["direction"] != "OUT" {
		t.Errorf("direction: got %v, want %q", logEntry["direction"], "OUT")
	}
	if logEntry["layer"] != "DISPATCH" {
		t.Errorf("layer: got %v, want %q", logEntry["layer"], "DISPATCH")
	}
	if logEntry["request_id"] != float64(42) {
		t.Errorf("request_id: got %v, want %v", logEntry["request_id"], 42)
	}
	if logEntry["msg_type"] != "ControlReply" {
		t.Errorf("msg_type: got %v, want %q", logEntry["msg_type"], "ControlReply")
	}
	if logEntry["status"] != "SUCCESS" {
		t.Errorf("status: got %v, want %q", logEntry["status"], "SUCCESS")
	}
}

func TestSlogAdapterLogsDropEvent(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	slogger := slog.New(handler)

	adapter := NewSlogAdapter(slogger)

	adapter.Log(Event{
		Timestamp:  time.Now(),
		Direction:  DirectionIn,
		Layer:      LayerDiscovery,
		Category:   CategoryDrop,
		RemoteAddr: "10.0.0.5:49152",
		Drop: &DropEvent{
			Reason: "not cbor",
			Size:   12,
		},
	})

	output := buf.String()
	if output == "" {
		t.Fatal("no output produced")
	}

	var logEntry map[string]any
	if err := json.Unmarshal([]byte(output), &logEntry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	if logEntry["category"] != "DROP" {
		t.Errorf("category: got %v, want %q", logEntry["category"], "DROP")
	}
	if logEntry["drop_reason"] != "not cbor" {
		t.Errorf("drop_reason: got %v, want %q", logEntry["drop_reason"], "not cbor")
	}
	if logEntry["remote_addr"] != "10.0.0.5:49152" {
		t.Errorf("remote_addr: got %v, want %q", logEntry["remote_addr"], "10.0.0.5:49152")
	}
}

func TestSlogAdapterIncludesSessionID(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	slogger := slog.New(handler)

	adapter := NewSlogAdapter(slogger)

	adapter.Log(Event{
		Timestamp: time.Now(),
		SessionID: "abc12345-def6-7890",
		Direction: DirectionIn,
		Layer:     LayerSession,
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntitySession,
			NewState: "established",
		},
	})

	output := buf.String()
	if !strings.Contains(output, "abc12345-def6-7890") {
		t.Error("output does not contain session ID")
	}
}

func TestSlogAdapterInterfaceSatisfaction(t *testing.T) {
	var _ Logger = (*SlogAdapter)(nil)
}
