package testharness

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/iotscp/iotscp-go/pkg/client"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

func TestReservePort(t *testing.T) {
	addr := ReservePort(t)
	if !strings.HasPrefix(addr, "127.0.0.1:") {
		t.Errorf("ReservePort() = %q, want a loopback address", addr)
	}

	// The address must be bindable again after release.
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("rebinding reserved port: %v", err)
	}
	l.Close()
}

func TestStateRecorder(t *testing.T) {
	record, states := StateRecorder()
	record(client.WatcherIdle, client.WatcherConnecting)
	record(client.WatcherConnecting, client.WatcherWatching)

	// WaitState drains the intermediate transition.
	WaitState(t, states, client.WatcherWatching, time.Second)
}

func TestNotificationChanges(t *testing.T) {
	n := Notification{Note: &wire.EventNotification{
		SubscriptionID: "sub-1",
		Sequence:       3,
		Changes:        wire.NewChanges(map[string]any{"power": true}),
	}}
	if got := n.Changes()["power"]; got != true {
		t.Errorf("Changes()[power] = %v, want true", got)
	}
}
