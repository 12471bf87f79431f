package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/model"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// captureLogger records protocol events for inspection.
type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *captureLogger) Log(event log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *captureLogger) snapshot() []log.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]log.Event, len(l.events))
	copy(out, l.events)
	return out
}

// waitUntil polls until cond returns true or the timeout passes.
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// lightDevice builds a light with the action set the tests exercise.
func lightDevice(t *testing.T) *model.Device {
	t.Helper()
	device, err := model.NewDevice("Ceiling Light", "urn:example:light")
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	brightness, err := model.NewVariable("brightness", model.TypeInt, int64(40))
	if err != nil {
		t.Fatalf("NewVariable: %v", err)
	}
	power, err := model.NewVariable("power", model.TypeBool, false)
	if err != nil {
		t.Fatalf("NewVariable: %v", err)
	}
	if err := device.AddVariable(brightness); err != nil {
		t.Fatalf("AddVariable: %v", err)
	}
	if err := device.AddVariable(power); err != nil {
		t.Fatalf("AddVariable: %v", err)
	}

	actions := []*model.Action{
		{
			Name: "setBrightness",
			Args: []model.Arg{{Name: "level", Type: model.TypeInt, Required: true}},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				if err := device.SetVariable("brightness", args["level"]); err != nil {
					return nil, err
				}
				return nil, nil
			},
		},
		{
			Name: "getState",
			Returns: []model.Arg{
				{Name: "brightness", Type: model.TypeInt, Required: true},
				{Name: "power", Type: model.TypeBool, Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return device.Snapshot(nil)
			},
		},
		{
			Name: "explode",
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				panic("wiring shorted")
			},
		},
		{
			Name: "fail",
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return nil, errors.New("bulb missing")
			},
		},
		{
			Name: "stall",
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		{
			Name: "badResult",
			Returns: []model.Arg{
				{Name: "power", Type: model.TypeBool, Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{"power": "definitely"}, nil
			},
		},
	}
	for _, action := range actions {
		if err := device.AddAction(action); err != nil {
			t.Fatalf("AddAction(%s): %v", action.Name, err)
		}
	}
	return device
}

// newTestDispatcher creates a dispatcher over a fresh light device and
// wires the device's change hook to Publish.
func newTestDispatcher(t *testing.T, mutate func(*Config)) (*Dispatcher, *model.Device) {
	t.Helper()
	device := lightDevice(t)
	config := DefaultConfig()
	if mutate != nil {
		mutate(&config)
	}
	dispatcher, err := New(device, config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	device.OnChange(dispatcher.Publish)
	t.Cleanup(dispatcher.Stop)
	return dispatcher, device
}

func TestNewRequiresDevice(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); !errors.Is(err, ErrMissingDevice) {
		t.Errorf("New(nil) error = %v, want %v", err, ErrMissingDevice)
	}
}

func TestInvokeSuccess(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, nil)

	resp := dispatcher.Invoke(context.Background(), &wire.ControlRequest{
		RequestID: 7,
		Action:    "getState",
	})

	if resp.RequestID != 7 {
		t.Errorf("RequestID = %d, want 7", resp.RequestID)
	}
	if !resp.IsSuccess() {
		t.Fatalf("Status = %v, detail %q, want success", resp.Status, resp.Detail)
	}
	results := resp.Results.Map()
	if got := results["brightness"]; got != int64(40) {
		t.Errorf("brightness = %v (%T), want 40", got, got)
	}
	if got := results["power"]; got != false {
		t.Errorf("power = %v, want false", got)
	}
}

func TestInvokeUpdatesVariable(t *testing.T) {
	dispatcher, device := newTestDispatcher(t, nil)

	resp := dispatcher.Invoke(context.Background(), &wire.ControlRequest{
		RequestID: 8,
		Action:    "setBrightness",
		Args:      wire.NewArguments(map[string]any{"level": int64(80)}),
	})
	if !resp.IsSuccess() {
		t.Fatalf("Status = %v, detail %q, want success", resp.Status, resp.Detail)
	}

	variable, err := device.Variable("brightness")
	if err != nil {
		t.Fatalf("Variable: %v", err)
	}
	if got := variable.Value(); got != int64(80) {
		t.Errorf("brightness = %v, want 80", got)
	}
}

func TestInvokeUnknownAction(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, nil)

	resp := dispatcher.Invoke(context.Background(), &wire.ControlRequest{
		RequestID: 9,
		Action:    "setColorXYZ",
	})

	if resp.Status != wire.StatusActionNotFound {
		t.Errorf("Status = %v, want %v", resp.Status, wire.StatusActionNotFound)
	}
	if !strings.Contains(resp.Detail, "setColorXYZ") {
		t.Errorf("Detail = %q, want the action name in it", resp.Detail)
	}
	if fault := resp.Fault(); fault == nil {
		t.Error("Fault() = nil, want fault view")
	}
}

func TestInvokeHook(t *testing.T) {
	type call struct {
		action string
		status wire.Status
	}
	var mu sync.Mutex
	var calls []call

	dispatcher, _ := newTestDispatcher(t, func(c *Config) {
		c.OnInvoked = func(req *wire.ControlRequest, resp *wire.ControlResponse) {
			mu.Lock()
			calls = append(calls, call{action: req.Action, status: resp.Status})
			mu.Unlock()
		}
	})

	dispatcher.Invoke(context.Background(), &wire.ControlRequest{RequestID: 1, Action: "getState"})
	dispatcher.Invoke(context.Background(), &wire.ControlRequest{RequestID: 2, Action: "explode"})

	mu.Lock()
	defer mu.Unlock()
	want := []call{
		{action: "getState", status: wire.StatusSuccess},
		{action: "explode", status: wire.StatusActionNotFound},
	}
	if len(calls) != len(want) {
		t.Fatalf("hook called %d times, want %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}
}

func TestInvokeArgumentFaults(t *testing.T) {
	tests := []struct {
		name   string
		args   map[string]any
		detail string
	}{
		{"MissingRequired", nil, "level"},
		{"UnknownArgument", map[string]any{"level": int64(5), "color": "red"}, "color"},
		{"WrongType", map[string]any{"level": "bright"}, "level"},
	}

	dispatcher, _ := newTestDispatcher(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := dispatcher.Invoke(context.Background(), &wire.ControlRequest{
				RequestID: 10,
				Action:    "setBrightness",
				Args:      wire.NewArguments(tt.args),
			})
			if resp.Status != wire.StatusInvalidArguments {
				t.Errorf("Status = %v, want %v", resp.Status, wire.StatusInvalidArguments)
			}
			if !strings.Contains(resp.Detail, tt.detail) {
				t.Errorf("Detail = %q, want %q named", resp.Detail, tt.detail)
			}
		})
	}
}

func TestInvokeHandlerPanic(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, nil)

	resp := dispatcher.Invoke(context.Background(), &wire.ControlRequest{
		RequestID: 11,
		Action:    "explode",
	})
	if resp.Status != wire.StatusInternalError {
		t.Errorf("Status = %v, want %v", resp.Status, wire.StatusInternalError)
	}
	if !strings.Contains(resp.Detail, "panic") {
		t.Errorf("Detail = %q, want panic mentioned", resp.Detail)
	}

	// The dispatcher keeps serving after a panicking handler.
	resp = dispatcher.Invoke(context.Background(), &wire.ControlRequest{
		RequestID: 12,
		Action:    "getState",
	})
	if !resp.IsSuccess() {
		t.Errorf("follow-up Status = %v, want success", resp.Status)
	}
}

func TestInvokeHandlerError(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, nil)

	resp := dispatcher.Invoke(context.Background(), &wire.ControlRequest{
		RequestID: 13,
		Action:    "fail",
	})
	if resp.Status != wire.StatusInternalError {
		t.Errorf("Status = %v, want %v", resp.Status, wire.StatusInternalError)
	}
	if !strings.Contains(resp.Detail, "bulb missing") {
		t.Errorf("Detail = %q, want handler error text", resp.Detail)
	}
}

func TestInvokeTimeout(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, func(c *Config) {
		c.InvokeTimeout = 20 * time.Millisecond
	})

	resp := dispatcher.Invoke(context.Background(), &wire.ControlRequest{
		RequestID: 14,
		Action:    "stall",
	})
	if resp.Status != wire.StatusInternalError {
		t.Errorf("Status = %v, want %v", resp.Status, wire.StatusInternalError)
	}
	if !strings.Contains(resp.Detail, "deadline exceeded") {
		t.Errorf("Detail = %q, want deadline exceeded", resp.Detail)
	}
}

func TestInvokeBadResult(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, nil)

	resp := dispatcher.Invoke(context.Background(), &wire.ControlRequest{
		RequestID: 15,
		Action:    "badResult",
	})
	if resp.Status != wire.StatusInternalError {
		t.Errorf("Status = %v, want %v", resp.Status, wire.StatusInternalError)
	}
	if !strings.Contains(resp.Detail, "power") {
		t.Errorf("Detail = %q, want the result name in it", resp.Detail)
	}
}

func TestInvokeConcurrent(t *testing.T) {
	dispatcher, device := newTestDispatcher(t, nil)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	err := device.AddAction(&model.Action{
		Name: "pair",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			entered <- struct{}{}
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	if err != nil {
		t.Fatalf("AddAction: %v", err)
	}

	responses := make(chan *wire.ControlResponse, 2)
	for i := uint32(1); i <= 2; i++ {
		go func(id uint32) {
			responses <- dispatcher.Invoke(context.Background(), &wire.ControlRequest{
				RequestID: id,
				Action:    "pair",
			})
		}(i)
	}

	// Both handlers must be inside the action at once.
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("invocations did not run concurrently")
		}
	}
	close(release)

	for i := 0; i < 2; i++ {
		resp := <-responses
		if !resp.IsSuccess() {
			t.Errorf("Status = %v, want success", resp.Status)
		}
	}
}

func TestInvokeCapturesProtocolEvents(t *testing.T) {
	capture := &captureLogger{}
	dispatcher, _ := newTestDispatcher(t, func(c *Config) {
		c.ProtocolLogger = capture
	})

	dispatcher.Invoke(context.Background(), &wire.ControlRequest{
		RequestID: 21,
		Action:    "getState",
	})

	var sawIn, sawOut bool
	for _, event := range capture.snapshot() {
		if event.Category != log.CategoryMessage || event.Message == nil {
			continue
		}
		switch {
		case event.Direction == log.DirectionIn && event.Message.Type == wire.TypeControl:
			if event.Message.RequestID != 21 || event.Message.Action != "getState" {
				t.Errorf("control event = %+v", event.Message)
			}
			sawIn = true
		case event.Direction == log.DirectionOut && event.Message.Type == wire.TypeControlReply:
			if event.Message.Status == nil || !event.Message.Status.IsSuccess() {
				t.Errorf("reply status = %v, want success", event.Message.Status)
			}
			if event.Message.ProcessingTime == nil {
				t.Error("reply event missing processing time")
			}
			sawOut = true
		}
	}
	if !sawIn {
		t.Error("no capture event for the control request")
	}
	if !sawOut {
		t.Error("no capture event for the control reply")
	}
}
