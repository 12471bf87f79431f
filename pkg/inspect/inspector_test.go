package inspect

import (
	"context"
	"testing"

	"github.com/iotscp/iotscp-go/pkg/model"
)

func testLight(t *testing.T) *model.Device {
	t.Helper()

	device, err := model.NewDevice("Demo Light", "urn:example:light")
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}

	variables := []struct {
		name    string
		varType model.ValueType
		initial any
	}{
		{"color", model.TypeString, "#ffffff"},
		{"brightness", model.TypeInt, int64(100)},
		{"power", model.TypeBool, false},
	}
	for _, v := range variables {
		variable, err := model.NewVariable(v.name, v.varType, v.initial)
		if err != nil {
			t.Fatalf("NewVariable(%s) error = %v", v.name, err)
		}
		if err := device.AddVariable(variable); err != nil {
			t.Fatalf("AddVariable(%s) error = %v", v.name, err)
		}
	}

	noop := func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, nil
	}
	actions := []*model.Action{
		{
			Name:    "setColor",
			Args:    []model.Arg{{Name: "color", Type: model.TypeString, Required: true}},
			Handler: noop,
		},
		{
			Name:    "setBrightness",
			Args:    []model.Arg{{Name: "level", Type: model.TypeInt, Required: true}},
			Handler: noop,
		},
		{
			Name: "getState",
			Returns: []model.Arg{
				{Name: "brightness", Type: model.TypeInt, Required: true},
				{Name: "power", Type: model.TypeBool, Required: true},
			},
			Handler: noop,
		},
	}
	for _, action := range actions {
		if err := device.AddAction(action); err != nil {
			t.Fatalf("AddAction(%s) error = %v", action.Name, err)
		}
	}
	return device
}

func TestDescribeDevice(t *testing.T) {
	inspector := NewInspector(testLight(t))

	want := "Device: Demo Light (urn:example:light)\n" +
		"Variables:\n" +
		"  brightness = 100 (int)\n" +
		"  color = \"#ffffff\" (string)\n" +
		"  power = false (bool)\n" +
		"Actions:\n" +
		"  getState() -> brightness int, power bool\n" +
		"  setBrightness(level int)\n" +
		"  setColor(color string)\n"

	if got := inspector.DescribeDevice(); got != want {
		t.Errorf("DescribeDevice() = %q, want %q", got, want)
	}
}

func TestDescribeVariablesTracksValues(t *testing.T) {
	device := testLight(t)
	inspector := NewInspector(device)

	if err := device.SetVariable("brightness", int64(25)); err != nil {
		t.Fatalf("SetVariable() error = %v", err)
	}

	want := "  brightness = 25 (int)\n" +
		"  color = \"#ffffff\" (string)\n" +
		"  power = false (bool)\n"
	if got := inspector.DescribeVariables(); got != want {
		t.Errorf("DescribeVariables() = %q, want %q", got, want)
	}
}

func TestDescribeEmptyDevice(t *testing.T) {
	device, err := model.NewDevice("Bare", "urn:example:bare")
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	inspector := NewInspector(device)

	want := "Device: Bare (urn:example:bare)\n" +
		"Variables:\n" +
		"  (none)\n" +
		"Actions:\n" +
		"  (none)\n"
	if got := inspector.DescribeDevice(); got != want {
		t.Errorf("DescribeDevice() = %q, want %q", got, want)
	}
}

func TestInspectorDevice(t *testing.T) {
	device := testLight(t)
	if NewInspector(device).Device() != device {
		t.Error("Device() should return the wrapped model")
	}
}
