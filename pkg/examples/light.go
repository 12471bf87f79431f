package examples

import (
	"context"

	"github.com/iotscp/iotscp-go/pkg/model"
)

// Light defaults.
const (
	DefaultLightName = "IOTSCP Light"
	DefaultLightType = "urn:example:light"
)

// Light is a dimmable color light. It exposes three variables (color,
// brightness, power) and three actions (setColor, setBrightness,
// getState). Dimming to zero switches the light off, anything else
// switches it on.
type Light struct {
	device *model.Device
}

// LightConfig contains configuration for creating a Light. Zero fields
// use the defaults.
type LightConfig struct {
	// Name is the human-readable device name.
	Name string

	// Type is the device type URN.
	Type string
}

// NewLight creates the light with its variables and actions wired up.
func NewLight(config LightConfig) (*Light, error) {
	if config.Name == "" {
		config.Name = DefaultLightName
	}
	if config.Type == "" {
		config.Type = DefaultLightType
	}

	device, err := model.NewDevice(config.Name, config.Type)
	if err != nil {
		return nil, err
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
			return nil, err
		}
		if err := device.AddVariable(variable); err != nil {
			return nil, err
		}
	}

	actions := []*model.Action{
		{
			Name: "setColor",
			Args: []model.Arg{
				{Name: "color", Type: model.TypeString, Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				if err := device.SetVariable("color", args["color"]); err != nil {
					return nil, err
				}
				return nil, nil
			},
		},
		{
			Name: "setBrightness",
			Args: []model.Arg{
				{Name: "level", Type: model.TypeInt, Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				if err := device.SetVariable("brightness", args["level"]); err != nil {
					return nil, err
				}
				return nil, device.SetVariable("power", intArg(args["level"]) != 0)
			},
		},
		{
			Name: "getState",
			Returns: []model.Arg{
				{Name: "color", Type: model.TypeString, Required: true},
				{Name: "brightness", Type: model.TypeInt, Required: true},
				{Name: "power", Type: model.TypeBool, Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return device.Snapshot(nil)
			},
		},
	}
	for _, action := range actions {
		if err := device.AddAction(action); err != nil {
			return nil, err
		}
	}

	return &Light{device: device}, nil
}

// Device returns the underlying device model, ready for service.New.
func (l *Light) Device() *model.Device {
	return l.device
}

// Power returns whether the light is on.
func (l *Light) Power() bool {
	v, _ := boolVar(l.device, "power")
	return v
}

// Brightness returns the current brightness level.
func (l *Light) Brightness() int64 {
	v, _ := intVar(l.device, "brightness")
	return v
}

// Color returns the current color.
func (l *Light) Color() string {
	v, _ := stringVar(l.device, "color")
	return v
}

// intArg reads an integer argument however the codec delivered it.
func intArg(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return 0
	}
}

func boolVar(device *model.Device, name string) (bool, error) {
	variable, err := device.Variable(name)
	if err != nil {
		return false, err
	}
	v, _ := variable.Value().(bool)
	return v, nil
}

func intVar(device *model.Device, name string) (int64, error) {
	variable, err := device.Variable(name)
	if err != nil {
		return 0, err
	}
	v, _ := variable.Value().(int64)
	return v, nil
}

func stringVar(device *model.Device, name string) (string, error) {
	variable, err := device.Variable(name)
	if err != nil {
		return "", err
	}
	v, _ := variable.Value().(string)
	return v, nil
}

func floatVar(device *model.Device, name string) (float64, error) {
	variable, err := device.Variable(name)
	if err != nil {
		return 0, err
	}
	v, _ := variable.Value().(float64)
	return v, nil
}
