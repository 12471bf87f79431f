package examples

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/iotscp/iotscp-go/pkg/model"
)

// Thermostat defaults.
const (
	DefaultThermostatName = "IOTSCP Thermostat"
	DefaultThermostatType = "urn:example:thermostat"

	// DefaultSimInterval is the simulation tick.
	DefaultSimInterval = 5 * time.Second

	// MinTargetTemp and MaxTargetTemp bound setTarget.
	MinTargetTemp = 5.0
	MaxTargetTemp = 35.0

	// ambientTemp is where the room drifts with the heating off.
	ambientTemp = 16.0
)

// Thermostat is a heating controller. The current temperature is
// simulated: it rises while the heating runs and falls back toward the
// ambient level otherwise, so subscribed hosts see a steady stream of
// changes.
type Thermostat struct {
	device   *model.Device
	interval time.Duration
}

// ThermostatConfig contains configuration for creating a Thermostat.
// Zero fields use the defaults.
type ThermostatConfig struct {
	// Name is the human-readable device name.
	Name string

	// Type is the device type URN.
	Type string

	// SimInterval is the simulation tick.
	SimInterval time.Duration
}

// NewThermostat creates the thermostat with its variables and actions
// wired up. Call Run to start the simulation.
func NewThermostat(config ThermostatConfig) (*Thermostat, error) {
	if config.Name == "" {
		config.Name = DefaultThermostatName
	}
	if config.Type == "" {
		config.Type = DefaultThermostatType
	}
	if config.SimInterval <= 0 {
		config.SimInterval = DefaultSimInterval
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
		{"targetTemp", model.TypeFloat, 21.0},
		{"currentTemp", model.TypeFloat, 18.5},
		{"heating", model.TypeBool, false},
		{"mode", model.TypeString, "auto"},
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
			Name: "setTarget",
			Args: []model.Arg{
				{Name: "target", Type: model.TypeFloat, Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				target, ok := args["target"].(float64)
				if !ok {
					return nil, fmt.Errorf("target must be a number")
				}
				if target < MinTargetTemp {
					target = MinTargetTemp
				}
				if target > MaxTargetTemp {
					target = MaxTargetTemp
				}
				if err := device.SetVariable("targetTemp", target); err != nil {
					return nil, err
				}
				return map[string]any{"target": target}, nil
			},
			Returns: []model.Arg{
				{Name: "target", Type: model.TypeFloat, Required: true},
			},
		},
		{
			Name: "setMode",
			Args: []model.Arg{
				{Name: "mode", Type: model.TypeString, Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				mode, _ := args["mode"].(string)
				switch mode {
				case "off", "heat", "auto":
				default:
					return nil, fmt.Errorf("unknown mode %q (off, heat or auto)", mode)
				}
				if err := device.SetVariable("mode", mode); err != nil {
					return nil, err
				}
				return nil, nil
			},
		},
		{
			Name: "getState",
			Returns: []model.Arg{
				{Name: "targetTemp", Type: model.TypeFloat, Required: true},
				{Name: "currentTemp", Type: model.TypeFloat, Required: true},
				{Name: "heating", Type: model.TypeBool, Required: true},
				{Name: "mode", Type: model.TypeString, Required: true},
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

	return &Thermostat{device: device, interval: config.SimInterval}, nil
}

// Device returns the underlying device model, ready for service.New.
func (t *Thermostat) Device() *model.Device {
	return t.device
}

// CurrentTemp returns the simulated room temperature.
func (t *Thermostat) CurrentTemp() float64 {
	v, _ := floatVar(t.device, "currentTemp")
	return v
}

// TargetTemp returns the configured target temperature.
func (t *Thermostat) TargetTemp() float64 {
	v, _ := floatVar(t.device, "targetTemp")
	return v
}

// Heating returns whether the heating is running.
func (t *Thermostat) Heating() bool {
	v, _ := boolVar(t.device, "heating")
	return v
}

// Run drives the simulation until the context ends. Each tick nudges
// the temperature and flips the heating, publishing the changes to
// subscribed hosts.
func (t *Thermostat) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

// tick advances the simulation one step.
func (t *Thermostat) tick() {
	current, _ := floatVar(t.device, "currentTemp")
	target, _ := floatVar(t.device, "targetTemp")
	mode, _ := stringVar(t.device, "mode")
	heating, _ := boolVar(t.device, "heating")

	switch mode {
	case "off":
		heating = false
	case "heat":
		heating = true
	default:
		// Auto: heat below target, stop half a degree above it.
		if current < target-0.5 {
			heating = true
		} else if current >= target {
			heating = false
		}
	}

	if heating {
		current += 0.4
	} else if current > ambientTemp {
		current -= 0.2
	}

	_ = t.device.SetVariable("currentTemp", math.Round(current*10)/10)
	_ = t.device.SetVariable("heating", heating)
}
