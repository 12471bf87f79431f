package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Default request paths a device exposes.
const (
	DefaultDescriptionPath = "/iotscp/description"
	DefaultHelloPath       = "/iotscp/hello"
	DefaultControlPath     = "/iotscp/control"
	DefaultEventPath       = "/iotscp/event"
)

// Device errors.
var (
	ErrDuplicateAction   = errors.New("duplicate action name")
	ErrDuplicateVariable = errors.New("duplicate variable name")
	ErrInvalidPath       = errors.New("invalid request path")
)

// ChangeFunc observes a state-variable change.
type ChangeFunc func(name string, value any)

// Device is the registry of everything one device exposes: identity,
// actions, and state variables. Created at process startup; lives for
// the process lifetime.
type Device struct {
	mu sync.RWMutex

	name       string
	deviceType string

	descriptionPath string
	helloPath       string
	controlPath     string
	eventPath       string

	actions   map[string]*Action
	variables map[string]*Variable

	onChange []ChangeFunc
}

// NewDevice creates a device with the given display name and URN type.
func NewDevice(name, deviceType string) (*Device, error) {
	if name == "" {
		return nil, fmt.Errorf("device name is required")
	}
	if err := ValidateASCII(name); err != nil {
		return nil, fmt.Errorf("device name %q: %w", name, err)
	}
	if err := ValidateURN(deviceType); err != nil {
		return nil, err
	}

	return &Device{
		name:            name,
		deviceType:      deviceType,
		descriptionPath: DefaultDescriptionPath,
		helloPath:       DefaultHelloPath,
		controlPath:     DefaultControlPath,
		eventPath:       DefaultEventPath,
		actions:         make(map[string]*Action),
		variables:       make(map[string]*Variable),
	}, nil
}

// Name returns the device display name.
func (d *Device) Name() string { return d.name }

// Type returns the device type URN.
func (d *Device) Type() string { return d.deviceType }

// DescriptionPath returns the path serving the description document.
func (d *Device) DescriptionPath() string { return d.descriptionPath }

// HelloPath returns the path accepting session exchanges.
func (d *Device) HelloPath() string { return d.helloPath }

// ControlPath returns the path accepting control requests.
func (d *Device) ControlPath() string { return d.controlPath }

// EventPath returns the path accepting subscription requests.
func (d *Device) EventPath() string { return d.eventPath }

// SetPaths overrides the default request paths. Every path must be
// printable ASCII and start with a slash.
func (d *Device) SetPaths(description, hello, control, event string) error {
	for _, path := range []string{description, hello, control, event} {
		if err := checkPath(path); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descriptionPath = description
	d.helloPath = hello
	d.controlPath = control
	d.eventPath = event
	return nil
}

func checkPath(path string) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPath, path)
	}
	if err := ValidateASCII(path); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
	}
	return nil
}

// AddAction registers an action. The definition is validated here so
// invocation never needs runtime introspection.
func (d *Device) AddAction(action *Action) error {
	if action == nil {
		return fmt.Errorf("%w: nil action", ErrInvalidAction)
	}
	if err := action.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.actions[action.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, action.Name)
	}
	d.actions[action.Name] = action
	return nil
}

// AddVariable registers a state variable.
func (d *Device) AddVariable(variable *Variable) error {
	if variable == nil {
		return fmt.Errorf("%w: nil variable", ErrInvalidVariable)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.variables[variable.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateVariable, variable.Name())
	}
	d.variables[variable.Name()] = variable
	return nil
}

// Action returns a registered action by name.
func (d *Device) Action(name string) (*Action, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	action, exists := d.actions[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, name)
	}
	return action, nil
}

// Variable returns a registered variable by name.
func (d *Device) Variable(name string) (*Variable, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	variable, exists := d.variables[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrVariableNotFound, name)
	}
	return variable, nil
}

// Actions returns all registered actions sorted by name.
func (d *Device) Actions() []*Action {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*Action, 0, len(d.actions))
	for _, action := range d.actions {
		result = append(result, action)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Variables returns all registered variables sorted by name.
func (d *Device) Variables() []*Variable {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*Variable, 0, len(d.variables))
	for _, variable := range d.variables {
		result = append(result, variable)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// SetVariable updates a variable and fires the change hooks when the
// value actually changed. Hooks run outside the registry lock.
func (d *Device) SetVariable(name string, value any) error {
	variable, err := d.Variable(name)
	if err != nil {
		return err
	}
	changed, err := variable.Set(value)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	d.mu.RLock()
	hooks := make([]ChangeFunc, len(d.onChange))
	copy(hooks, d.onChange)
	d.mu.RUnlock()

	for _, hook := range hooks {
		hook(name, value)
	}
	return nil
}

// OnChange registers a hook observing every state-variable change.
func (d *Device) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = append(d.onChange, fn)
}

// Capabilities summarizes what the device exposes, sorted for
// deterministic advertisement.
func (d *Device) Capabilities() wire.CapabilitySummary {
	d.mu.RLock()
	defer d.mu.RUnlock()

	summary := wire.CapabilitySummary{
		Actions:   make([]string, 0, len(d.actions)),
		Variables: make([]string, 0, len(d.variables)),
	}
	for name := range d.actions {
		summary.Actions = append(summary.Actions, name)
	}
	for name := range d.variables {
		summary.Variables = append(summary.Variables, name)
	}
	sort.Strings(summary.Actions)
	sort.Strings(summary.Variables)
	return summary
}

// Snapshot returns the current values of the named variables, or of
// every variable when names is empty. Unset variables are omitted.
func (d *Device) Snapshot(names []string) (map[string]any, error) {
	if len(names) == 0 {
		for _, variable := range d.Variables() {
			names = append(names, variable.Name())
		}
	}

	snapshot := make(map[string]any, len(names))
	for _, name := range names {
		variable, err := d.Variable(name)
		if err != nil {
			return nil, err
		}
		if value := variable.Value(); value != nil {
			snapshot[name] = value
		}
	}
	return snapshot, nil
}
