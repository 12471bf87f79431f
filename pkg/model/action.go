package model

import (
	"context"
	"errors"
	"fmt"
)

// Action errors.
var (
	ErrActionNotFound  = errors.New("action not found")
	ErrInvalidAction   = errors.New("invalid action definition")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidResult   = errors.New("invalid result")
)

// ActionFunc is the handler signature for device actions. The args map
// contains validated named arguments; the returned map carries the
// result values, checked against the action's declared returns.
type ActionFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Arg describes one named argument or result field of an action.
type Arg struct {
	// Name is the argument name.
	Name string

	// Type is the expected value type.
	Type ValueType

	// Required indicates the argument must be present.
	Required bool
}

// Action binds an argument schema to a handler. The schema is checked
// once at registration; invocations validate arguments against it
// without runtime introspection.
type Action struct {
	// Name is the action name hosts invoke.
	Name string

	// Args describes the accepted arguments.
	Args []Arg

	// Returns describes the result fields.
	Returns []Arg

	// Handler executes the action.
	Handler ActionFunc
}

// Validate checks the action definition at registration time.
func (a *Action) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAction)
	}
	if err := ValidateASCII(a.Name); err != nil {
		return fmt.Errorf("%w: name %q: %v", ErrInvalidAction, a.Name, err)
	}
	if a.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidAction, a.Name)
	}
	if err := validateSchema(a.Args); err != nil {
		return fmt.Errorf("%w: %s args: %v", ErrInvalidAction, a.Name, err)
	}
	if err := validateSchema(a.Returns); err != nil {
		return fmt.Errorf("%w: %s returns: %v", ErrInvalidAction, a.Name, err)
	}
	return nil
}

// validateSchema checks one argument list for usable names and types.
func validateSchema(args []Arg) error {
	seen := make(map[string]bool, len(args))
	for _, arg := range args {
		if arg.Name == "" {
			return fmt.Errorf("empty argument name")
		}
		if err := ValidateASCII(arg.Name); err != nil {
			return fmt.Errorf("argument %q: %w", arg.Name, err)
		}
		if !arg.Type.IsValid() {
			return fmt.Errorf("argument %q has unknown type", arg.Name)
		}
		if seen[arg.Name] {
			return fmt.Errorf("duplicate argument %q", arg.Name)
		}
		seen[arg.Name] = true
	}
	return nil
}

// CheckArgs validates an incoming argument map against the schema:
// required arguments present, no unknown names, values matching the
// declared types.
func (a *Action) CheckArgs(args map[string]any) error {
	for _, arg := range a.Args {
		value, present := args[arg.Name]
		if !present {
			if arg.Required {
				return fmt.Errorf("%w: missing required argument %q", ErrInvalidArgument, arg.Name)
			}
			continue
		}
		if err := arg.Type.CheckValue(value); err != nil {
			return fmt.Errorf("%w: argument %q: %v", ErrInvalidArgument, arg.Name, err)
		}
	}
	for name := range args {
		if !a.hasArg(name) {
			return fmt.Errorf("%w: unknown argument %q", ErrInvalidArgument, name)
		}
	}
	return nil
}

// CheckResults validates a handler's result map against the declared
// returns. A failure here is the device author's bug, not the caller's.
func (a *Action) CheckResults(results map[string]any) error {
	for _, ret := range a.Returns {
		value, present := results[ret.Name]
		if !present {
			if ret.Required {
				return fmt.Errorf("%w: missing required result %q", ErrInvalidResult, ret.Name)
			}
			continue
		}
		if err := ret.Type.CheckValue(value); err != nil {
			return fmt.Errorf("%w: result %q: %v", ErrInvalidResult, ret.Name, err)
		}
	}
	return nil
}

func (a *Action) hasArg(name string) bool {
	for _, arg := range a.Args {
		if arg.Name == name {
			return true
		}
	}
	return false
}
