package model

import (
	"errors"
	"fmt"
	"sync"
)

// Variable errors.
var (
	ErrVariableNotFound = errors.New("variable not found")
	ErrInvalidVariable  = errors.New("invalid variable definition")
)

// Variable is one observable piece of device state with a declared
// type and a guarded current value.
type Variable struct {
	name    string
	varType ValueType

	mu    sync.RWMutex
	value any
}

// NewVariable creates a variable with an initial value. The initial
// value may be nil; a nil value reads as unset until the first Set.
func NewVariable(name string, varType ValueType, initial any) (*Variable, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidVariable)
	}
	if err := ValidateASCII(name); err != nil {
		return nil, fmt.Errorf("%w: name %q: %v", ErrInvalidVariable, name, err)
	}
	if !varType.IsValid() {
		return nil, fmt.Errorf("%w: %s has unknown type", ErrInvalidVariable, name)
	}
	if initial != nil {
		if err := varType.CheckValue(initial); err != nil {
			return nil, fmt.Errorf("%w: %s initial value: %v", ErrInvalidVariable, name, err)
		}
	}
	return &Variable{name: name, varType: varType, value: initial}, nil
}

// Name returns the variable name.
func (v *Variable) Name() string { return v.name }

// Type returns the declared value type.
func (v *Variable) Type() ValueType { return v.varType }

// Value returns the current value.
func (v *Variable) Value() any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set replaces the current value after type checking. It reports
// whether the stored value actually changed.
func (v *Variable) Set(value any) (bool, error) {
	if err := v.varType.CheckValue(value); err != nil {
		return false, fmt.Errorf("%s: %w", v.name, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if equalValue(v.value, value) {
		return false, nil
	}
	v.value = value
	return true, nil
}

// equalValue compares scalar values; composite values always count as
// changed because deep comparison costs more than a spurious notify.
func equalValue(a, b any) bool {
	switch a.(type) {
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, string:
		return a == b
	default:
		return false
	}
}
