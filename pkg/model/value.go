package model

import (
	"errors"
	"fmt"
	"strings"
)

// ValueType restricts what a variable, argument, or result may hold.
type ValueType uint8

const (
	TypeUnknown ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeBytes
	TypeList
	TypeMap
)

// String returns the value type name.
func (t ValueType) String() string {
	names := []string{"unknown", "bool", "int", "float", "string", "bytes", "list", "map"}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// IsValid returns true for a usable value type.
func (t ValueType) IsValid() bool {
	return t > TypeUnknown && t <= TypeMap
}

// Value and name validation errors.
var (
	ErrValueType  = errors.New("invalid value type")
	ErrNonASCII   = errors.New("contains non-printable or non-ASCII characters")
	ErrInvalidURN = errors.New("invalid URN")
)

// CheckValue verifies that v is acceptable for this type. The accepted
// Go types are the ones CBOR decoding naturally produces (int64/uint64
// for integers, float64 for floats, []any for lists, map[any]any for
// maps) plus their common in-process equivalents.
func (t ValueType) CheckValue(v any) error {
	if v == nil {
		return fmt.Errorf("%w: nil value", ErrValueType)
	}

	switch t {
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%w: expected bool, got %T", ErrValueType, v)
		}
	case TypeInt:
		if !isIntegerValue(v) {
			return fmt.Errorf("%w: expected integer, got %T", ErrValueType, v)
		}
	case TypeFloat:
		if !isNumericValue(v) {
			return fmt.Errorf("%w: expected number, got %T", ErrValueType, v)
		}
	case TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%w: expected string, got %T", ErrValueType, v)
		}
	case TypeBytes:
		if _, ok := v.([]byte); !ok {
			return fmt.Errorf("%w: expected bytes, got %T", ErrValueType, v)
		}
	case TypeList:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("%w: expected list, got %T", ErrValueType, v)
		}
	case TypeMap:
		switch v.(type) {
		case map[string]any, map[any]any:
		default:
			return fmt.Errorf("%w: expected map, got %T", ErrValueType, v)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrValueType, uint8(t))
	}
	return nil
}

// ValidateASCII rejects strings containing anything outside printable
// ASCII (0x20 to 0x7E). Endpoint addresses and registry names must pass
// before they are accepted.
func ValidateASCII(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			return fmt.Errorf("%w: byte 0x%02x at position %d", ErrNonASCII, s[i], i)
		}
	}
	return nil
}

// ValidateURN checks the urn:<nid>:<nss> shape of a device type.
func ValidateURN(urn string) error {
	if err := ValidateASCII(urn); err != nil {
		return err
	}
	parts := strings.SplitN(urn, ":", 3)
	if len(parts) != 3 || !strings.EqualFold(parts[0], "urn") || parts[1] == "" || parts[2] == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURN, urn)
	}
	return nil
}

func isIntegerValue(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	default:
		return false
	}
}

func isNumericValue(v any) bool {
	switch v.(type) {
	case float32, float64:
		return true
	default:
		return isIntegerValue(v)
	}
}
