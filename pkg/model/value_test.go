package model

import (
	"errors"
	"testing"
)

func TestValueTypeString(t *testing.T) {
	tests := []struct {
		valueType ValueType
		want      string
	}{
		{TypeBool, "bool"},
		{TypeInt, "int"},
		{TypeFloat, "float"},
		{TypeString, "string"},
		{TypeBytes, "bytes"},
		{TypeList, "list"},
		{TypeMap, "map"},
		{TypeUnknown, "unknown"},
		{ValueType(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.valueType.String(); got != tt.want {
			t.Errorf("ValueType(%d).String() = %q, want %q", tt.valueType, got, tt.want)
		}
	}
}

func TestCheckValue(t *testing.T) {
	tests := []struct {
		name      string
		valueType ValueType
		value     any
		wantErr   bool
	}{
		{"bool ok", TypeBool, true, false},
		{"bool wrong", TypeBool, "true", true},
		{"int ok", TypeInt, int64(80), false},
		{"int from cbor uint", TypeInt, uint64(80), false},
		{"int plain", TypeInt, 80, false},
		{"int wrong", TypeInt, 80.5, true},
		{"float ok", TypeFloat, 0.75, false},
		{"float accepts integer", TypeFloat, int64(1), false},
		{"float wrong", TypeFloat, "0.75", true},
		{"string ok", TypeString, "#ff8800", false},
		{"string wrong", TypeString, 42, true},
		{"bytes ok", TypeBytes, []byte{1, 2}, false},
		{"bytes wrong", TypeBytes, "12", true},
		{"list ok", TypeList, []any{"a", "b"}, false},
		{"list wrong", TypeList, []string{"a"}, true},
		{"map string keys", TypeMap, map[string]any{"k": 1}, false},
		{"map cbor keys", TypeMap, map[any]any{"k": 1}, false},
		{"map wrong", TypeMap, []any{}, true},
		{"nil rejected", TypeInt, nil, true},
		{"unknown type", TypeUnknown, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.valueType.CheckValue(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValueType) {
				t.Errorf("CheckValue() error = %v, want ErrValueType", err)
			}
		})
	}
}

func TestValidateASCII(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain", "http://192.168.1.10:8080/events", false},
		{"empty", "", false},
		{"full printable range", " !~", false},
		{"control character", "line\nbreak", true},
		{"tab", "a\tb", true},
		{"high byte", "caf\xc3\xa9", true},
		{"delete", "a\x7fb", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateASCII(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateASCII(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrNonASCII) {
				t.Errorf("ValidateASCII() error = %v, want ErrNonASCII", err)
			}
		})
	}
}

func TestValidateURN(t *testing.T) {
	tests := []struct {
		name    string
		urn     string
		wantErr bool
	}{
		{"short form", "urn:example:light", false},
		{"long form", "urn:example:device:light:1", false},
		{"uppercase prefix", "URN:example:light", false},
		{"missing prefix", "example:light", true},
		{"missing namespace", "urn::light", true},
		{"missing remainder", "urn:example:", true},
		{"too few parts", "urn:example", true},
		{"empty", "", true},
		{"non ascii", "urn:example:l\xc3\xa4mpchen", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURN(tt.urn)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURN(%q) error = %v, wantErr %v", tt.urn, err, tt.wantErr)
			}
		})
	}
}
