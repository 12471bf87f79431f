package inspect

import (
	"testing"

	"github.com/iotscp/iotscp-go/pkg/model"
)

func TestFormatValue(t *testing.T) {
	f := &Formatter{}

	tests := []struct {
		name     string
		value    any
		expected string
	}{
		{
			name:     "nil",
			value:    nil,
			expected: "null",
		},
		{
			name:     "bool true",
			value:    true,
			expected: "true",
		},
		{
			name:     "bool false",
			value:    false,
			expected: "false",
		},
		{
			name:     "string quoted",
			value:    "#ff8800",
			expected: "\"#ff8800\"",
		},
		{
			name:     "int64",
			value:    int64(60),
			expected: "60",
		},
		{
			name:     "negative int64",
			value:    int64(-12),
			expected: "-12",
		},
		{
			name:     "uint64",
			value:    uint64(4410),
			expected: "4410",
		},
		{
			name:     "float64",
			value:    18.5,
			expected: "18.50",
		},
		{
			name:     "bytes as hex",
			value:    []byte{0xde, 0xad, 0xbe, 0xef},
			expected: "0xdeadbeef",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.FormatValue(tt.value)
			if got != tt.expected {
				t.Errorf("FormatValue(%v) = %q, want %q", tt.value, got, tt.expected)
			}
		})
	}
}

func TestFormatVariable(t *testing.T) {
	brightness, err := model.NewVariable("brightness", model.TypeInt, int64(100))
	if err != nil {
		t.Fatalf("NewVariable() error = %v", err)
	}

	f := NewFormatter()
	if got, want := f.FormatVariable(brightness), "brightness = 100 (int)"; got != want {
		t.Errorf("FormatVariable() = %q, want %q", got, want)
	}

	f.ShowTypes = false
	if got, want := f.FormatVariable(brightness), "brightness = 100"; got != want {
		t.Errorf("FormatVariable() without types = %q, want %q", got, want)
	}
}

func TestFormatVariableUnset(t *testing.T) {
	label, err := model.NewVariable("label", model.TypeString, nil)
	if err != nil {
		t.Fatalf("NewVariable() error = %v", err)
	}

	f := NewFormatter()
	if got, want := f.FormatVariable(label), "label = null (string)"; got != want {
		t.Errorf("FormatVariable() = %q, want %q", got, want)
	}
}

func TestFormatAction(t *testing.T) {
	f := NewFormatter()

	tests := []struct {
		name     string
		action   *model.Action
		expected string
	}{
		{
			name: "single required arg",
			action: &model.Action{
				Name: "setBrightness",
				Args: []model.Arg{
					{Name: "level", Type: model.TypeInt, Required: true},
				},
			},
			expected: "setBrightness(level int)",
		},
		{
			name: "optional arg bracketed",
			action: &model.Action{
				Name: "setColor",
				Args: []model.Arg{
					{Name: "color", Type: model.TypeString, Required: true},
					{Name: "fade", Type: model.TypeBool},
				},
			},
			expected: "setColor(color string, [fade bool])",
		},
		{
			name: "returns",
			action: &model.Action{
				Name: "getState",
				Returns: []model.Arg{
					{Name: "brightness", Type: model.TypeInt, Required: true},
					{Name: "power", Type: model.TypeBool, Required: true},
				},
			},
			expected: "getState() -> brightness int, power bool",
		},
		{
			name:     "no args no returns",
			action:   &model.Action{Name: "reset"},
			expected: "reset()",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.FormatAction(tt.action)
			if got != tt.expected {
				t.Errorf("FormatAction() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestIndent(t *testing.T) {
	f := NewFormatter()
	if got, want := f.Indent(2, "x"), "    x"; got != want {
		t.Errorf("Indent(2) = %q, want %q", got, want)
	}

	// Zero width falls back to two spaces.
	bare := &Formatter{}
	if got, want := bare.Indent(1, "x"), "  x"; got != want {
		t.Errorf("Indent(1) with zero width = %q, want %q", got, want)
	}
}
