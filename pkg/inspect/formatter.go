package inspect

import (
	"fmt"
	"strings"

	"github.com/iotscp/iotscp-go/pkg/model"
)

// Formatter formats inspection output.
type Formatter struct {
	// ShowTypes includes declared value types alongside values
	ShowTypes bool

	// IndentWidth is the number of spaces per indent level
	IndentWidth int
}

// NewFormatter creates a new Formatter with default settings.
func NewFormatter() *Formatter {
	return &Formatter{
		ShowTypes:   true,
		IndentWidth: 2,
	}
}

// Indent returns the content with indentation.
func (f *Formatter) Indent(depth int, content string) string {
	width := f.IndentWidth
	if width == 0 {
		width = 2
	}
	indent := strings.Repeat(" ", depth*width)
	return indent + content
}

// FormatValue formats a variable or argument value for display.
func (f *Formatter) FormatValue(value any) string {
	if value == nil {
		return "null"
	}

	switch v := value.(type) {
	case bool:
		if v {
			return "true"
		}
		return "false"

	case string:
		return fmt.Sprintf("%q", v)

	case int64:
		return fmt.Sprintf("%d", v)

	case int:
		return fmt.Sprintf("%d", v)

	case uint64:
		return fmt.Sprintf("%d", v)

	case float64:
		return fmt.Sprintf("%.2f", v)

	case float32:
		return fmt.Sprintf("%.2f", v)

	case []byte:
		return fmt.Sprintf("0x%x", v)

	default:
		return fmt.Sprintf("%v", v)
	}
}

// FormatVariable renders one variable as "name = value", with the
// declared type appended when ShowTypes is set.
func (f *Formatter) FormatVariable(variable *model.Variable) string {
	s := fmt.Sprintf("%s = %s", variable.Name(), f.FormatValue(variable.Value()))
	if f.ShowTypes {
		s += fmt.Sprintf(" (%s)", variable.Type())
	}
	return s
}

// FormatAction renders an action signature, e.g.
//
//	setBrightness(level int)
//	getState() -> brightness int, power bool
//
// Optional arguments appear in square brackets.
func (f *Formatter) FormatAction(action *model.Action) string {
	s := action.Name + "(" + formatArgs(action.Args) + ")"
	if len(action.Returns) > 0 {
		s += " -> " + formatArgs(action.Returns)
	}
	return s
}

// formatArgs joins argument declarations, bracketing optional ones.
func formatArgs(args []model.Arg) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		decl := arg.Name + " " + arg.Type.String()
		if !arg.Required {
			decl = "[" + decl + "]"
		}
		parts[i] = decl
	}
	return strings.Join(parts, ", ")
}

// nameList joins capability names, with a placeholder for none.
func nameList(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
