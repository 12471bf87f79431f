package discovery

import (
	"fmt"
	"strings"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

// ParseFilter parses the textual capability filter form used on the
// command line, e.g. "action=setColor,variable=brightness". An empty
// string means no filter. Requirements of the same kind accumulate.
func ParseFilter(s string) (*wire.Filter, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	filter := &wire.Filter{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok || value == "" {
			return nil, fmt.Errorf("%w: %q (want key=value)", ErrInvalidFilter, part)
		}
		switch key {
		case "action":
			filter.Actions = append(filter.Actions, value)
		case "variable":
			filter.Variables = append(filter.Variables, value)
		default:
			return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidFilter, key)
		}
	}

	if len(filter.Actions) == 0 && len(filter.Variables) == 0 {
		return nil, nil
	}
	return filter, nil
}

// FormatFilter renders a filter back to its textual form.
func FormatFilter(f *wire.Filter) string {
	if f == nil {
		return ""
	}
	parts := make([]string, 0, len(f.Actions)+len(f.Variables))
	for _, a := range f.Actions {
		parts = append(parts, "action="+a)
	}
	for _, v := range f.Variables {
		parts = append(parts, "variable="+v)
	}
	return strings.Join(parts, ",")
}
