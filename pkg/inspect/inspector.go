// Package inspect renders IOTSCP devices and descriptions for humans.
//
// The interactive consoles use it for their describe commands: the
// device side formats its own model (variables with live values, action
// signatures), the host side formats the description document and
// discovery results a remote device advertises.
package inspect

import (
	"fmt"
	"strings"

	"github.com/iotscp/iotscp-go/pkg/model"
)

// Inspector renders a local device model for display.
type Inspector struct {
	device *model.Device
	f      *Formatter
}

// NewInspector creates a new Inspector for the given device.
func NewInspector(device *model.Device) *Inspector {
	return &Inspector{device: device, f: NewFormatter()}
}

// Device returns the underlying device model.
func (i *Inspector) Device() *model.Device {
	return i.device
}

// DescribeDevice renders the whole device: identity, variables with
// their current values, and action signatures.
func (i *Inspector) DescribeDevice() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Device: %s (%s)\n", i.device.Name(), i.device.Type())
	sb.WriteString("Variables:\n")
	sb.WriteString(i.DescribeVariables())
	sb.WriteString("Actions:\n")
	sb.WriteString(i.DescribeActions())
	return sb.String()
}

// DescribeVariables renders one indented line per variable, sorted by
// name.
func (i *Inspector) DescribeVariables() string {
	variables := i.device.Variables()
	if len(variables) == 0 {
		return i.f.Indent(1, "(none)") + "\n"
	}
	var sb strings.Builder
	for _, variable := range variables {
		sb.WriteString(i.f.Indent(1, i.f.FormatVariable(variable)) + "\n")
	}
	return sb.String()
}

// DescribeActions renders one indented signature per action, sorted by
// name.
func (i *Inspector) DescribeActions() string {
	actions := i.device.Actions()
	if len(actions) == 0 {
		return i.f.Indent(1, "(none)") + "\n"
	}
	var sb strings.Builder
	for _, action := range actions {
		sb.WriteString(i.f.Indent(1, i.f.FormatAction(action)) + "\n")
	}
	return sb.String()
}
