package inspect

import (
	"fmt"
	"strings"

	"github.com/iotscp/iotscp-go/pkg/discovery"
	"github.com/iotscp/iotscp-go/pkg/transport"
)

// DescribeDescription renders a remote device's description document.
func DescribeDescription(desc *transport.Description, f *Formatter) string {
	if f == nil {
		f = NewFormatter()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Device: %s (%s)\n", desc.Name, desc.DeviceType)
	fmt.Fprintf(&sb, "ID: %s\n", desc.DeviceID)
	fmt.Fprintf(&sb, "Protocol: version %d\n", desc.ProtocolVersion)
	fmt.Fprintf(&sb, "Modes: %s\n", nameList(desc.Modes))
	sb.WriteString("Paths:\n")
	sb.WriteString(f.Indent(1, "hello:   "+desc.Paths.Hello) + "\n")
	sb.WriteString(f.Indent(1, "control: "+desc.Paths.Control) + "\n")
	sb.WriteString(f.Indent(1, "event:   "+desc.Paths.Event) + "\n")
	fmt.Fprintf(&sb, "Actions: %s\n", nameList(desc.Capabilities.Actions))
	fmt.Fprintf(&sb, "Variables: %s\n", nameList(desc.Capabilities.Variables))
	return sb.String()
}

// DescribeService renders one multicast discovery result.
func DescribeService(service *discovery.Service) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Device: %s (%s)\n", service.DeviceID, service.DeviceType)
	fmt.Fprintf(&sb, "Control: %s\n", service.ControlURL)
	if service.Addr != nil {
		fmt.Fprintf(&sb, "Source: %s\n", service.Addr)
	}
	fmt.Fprintf(&sb, "Actions: %s\n", nameList(service.Capabilities.Actions))
	fmt.Fprintf(&sb, "Variables: %s\n", nameList(service.Capabilities.Variables))
	return sb.String()
}
