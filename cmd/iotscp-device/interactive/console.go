// Package interactive provides the interactive command-line interface
// for the IOTSCP device.
package interactive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/iotscp/iotscp-go/pkg/inspect"
	"github.com/iotscp/iotscp-go/pkg/service"
)

// Console handles interactive mode for iotscp-device.
type Console struct {
	svc       *service.DeviceService
	inspector *inspect.Inspector
}

// New creates a new interactive console handler.
func New(svc *service.DeviceService) *Console {
	return &Console{
		svc:       svc,
		inspector: inspect.NewInspector(svc.Device()),
	}
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	reader := bufio.NewReader(os.Stdin)

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Print("\ndevice> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			continue
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "status":
			c.cmdStatus()

		case "describe", "desc":
			c.cmdDescribe()

		case "set":
			c.cmdSet(args)

		case "vars", "variables":
			c.cmdVars()

		case "subs", "subscriptions":
			c.cmdSubs()

		case "sessions":
			c.cmdSessions()

		case "quit", "exit", "q":
			fmt.Println("Exiting...")
			cancel()
			return

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Println(`
IOTSCP Device Commands:
  status             - Show device status
  describe           - Show variables and action signatures
  vars               - List variables and their values
  set <var> <value>  - Set a variable (notifies subscribers)
  subs               - List active subscriptions
  sessions           - List established sessions
  help               - Show this help
  quit               - Exit device`)
}

// cmdStatus handles the status command.
func (c *Console) cmdStatus() {
	device := c.svc.Device()

	fmt.Println("\nDevice Status")
	fmt.Println("-------------------------------------------")
	fmt.Printf("  Name:           %s\n", device.Name())
	fmt.Printf("  Type:           %s\n", device.Type())
	fmt.Printf("  Device ID:      %s\n", c.svc.DeviceID())
	fmt.Printf("  Service State:  %s\n", c.svc.State())
	if addr := c.svc.Addr(); addr != nil {
		fmt.Printf("  Listening on:   %s\n", addr)
	}
	if sessions := c.svc.Sessions(); sessions != nil {
		fmt.Printf("  Sessions:       %d\n", sessions.Count())
	}
	if dispatcher := c.svc.Dispatcher(); dispatcher != nil {
		fmt.Printf("  Subscriptions:  %d\n", dispatcher.Count())
	}
	fmt.Println()
}

// cmdDescribe handles the describe command.
func (c *Console) cmdDescribe() {
	fmt.Println()
	fmt.Print(c.inspector.DescribeDevice())
}

// cmdVars handles the vars command.
func (c *Console) cmdVars() {
	variables := c.svc.Device().Variables()
	if len(variables) == 0 {
		fmt.Println("No variables")
		return
	}
	fmt.Println()
	fmt.Print(c.inspector.DescribeVariables())
}

// cmdSet handles the set command.
func (c *Console) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: set <var> <value>")
		fmt.Println("  Example: set brightness 80")
		return
	}

	// Parse the value (try int, then float, then bool, then string)
	raw := strings.Join(args[1:], " ")
	var value any
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		value = v
	} else if v, err := strconv.ParseFloat(raw, 64); err == nil {
		value = v
	} else if v, err := strconv.ParseBool(raw); err == nil {
		value = v
	} else {
		value = strings.Trim(raw, "\"'")
	}

	if err := c.svc.Device().SetVariable(args[0], value); err != nil {
		fmt.Printf("Set failed: %v\n", err)
		return
	}
	fmt.Println("OK")
}

// cmdSubs handles the subs command.
func (c *Console) cmdSubs() {
	dispatcher := c.svc.Dispatcher()
	if dispatcher == nil {
		fmt.Println("Service not running")
		return
	}
	subs := dispatcher.Subscriptions()
	if len(subs) == 0 {
		fmt.Println("No active subscriptions")
		return
	}

	fmt.Printf("\nActive Subscriptions (%d):\n", len(subs))
	fmt.Println("-------------------------------------------")
	for _, sub := range subs {
		fmt.Printf("  ID: %s\n", sub.ID)
		fmt.Printf("      Session:   %s\n", sub.Host.SessionID)
		fmt.Printf("      Event URL: %s\n", sub.Host.EventURL)
		fmt.Printf("      Variables: %s\n", strings.Join(sub.Variables, ", "))
		fmt.Printf("      TTL:       %s\n", sub.TTL)
		fmt.Println()
	}
}

// cmdSessions handles the sessions command.
func (c *Console) cmdSessions() {
	manager := c.svc.Sessions()
	if manager == nil {
		fmt.Println("Service not running")
		return
	}
	sessions := manager.Sessions()
	if len(sessions) == 0 {
		fmt.Println("No established sessions")
		return
	}

	fmt.Printf("\nEstablished Sessions (%d):\n", len(sessions))
	fmt.Println("-------------------------------------------")
	for _, sess := range sessions {
		fmt.Printf("  ID: %s\n", sess.ID())
		fmt.Printf("      Host:        %s\n", sess.PeerID())
		fmt.Printf("      Mode:        %s\n", sess.Mode())
		fmt.Printf("      Established: %s\n", sess.CreatedAt().Format("15:04:05"))
		fmt.Printf("      Last used:   %s\n", sess.LastUsed().Format("15:04:05"))
		fmt.Println()
	}
}
