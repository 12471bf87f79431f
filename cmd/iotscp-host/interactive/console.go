// Package interactive provides the interactive command-line interface
// for the IOTSCP host.
package interactive

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/client"
	"github.com/iotscp/iotscp-go/pkg/discovery"
	"github.com/iotscp/iotscp-go/pkg/inspect"
	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// HostConfig provides configuration information to the interactive host.
// This interface allows the interactive layer to access host settings
// without depending on the main package's config structure.
type HostConfig interface {
	// Target returns the search target for discovery.
	Target() string
	// SearchTimeout returns how long discovery collects responses.
	SearchTimeout() time.Duration
	// NotifyPort returns the listen port for notification pushes.
	NotifyPort() int
	// ProtocolLogger returns the capture logger, or nil when capture is
	// disabled.
	ProtocolLogger() log.Logger
}

// activeSub tracks one subscription created from this console.
type activeSub struct {
	ID        string
	TTL       time.Duration
	Variables []string
}

// Console handles interactive mode for iotscp-host.
type Console struct {
	certificate *cert.Certificate
	hostID      string
	config      HostConfig
	rl          *readline.Instance

	services []*discovery.Service
	current  *client.Client
	receiver *client.NotifyReceiver
	subs     map[string]*activeSub
}

// New creates a new interactive host console.
func New(certificate *cert.Certificate, hostID string, cfg HostConfig) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "iotscp> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Console{
		certificate: certificate,
		hostID:      hostID,
		config:      cfg,
		rl:          rl,
		subs:        make(map[string]*activeSub),
	}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that properly coordinates with the readline input.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	defer func() {
		if c.receiver != nil {
			c.receiver.Stop()
		}
	}()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "discover", "d":
			c.cmdDiscover()

		case "use", "u":
			c.cmdUse(args)

		case "describe", "desc":
			c.cmdDescribe()

		case "invoke", "i":
			c.cmdInvoke(args)

		case "subscribe", "sub":
			c.cmdSubscribe(args)

		case "renew":
			c.cmdRenew(args)

		case "unsubscribe", "unsub":
			c.cmdUnsubscribe(args)

		case "subs", "subscriptions":
			c.cmdSubs()

		case "status":
			c.cmdStatus()

		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
IOTSCP Host Commands:
  Discovery:
    discover                  - Search for devices on the network
    use <n|id|address>        - Connect to a search result, device ID or address
    describe                  - Show the current device's description

  Control:
    invoke <action> [k=v...]  - Invoke an action on the current device
    subscribe <var> [var...]  - Subscribe to variable changes
    renew <sub-id> [ttl]      - Renew a subscription (e.g. renew ab12 10m)
    unsubscribe <sub-id>      - Cancel a subscription
    subs                      - List subscriptions created here

  General:
    status                    - Show connection status
    help                      - Show this help
    quit                      - Exit host`)
}

// cmdDiscover searches the network and remembers the results for 'use'.
func (c *Console) cmdDiscover() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.SearchTimeout()+time.Second)
	defer cancel()

	fmt.Fprintf(c.rl.Stdout(), "Searching for %s...\n", c.config.Target())
	services, err := client.Discover(ctx, c.config.Target(), nil,
		discovery.FinderConfig{Timeout: c.config.SearchTimeout(), ProtocolLogger: c.config.ProtocolLogger()})
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Discovery failed: %v\n", err)
		return
	}
	c.services = services

	if len(services) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No devices found")
		return
	}
	for idx, svc := range services {
		fmt.Fprintf(c.rl.Stdout(), "  %d. %s  %s\n", idx+1, svc.DeviceID, svc.DeviceType)
		fmt.Fprintf(c.rl.Stdout(), "     Control:   %s\n", svc.ControlURL)
		fmt.Fprintf(c.rl.Stdout(), "     Actions:   %s\n", strings.Join(svc.Capabilities.Actions, ", "))
		fmt.Fprintf(c.rl.Stdout(), "     Variables: %s\n", strings.Join(svc.Capabilities.Variables, ", "))
	}
}

// cmdUse connects to a device and establishes a session.
func (c *Console) cmdUse(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: use <number|device-id|address>")
		fmt.Fprintln(c.rl.Stdout(), "  Use 'discover' to list devices first")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	target := args[0]
	if n, err := strconv.Atoi(args[0]); err == nil {
		if n < 1 || n > len(c.services) {
			fmt.Fprintf(c.rl.Stdout(), "No such result: %d (have %d)\n", n, len(c.services))
			return
		}
		target = c.services[n-1].ControlURL
	} else if !strings.Contains(args[0], ":") {
		// A device ID: prefer a remembered search result, otherwise
		// resolve it on the network.
		found := ""
		for _, svc := range c.services {
			if svc.DeviceID == args[0] || strings.Contains(svc.DeviceID, args[0]) {
				found = svc.ControlURL
				break
			}
		}
		if found == "" {
			svc, err := client.DiscoverByID(ctx, args[0],
				discovery.FinderConfig{Timeout: c.config.SearchTimeout(), ProtocolLogger: c.config.ProtocolLogger()})
			if err != nil {
				fmt.Fprintf(c.rl.Stdout(), "Device %s not found: %v\n", args[0], err)
				return
			}
			found = svc.ControlURL
		}
		target = found
	}

	cl, err := client.New(client.Config{
		Certificate:    c.certificate,
		HostID:         c.hostID,
		ProtocolLogger: c.config.ProtocolLogger(),
	})
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Failed to create client: %v\n", err)
		return
	}
	if _, err := cl.Connect(ctx, target); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Failed to connect: %v\n", err)
		return
	}
	if err := cl.Hello(ctx); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Hello failed: %v\n", err)
		return
	}

	if c.receiver != nil {
		c.receiver.AddSession(cl.Session())
	}
	c.current = cl
	fmt.Fprintf(c.rl.Stdout(), "Using %s (session %s, %s)\n",
		cl.DeviceID(), shortID(cl.SessionID()), cl.Session().Mode())
}

// cmdDescribe shows the description document of the current device.
func (c *Console) cmdDescribe() {
	if c.current == nil {
		fmt.Fprintln(c.rl.Stdout(), "Not connected (use 'use' first)")
		return
	}
	desc := c.current.Description()
	if desc == nil {
		fmt.Fprintln(c.rl.Stdout(), "No description available")
		return
	}
	fmt.Fprintln(c.rl.Stdout())
	fmt.Fprint(c.rl.Stdout(), inspect.DescribeDescription(desc, nil))
}

// cmdInvoke invokes an action on the current device.
func (c *Console) cmdInvoke(args []string) {
	if c.current == nil {
		fmt.Fprintln(c.rl.Stdout(), "Not connected (use 'use' first)")
		return
	}
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: invoke <action> [k=v...]")
		fmt.Fprintln(c.rl.Stdout(), "  Example: invoke setBrightness level=20")
		return
	}

	actionArgs := make(map[string]any, len(args)-1)
	for _, pair := range args[1:] {
		name, raw, found := strings.Cut(pair, "=")
		if !found || name == "" {
			fmt.Fprintf(c.rl.Stdout(), "%q is not of the form k=v\n", pair)
			return
		}
		actionArgs[name] = parseValue(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results, fault, err := c.current.Invoke(ctx, args[0], actionArgs)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Invoke failed: %v\n", err)
		return
	}
	if fault != nil {
		fmt.Fprintf(c.rl.Stdout(), "Device refused: %v\n", fault)
		return
	}
	if len(results) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "OK")
		return
	}
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.rl.Stdout(), "  %s: %v\n", k, results[k])
	}
}

// cmdSubscribe subscribes to variables on the current device.
func (c *Console) cmdSubscribe(args []string) {
	if c.current == nil {
		fmt.Fprintln(c.rl.Stdout(), "Not connected (use 'use' first)")
		return
	}
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: subscribe <var> [var...]")
		return
	}

	if err := c.ensureReceiver(); err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Failed to start notify receiver: %v\n", err)
		return
	}
	c.receiver.AddSession(c.current.Session())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sub, fault, err := c.current.Subscribe(ctx, args, 0, c.receiver.EventURL(localIPv4()))
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Subscribe failed: %v\n", err)
		return
	}
	if fault != nil {
		fmt.Fprintf(c.rl.Stdout(), "Device refused: %v\n", fault)
		return
	}

	c.subs[sub.ID] = &activeSub{ID: sub.ID, TTL: sub.TTL, Variables: args}
	fmt.Fprintf(c.rl.Stdout(), "Subscribed: %s (ttl %s)\n", sub.ID, sub.TTL)
}

// cmdRenew renews a subscription, optionally with a new lifetime.
func (c *Console) cmdRenew(args []string) {
	if c.current == nil {
		fmt.Fprintln(c.rl.Stdout(), "Not connected (use 'use' first)")
		return
	}
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: renew <sub-id> [ttl]")
		return
	}

	subID := c.resolveSub(args[0])
	if subID == "" {
		fmt.Fprintf(c.rl.Stdout(), "Subscription not found: %s\n", args[0])
		return
	}

	var ttl time.Duration
	if len(args) >= 2 {
		parsed, err := time.ParseDuration(args[1])
		if err != nil {
			fmt.Fprintf(c.rl.Stdout(), "Invalid ttl: %v\n", err)
			return
		}
		ttl = parsed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	granted, fault, err := c.current.Renew(ctx, subID, ttl)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Renew failed: %v\n", err)
		return
	}
	if fault != nil {
		fmt.Fprintf(c.rl.Stdout(), "Device refused: %v\n", fault)
		return
	}
	if sub, ok := c.subs[subID]; ok {
		sub.TTL = granted
	}
	fmt.Fprintf(c.rl.Stdout(), "Renewed %s for %s\n", shortID(subID), granted)
}

// cmdUnsubscribe cancels a subscription.
func (c *Console) cmdUnsubscribe(args []string) {
	if c.current == nil {
		fmt.Fprintln(c.rl.Stdout(), "Not connected (use 'use' first)")
		return
	}
	if len(args) < 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: unsubscribe <sub-id>")
		return
	}

	subID := c.resolveSub(args[0])
	if subID == "" {
		fmt.Fprintf(c.rl.Stdout(), "Subscription not found: %s\n", args[0])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fault, err := c.current.Unsubscribe(ctx, subID)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Unsubscribe failed: %v\n", err)
		return
	}
	if fault != nil {
		fmt.Fprintf(c.rl.Stdout(), "Device refused: %v\n", fault)
		return
	}
	if c.receiver != nil {
		c.receiver.Forget(subID)
	}
	delete(c.subs, subID)
	fmt.Fprintln(c.rl.Stdout(), "Unsubscribed")
}

// cmdSubs lists the subscriptions created from this console.
func (c *Console) cmdSubs() {
	if len(c.subs) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No active subscriptions")
		return
	}

	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(c.rl.Stdout(), "\nSubscriptions (%d):\n", len(ids))
	fmt.Fprintln(c.rl.Stdout(), "-------------------------------------------")
	for _, id := range ids {
		sub := c.subs[id]
		fmt.Fprintf(c.rl.Stdout(), "  ID: %s\n", sub.ID)
		fmt.Fprintf(c.rl.Stdout(), "      Variables: %s\n", strings.Join(sub.Variables, ", "))
		fmt.Fprintf(c.rl.Stdout(), "      TTL: %s\n", sub.TTL)
	}
	fmt.Fprintln(c.rl.Stdout())
}

// cmdStatus shows the connection status.
func (c *Console) cmdStatus() {
	fmt.Fprintln(c.rl.Stdout(), "\nHost Status")
	fmt.Fprintln(c.rl.Stdout(), "-------------------------------------------")
	fmt.Fprintf(c.rl.Stdout(), "  Host ID:       %s\n", c.hostID)
	fmt.Fprintf(c.rl.Stdout(), "  Search Target: %s\n", c.config.Target())
	fmt.Fprintf(c.rl.Stdout(), "  Known Devices: %d\n", len(c.services))

	if c.current != nil {
		fmt.Fprintf(c.rl.Stdout(), "  Device:        %s\n", c.current.DeviceID())
		fmt.Fprintf(c.rl.Stdout(), "  Session:       %s (%s)\n",
			shortID(c.current.SessionID()), c.current.Session().Mode())
	} else {
		fmt.Fprintf(c.rl.Stdout(), "  Device:        not connected\n")
	}

	if c.receiver != nil {
		fmt.Fprintf(c.rl.Stdout(), "  Notify:        %s\n", c.receiver.Addr())
	} else {
		fmt.Fprintf(c.rl.Stdout(), "  Notify:        not started\n")
	}
	fmt.Fprintf(c.rl.Stdout(), "  Subscriptions: %d\n", len(c.subs))
	fmt.Fprintln(c.rl.Stdout())
}

// ensureReceiver starts the notification listener on first use.
func (c *Console) ensureReceiver() error {
	if c.receiver != nil {
		return nil
	}

	receiver, err := client.NewNotifyReceiver(client.ReceiverConfig{
		Address:        fmt.Sprintf(":%d", c.config.NotifyPort()),
		Handler:        c.handleNotify,
		ProtocolLogger: c.config.ProtocolLogger(),
	})
	if err != nil {
		return err
	}
	if err := receiver.Start(context.Background()); err != nil {
		return err
	}
	c.receiver = receiver
	return nil
}

// handleNotify displays an incoming notification push.
func (c *Console) handleNotify(sessionID string, note *wire.EventNotification, gap *client.GapError) {
	if gap != nil {
		fmt.Fprintf(c.rl.Stdout(), "\n[%s] GAP on %s: expected seq %d, got %d\n",
			time.Now().Format("15:04:05"),
			shortID(gap.SubscriptionID), gap.Expected, gap.Got)
	}

	changes := note.Changes.Map()
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, changes[k]))
	}

	fmt.Fprintf(c.rl.Stdout(), "\n[%s] %s seq %d: %s\n",
		time.Now().Format("15:04:05"),
		shortID(note.SubscriptionID), note.Sequence, strings.Join(parts, " "))
	c.rl.Refresh()
}

// resolveSub matches a possibly partial subscription ID.
func (c *Console) resolveSub(partial string) string {
	if _, ok := c.subs[partial]; ok {
		return partial
	}
	for id := range c.subs {
		if strings.Contains(id, partial) {
			return id
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// parseValue guesses the value type: int, then float, then bool, then
// string.
func parseValue(raw string) any {
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	return strings.Trim(raw, "\"'")
}

// localIPv4 returns the first usable interface address, for building
// the event URL devices push to.
func localIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String()
		}
	}
	return "127.0.0.1"
}
