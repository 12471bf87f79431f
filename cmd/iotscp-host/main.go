// Command iotscp-host is a reference IOTSCP host: it discovers devices
// on the local network, establishes sessions, invokes actions and
// subscribes to variable changes.
//
// Usage:
//
//	iotscp-host [flags] <command> [args]
//
// Flags:
//
//	-cert string          Certificate file (PEM) shared with the devices
//	-host-id string       Host identifier (default: derived from the certificate)
//	-target string        Search target: a device type URN or "*" (default "*")
//	-filter string        Capability filter: "action=setColor,variable=brightness"
//	-timeout duration     Discovery timeout (default 3s)
//	-notify-port int      Listen port for notification pushes (default 8411)
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  Write protocol events to this capture file (CBOR format)
//	-interactive          Enable interactive command mode
//	-version              Show version information
//
// Commands:
//
//	discover                            Search for devices
//	describe <device>                   Fetch and print a device description
//	invoke <device> <action> [k=v...]   Invoke an action
//	watch <device> <var> [var...]       Subscribe and print changes
//
// <device> is a device ID (resolved via discovery) or an address like
// "10.0.0.9:8410".
//
// Examples:
//
//	# Find every device on the network
//	iotscp-host -cert device.pem discover
//
//	# Dim a light found by ID
//	iotscp-host -cert device.pem invoke aa11bb22cc33 setBrightness level=20
//
//	# Watch brightness changes until interrupted
//	iotscp-host -cert device.pem watch 10.0.0.9:8410 brightness power
//
//	# Capture protocol traffic for later analysis with iotscp-log
//	iotscp-host -cert device.pem -protocol-log host.iolog watch 10.0.0.9:8410 power
//
//	# Interactive session
//	iotscp-host -cert device.pem -interactive
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/iotscp/iotscp-go/cmd/iotscp-host/interactive"
	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/client"
	"github.com/iotscp/iotscp-go/pkg/discovery"
	"github.com/iotscp/iotscp-go/pkg/inspect"
	iotlog "github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/version"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Config holds the command-line configuration.
// It implements interactive.HostConfig.
type Config struct {
	CertPath        string
	HostIDValue     string
	TargetValue     string
	FilterValue     string
	TimeoutValue    time.Duration
	NotifyPortValue int
	LogLevel        string
	ProtocolLog     string
	Interactive     bool
	ShowVersion     bool
}

// Target implements interactive.HostConfig.
func (c *Config) Target() string { return c.TargetValue }

// SearchTimeout implements interactive.HostConfig.
func (c *Config) SearchTimeout() time.Duration { return c.TimeoutValue }

// NotifyPort implements interactive.HostConfig.
func (c *Config) NotifyPort() int { return c.NotifyPortValue }

// ProtocolLogger implements interactive.HostConfig.
func (c *Config) ProtocolLogger() iotlog.Logger { return protocolLogger }

var (
	config         Config
	protocolLogger iotlog.Logger
)

func init() {
	flag.StringVar(&config.CertPath, "cert", "", "Certificate file (PEM) shared with the devices")
	flag.StringVar(&config.HostIDValue, "host-id", "", "Host identifier (default: derived from the certificate)")
	flag.StringVar(&config.TargetValue, "target", wire.SearchTargetAll, "Search target URN")
	flag.StringVar(&config.FilterValue, "filter", "", `Capability filter: "action=setColor,variable=brightness"`)
	flag.DurationVar(&config.TimeoutValue, "timeout", discovery.DefaultSearchTimeout, "Discovery timeout")
	flag.IntVar(&config.NotifyPortValue, "notify-port", client.DefaultNotifyPort, "Listen port for notification pushes")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&config.ProtocolLog, "protocol-log", "", "Write protocol events to this capture file (CBOR format)")
	flag.BoolVar(&config.Interactive, "interactive", false, "Enable interactive command mode")
	flag.BoolVar(&config.ShowVersion, "version", false, "Show version information")
}

func main() {
	flag.Parse()

	if config.ShowVersion {
		fmt.Printf("iotscp-host %s (built %s, commit %s, protocol %d)\n",
			version.Version, version.BuildDate, version.GitCommit, version.Protocol)
		return
	}

	// Setup logging
	setupLogging(config.LogLevel)

	if config.CertPath == "" {
		log.Fatal("-cert is required (generate one with: iotscp-device -gen-cert)")
	}
	certificate, err := cert.ReadFile(config.CertPath)
	if err != nil {
		log.Fatalf("Failed to load certificate: %v", err)
	}

	if config.ProtocolLog != "" {
		capture, err := iotlog.NewFileLogger(config.ProtocolLog)
		if err != nil {
			log.Fatalf("Failed to create protocol logger: %v", err)
		}
		defer capture.Close()
		protocolLogger = capture
	}

	if config.Interactive {
		runInteractive(certificate)
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: iotscp-host [flags] <discover|describe|invoke|watch> [args]")
		fmt.Fprintln(os.Stderr, "Run with -h for details.")
		os.Exit(2)
	}

	switch args[0] {
	case "discover":
		runDiscover()
	case "describe":
		runDescribe(certificate, args[1:])
	case "invoke":
		runInvoke(certificate, args[1:])
	case "watch":
		runWatch(certificate, args[1:])
	default:
		log.Fatalf("Unknown command: %s (use discover, describe, invoke or watch)", args[0])
	}
}

func setupLogging(level string) {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	switch level {
	case "debug":
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	case "warn", "error":
		log.SetFlags(log.Ltime)
	}
}

func runInteractive(certificate *cert.Certificate) {
	console, err := interactive.New(certificate, hostID(certificate), &config)
	if err != nil {
		log.Fatalf("Failed to create interactive console: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redirect log output through readline to avoid interfering with input
	log.SetOutput(console.Stdout())
	go console.Run(ctx, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
		// Quit command.
	}
}

// runDiscover searches the network and prints what answered.
func runDiscover() {
	ctx, cancel := context.WithTimeout(context.Background(), config.TimeoutValue+time.Second)
	defer cancel()

	log.Printf("Searching for %s (timeout %s)...", config.TargetValue, config.TimeoutValue)

	filter, err := discovery.ParseFilter(config.FilterValue)
	if err != nil {
		log.Fatalf("Invalid -filter: %v", err)
	}
	services, err := client.Discover(ctx, config.TargetValue, filter,
		discovery.FinderConfig{Timeout: config.TimeoutValue, ProtocolLogger: protocolLogger})
	if err != nil {
		log.Fatalf("Discovery failed: %v", err)
	}
	if len(services) == 0 {
		fmt.Println("No devices found")
		return
	}

	fmt.Printf("Found %d device(s):\n", len(services))
	for idx, svc := range services {
		fmt.Printf("  %d. %s  %s\n", idx+1, svc.DeviceID, svc.DeviceType)
		fmt.Printf("     Control:   %s\n", svc.ControlURL)
		fmt.Printf("     Actions:   %s\n", strings.Join(svc.Capabilities.Actions, ", "))
		fmt.Printf("     Variables: %s\n", strings.Join(svc.Capabilities.Variables, ", "))
	}
}

// runDescribe fetches a device's description document and prints it.
// The description endpoint is readable without a session, so no Hello
// is performed.
func runDescribe(certificate *cert.Certificate, args []string) {
	if len(args) != 1 {
		log.Fatal("Usage: describe <device>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.TimeoutValue+time.Second)
	defer cancel()

	target := resolveTarget(ctx, args[0])
	c, err := client.New(client.Config{
		Certificate:    certificate,
		HostID:         hostID(certificate),
		ProtocolLogger: protocolLogger,
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	desc, err := c.Connect(ctx, target)
	if err != nil {
		log.Fatalf("Failed to fetch description: %v", err)
	}
	fmt.Print(inspect.DescribeDescription(desc, nil))
}

// runInvoke connects to a device and invokes one action.
func runInvoke(certificate *cert.Certificate, args []string) {
	if len(args) < 2 {
		log.Fatal("Usage: invoke <device> <action> [k=v...]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := connect(ctx, certificate, args[0])
	actionArgs, err := parseArgs(args[2:])
	if err != nil {
		log.Fatalf("Invalid argument: %v", err)
	}

	results, fault, err := c.Invoke(ctx, args[1], actionArgs)
	if err != nil {
		log.Fatalf("Invoke failed: %v", err)
	}
	if fault != nil {
		log.Fatalf("Device refused: %v", fault)
	}
	if len(results) == 0 {
		fmt.Println("OK")
		return
	}
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %v\n", k, results[k])
	}
}

// runWatch subscribes to variables and prints pushes until interrupted.
// The watcher renews the subscription and re-establishes the session if
// the device restarts.
func runWatch(certificate *cert.Certificate, args []string) {
	if len(args) < 2 {
		log.Fatal("Usage: watch <device> <var> [var...]")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolveCtx, resolveCancel := context.WithTimeout(ctx, config.TimeoutValue+time.Second)
	target := resolveTarget(resolveCtx, args[0])
	resolveCancel()

	receiver, err := client.NewNotifyReceiver(client.ReceiverConfig{
		Address:        fmt.Sprintf(":%d", config.NotifyPortValue),
		Handler:        printNotify,
		ProtocolLogger: protocolLogger,
	})
	if err != nil {
		log.Fatalf("Failed to create notify receiver: %v", err)
	}
	if err := receiver.Start(ctx); err != nil {
		log.Fatalf("Failed to start notify receiver: %v", err)
	}
	defer receiver.Stop()

	watcher, err := client.NewWatcher(client.WatcherConfig{
		Certificate:    certificate,
		HostID:         hostID(certificate),
		Target:         target,
		Variables:      args[1:],
		Receiver:       receiver,
		EventHost:      localIPv4(),
		ProtocolLogger: protocolLogger,
		OnState: func(old, new client.WatcherState) {
			log.Printf("Watch state: %s -> %s", old, new)
		},
	})
	if err != nil {
		log.Fatalf("Failed to create watcher: %v", err)
	}
	if err := watcher.Start(ctx); err != nil {
		log.Fatalf("Failed to start watcher: %v", err)
	}
	log.Printf("Watching %s on %s (Ctrl-C to stop)", strings.Join(args[1:], ", "), target)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Stopping...")
	if err := watcher.Stop(); err != nil {
		log.Printf("Stop failed: %v", err)
	}
}

func printNotify(sessionID string, note *wire.EventNotification, gap *client.GapError) {
	if gap != nil {
		log.Printf("[GAP] %v", gap)
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
	log.Printf("[NOTIFY] seq %d: %s", note.Sequence, strings.Join(parts, " "))
}

// resolveTarget turns a device argument into something Connect accepts.
// Anything with a scheme or port passes through; a bare device ID is
// resolved on the network.
func resolveTarget(ctx context.Context, device string) string {
	if strings.Contains(device, "://") || strings.Contains(device, ":") {
		return device
	}
	log.Printf("Looking for device %s...", device)
	svc, err := client.DiscoverByID(ctx, device,
		discovery.FinderConfig{Timeout: config.TimeoutValue, ProtocolLogger: protocolLogger})
	if err != nil {
		log.Fatalf("Device %s not found: %v", device, err)
	}
	return svc.ControlURL
}

// connect resolves the device argument, fetches its description and
// establishes a session.
func connect(ctx context.Context, certificate *cert.Certificate, device string) *client.Client {
	target := resolveTarget(ctx, device)

	c, err := client.New(client.Config{
		Certificate:    certificate,
		HostID:         hostID(certificate),
		ProtocolLogger: protocolLogger,
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	if _, err := c.Connect(ctx, target); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	if err := c.Hello(ctx); err != nil {
		log.Fatalf("Hello failed: %v", err)
	}
	log.Printf("Session established with %s (%s)", c.DeviceID(), c.Session().Mode())
	return c
}

// hostID returns the configured host identifier, defaulting to a prefix
// of the certificate fingerprint.
func hostID(certificate *cert.Certificate) string {
	if config.HostIDValue != "" {
		return config.HostIDValue
	}
	fp := certificate.Fingerprint()
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return "host-" + fp
}

// parseArgs parses k=v pairs into an argument map.
func parseArgs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("%q is not of the form k=v", pair)
		}
		args[name] = parseValue(raw)
	}
	return args, nil
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
