// Command iotscp-device runs a reference IOTSCP device.
//
// This command demonstrates a complete IOTSCP device with:
//   - CLI argument parsing
//   - Configuration file support
//   - A simulated dimmable light
//   - Multicast discovery (and optional mDNS advertising)
//   - Certificate generation and persistence
//   - Comprehensive logging
//
// Usage:
//
//	iotscp-device [flags]
//
// Flags:
//
//	-config string          Configuration file path
//	-name string            User-friendly device name (default "IOTSCP Light")
//	-urn string             Device type URN (default "urn:example:light")
//	-port int               Listen port (default 8410)
//	-cert-dir string        Certificate directory (default "certificates")
//	-cert-name string       Certificate name (default "device")
//	-state-file string      Persist variable state to this file
//	-gen-cert               Generate a certificate and exit
//	-segments int           Segment count for -gen-cert (default 16)
//	-segment-length int     Segment length for -gen-cert (default 32)
//	-mode string            Restrict cipher modes: sealed, token
//	-mdns                   Advertise the device over mDNS as well
//	-log-level string       Log level: debug, info, warn, error (default "info")
//	-log-file string        Write logs to this file instead of stderr
//	-protocol-log string    Write protocol events to this capture file (CBOR format)
//	-interactive            Enable interactive command mode
//	-version                Show version information
//
// Examples:
//
//	# Generate the device certificate once
//	iotscp-device -gen-cert -cert-dir /var/lib/iotscp
//
//	# Start the light with default settings
//	iotscp-device -name "Living Room Lamp"
//
//	# Start from a config file with verbose logging
//	iotscp-device -config /etc/iotscp/device.yaml -log-level debug
//
//	# Capture protocol traffic for later analysis with iotscp-log
//	iotscp-device -protocol-log device.iolog
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/iotscp/iotscp-go/cmd/iotscp-device/interactive"
	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/examples"
	iotlog "github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/service"
	"github.com/iotscp/iotscp-go/pkg/version"
)

// Config holds the command-line configuration.
type Config struct {
	ConfigFile    string
	Name          string
	TypeURN       string
	Port          int
	CertDir       string
	CertName      string
	StateFile     string
	GenCert       bool
	Segments      int
	SegmentLength int
	Mode          string
	MDNS          bool
	LogLevel      string
	LogFile       string
	ProtocolLog   string
	Interactive   bool
	ShowVersion   bool
}

var (
	config    Config
	logOutput io.Writer = os.Stderr
)

func init() {
	flag.StringVar(&config.ConfigFile, "config", "", "Configuration file path")
	flag.StringVar(&config.Name, "name", "IOTSCP Light", "User-friendly device name")
	flag.StringVar(&config.TypeURN, "urn", "urn:example:light", "Device type URN")
	flag.IntVar(&config.Port, "port", 8410, "Listen port")
	flag.StringVar(&config.CertDir, "cert-dir", service.DefaultCertificateDir, "Certificate directory")
	flag.StringVar(&config.CertName, "cert-name", service.DefaultCertificateName, "Certificate name")
	flag.StringVar(&config.StateFile, "state-file", "", "Persist variable state to this file")
	flag.BoolVar(&config.GenCert, "gen-cert", false, "Generate a certificate and exit")
	flag.IntVar(&config.Segments, "segments", cert.DefaultSegmentCount, "Segment count for -gen-cert")
	flag.IntVar(&config.SegmentLength, "segment-length", cert.DefaultSegmentLength, "Segment length for -gen-cert")
	flag.StringVar(&config.Mode, "mode", "", "Restrict cipher modes: sealed, token")
	flag.BoolVar(&config.MDNS, "mdns", false, "Advertise the device over mDNS as well")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&config.LogFile, "log-file", "", "Write logs to this file instead of stderr")
	flag.StringVar(&config.ProtocolLog, "protocol-log", "", "Write protocol events to this capture file (CBOR format)")
	flag.BoolVar(&config.Interactive, "interactive", false, "Enable interactive command mode")
	flag.BoolVar(&config.ShowVersion, "version", false, "Show version information")
}

func main() {
	flag.Parse()

	if config.ShowVersion {
		fmt.Printf("iotscp-device %s (built %s, commit %s, protocol %d)\n",
			version.Version, version.BuildDate, version.GitCommit, version.Protocol)
		return
	}

	// Setup logging
	if err := setupLogging(); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	if config.GenCert {
		if err := generateCertificate(); err != nil {
			log.Fatalf("Failed to generate certificate: %v", err)
		}
		return
	}

	log.Println("IOTSCP Reference Device")
	log.Println("=======================")
	log.Printf("Device name: %s", config.Name)
	log.Printf("Device type: %s", config.TypeURN)
	log.Printf("Port: %d", config.Port)

	// Build the service configuration: config file first, explicit
	// flags on top.
	svcConfig, err := buildServiceConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if config.ProtocolLog != "" {
		capture, err := iotlog.NewFileLogger(config.ProtocolLog)
		if err != nil {
			log.Fatalf("Failed to create protocol logger: %v", err)
		}
		defer capture.Close()
		svcConfig.ProtocolLogger = capture
		log.Printf("Protocol capture: %s", config.ProtocolLog)
	}

	light, err := examples.NewLight(examples.LightConfig{
		Name: svcConfig.Name,
		Type: svcConfig.Type,
	})
	if err != nil {
		log.Fatalf("Failed to create device: %v", err)
	}

	svc, err := service.New(light.Device(), svcConfig)
	if err != nil {
		log.Fatalf("Failed to create device service: %v", err)
	}

	// Register event handler
	svc.OnEvent(handleEvent)

	// Start service
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}
	log.Printf("Service started (state: %s)", svc.State())
	log.Printf("Device ID: %s", svc.DeviceID())
	log.Printf("Listening on: %s", svc.Addr())

	if config.Interactive {
		console := interactive.New(svc)
		go console.Run(ctx, cancel)
	}

	// Wait for shutdown signal or context cancellation
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
		// Cancelled by the interactive quit command.
	}

	log.Println("Shutting down...")

	if err := svc.Stop(); err != nil {
		log.Printf("Error stopping service: %v", err)
	}

	log.Println("Goodbye!")
}

func setupLogging() error {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	switch config.LogLevel {
	case "debug":
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	case "warn", "error":
		log.SetFlags(log.Ltime)
	}

	if config.LogFile != "" {
		f, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		logOutput = f
		log.SetOutput(f)
	}
	return nil
}

// serviceLogger builds the slog logger handed to the service. Debug
// level only, everything else stays on the CLI's plain log output.
func serviceLogger() *slog.Logger {
	if config.LogLevel != "debug" {
		return nil
	}
	return slog.New(slog.NewTextHandler(logOutput, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// buildServiceConfig merges the config file, if any, with the flags the
// user actually passed.
func buildServiceConfig() (service.DeviceConfig, error) {
	svcConfig := service.DefaultDeviceConfig()
	if config.ConfigFile != "" {
		loaded, err := service.LoadConfig(config.ConfigFile)
		if err != nil {
			return svcConfig, err
		}
		svcConfig = loaded
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["name"] || svcConfig.Name == "" {
		svcConfig.Name = config.Name
	}
	if set["urn"] || svcConfig.Type == "" {
		svcConfig.Type = config.TypeURN
	}
	if set["port"] {
		svcConfig.Port = config.Port
	}
	if set["cert-dir"] {
		svcConfig.CertificateDir = config.CertDir
	}
	if set["cert-name"] {
		svcConfig.CertificateName = config.CertName
	}
	if set["state-file"] {
		svcConfig.StateFile = config.StateFile
	}
	if set["mode"] {
		svcConfig.Mode = config.Mode
	}
	if set["mdns"] {
		svcConfig.EnableMDNS = config.MDNS
	}
	svcConfig.Logger = serviceLogger()
	return svcConfig, svcConfig.Validate()
}

func generateCertificate() error {
	certificate, err := cert.Generate(config.Segments, config.SegmentLength)
	if err != nil {
		return err
	}
	store := cert.NewFileStore(config.CertDir)
	if err := store.Save(config.CertName, certificate); err != nil {
		return err
	}
	fmt.Printf("Certificate written to %s/%s.pem\n", config.CertDir, config.CertName)
	fmt.Printf("Segments: %d x %d bytes\n", certificate.SegmentCount(), certificate.SegmentLength())
	fmt.Printf("Fingerprint: %s\n", certificate.Fingerprint())
	return nil
}

func handleEvent(event service.Event) {
	switch event.Type {
	case service.EventDiscoveryRequest:
		log.Printf("[EVENT] Search answered: %s (from %s)", event.Target, event.RemoteAddr)
	case service.EventSessionEstablished:
		log.Printf("[EVENT] Session established: %s (host: %s)", event.SessionID, event.PeerID)
	case service.EventActionInvoked:
		log.Printf("[EVENT] Action invoked: %s (status: %s)", event.Action, event.Status)
	case service.EventSubscribed:
		log.Printf("[EVENT] Subscription created: %s (variables: %v)", event.SubscriptionID, event.Variables)
	case service.EventSubscriptionExpired:
		log.Printf("[EVENT] Subscription expired: %s (%s)", event.SubscriptionID, event.Reason)
	}
}
