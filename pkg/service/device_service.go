package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/discovery"
	"github.com/iotscp/iotscp-go/pkg/dispatch"
	"github.com/iotscp/iotscp-go/pkg/model"
	"github.com/iotscp/iotscp-go/pkg/persistence"
	"github.com/iotscp/iotscp-go/pkg/session"
	"github.com/iotscp/iotscp-go/pkg/transport"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// DeviceService orchestrates an IOTSCP device.
type DeviceService struct {
	mu sync.RWMutex

	config DeviceConfig
	device *model.Device
	state  ServiceState

	// Device identity (certificate fingerprint), set on start.
	deviceID    string
	certificate *cert.Certificate

	stateStore *persistence.StateStore

	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	sender     *transport.NotifySender
	server     *transport.Server
	responder  *discovery.Responder
	announcer  *discovery.Announcer

	eventHandlers []EventHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a device service. The device's change hook is wired to
// the subscription fan-out, so model.Device.SetVariable is all a device
// implementation calls to notify subscribed hosts.
func New(device *model.Device, config DeviceConfig) (*DeviceService, error) {
	if device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if config.Name == "" {
		config.Name = device.Name()
	}
	if config.Type == "" {
		config.Type = device.Type()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	svc := &DeviceService{
		config: config,
		device: device,
		state:  StateIdle,
	}
	if config.StateFile != "" {
		svc.stateStore = persistence.NewStateStore(config.StateFile)
	}
	device.OnChange(func(name string, value any) {
		svc.publish(name, value)
	})
	return svc, nil
}

// Device returns the underlying device model.
func (s *DeviceService) Device() *model.Device {
	return s.device
}

// State returns the current service state.
func (s *DeviceService) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// DeviceID returns the certificate fingerprint. Empty before the first
// start.
func (s *DeviceService) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// Certificate returns the device certificate. Nil before the first
// start.
func (s *DeviceService) Certificate() *cert.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certificate
}

// Addr returns the control server's bound address, or nil when not
// running.
func (s *DeviceService) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

// Sessions returns the session manager, or nil when not running.
func (s *DeviceService) Sessions() *session.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions
}

// Dispatcher returns the dispatcher, or nil when not running.
func (s *DeviceService) Dispatcher() *dispatch.Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatcher
}

// OnEvent registers an event handler.
func (s *DeviceService) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// Start brings the device up: certificate, sessions, dispatcher,
// control server and discovery. A stopped service can be started
// again.
func (s *DeviceService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = StateRunning
	addr := s.server.Addr().String()
	s.mu.Unlock()

	s.debugLog("service started", "addr", addr, "deviceID", s.DeviceID())
	s.emitEvent(Event{Type: EventStarted, Addr: addr})
	return nil
}

// start builds and starts every component. On error nothing keeps
// running.
func (s *DeviceService) start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	certificate, err := s.loadCertificate()
	if err != nil {
		s.cancel()
		return err
	}
	deviceID := certificate.Fingerprint()

	s.restoreState()

	sessions, err := session.NewManager(session.ManagerConfig{
		Certificate:   certificate,
		DeviceID:      deviceID,
		Resolver:      s.config.resolver(),
		Modes:         s.config.modes(),
		SessionTTL:    s.config.SessionTTL,
		SweepInterval: s.config.SweepInterval,
		OnEstablished: func(sess *session.Session) {
			s.emitEvent(Event{
				Type:      EventSessionEstablished,
				SessionID: sess.ID(),
				PeerID:    sess.PeerID(),
			})
		},
		Logger: s.config.Logger,
	})
	if err != nil {
		s.cancel()
		return err
	}

	sender, err := transport.NewNotifySender(transport.NotifySenderConfig{
		Sessions:       sessions,
		Logger:         s.config.Logger,
		ProtocolLogger: s.config.ProtocolLogger,
	})
	if err != nil {
		s.cancel()
		return err
	}

	dispatcher, err := dispatch.New(s.device, dispatch.Config{
		Notify: sender.Send,
		OnInvoked: func(req *wire.ControlRequest, resp *wire.ControlResponse) {
			s.emitEvent(Event{
				Type:   EventActionInvoked,
				Action: req.Action,
				Status: resp.Status,
			})
		},
		OnSubscribed: func(sub *dispatch.Subscription) {
			s.emitEvent(Event{
				Type:           EventSubscribed,
				SessionID:      sub.Host.SessionID,
				SubscriptionID: sub.ID,
				Variables:      sub.Variables,
			})
		},
		OnExpired: func(sub *dispatch.Subscription, reason string) {
			s.emitEvent(Event{
				Type:           EventSubscriptionExpired,
				SessionID:      sub.Host.SessionID,
				SubscriptionID: sub.ID,
				Variables:      sub.Variables,
				Reason:         reason,
			})
		},
		MaxSubscriptions: s.config.MaxSubscriptions,
		FailureThreshold: s.config.FailureThreshold,
		InvokeTimeout:    s.config.InvokeTimeout,
		SweepInterval:    s.config.SweepInterval,
		Logger:           s.config.Logger,
		ProtocolLogger:   s.config.ProtocolLogger,
	})
	if err != nil {
		s.cancel()
		return err
	}

	server, err := transport.NewServer(transport.ServerConfig{
		Device:         s.device,
		DeviceID:       deviceID,
		Sessions:       sessions,
		Dispatcher:     dispatcher,
		Address:        s.config.listenAddress(),
		Modes:          s.config.modes(),
		Logger:         s.config.Logger,
		ProtocolLogger: s.config.ProtocolLogger,
	})
	if err != nil {
		s.cancel()
		return err
	}

	sessions.Start(s.ctx)
	dispatcher.Start(s.ctx)
	if err := server.Start(s.ctx); err != nil {
		stopAll(nil, nil, nil, dispatcher, sessions)
		s.cancel()
		return err
	}
	port := boundPort(server.Addr())

	var responder *discovery.Responder
	if !s.config.DisableDiscovery {
		responder, err = discovery.NewResponder(discovery.ResponderConfig{
			DeviceID:         deviceID,
			Device:           s.device,
			ControlURL:       s.controlURL(server.Addr(), port),
			MulticastAddress: s.config.MulticastAddress,
			RejoinInterval:   s.config.RejoinInterval,
			OnSearch: func(target string, from net.Addr) {
				s.emitEvent(Event{
					Type:       EventDiscoveryRequest,
					Target:     target,
					RemoteAddr: from.String(),
				})
			},
			Logger:         s.config.Logger,
			ProtocolLogger: s.config.ProtocolLogger,
		})
		if err == nil {
			err = responder.Start()
		}
		if err != nil {
			stopAll(nil, nil, server, dispatcher, sessions)
			s.cancel()
			return err
		}
	}

	var announcer *discovery.Announcer
	if s.config.EnableMDNS {
		announcer, err = discovery.NewAnnouncer(discovery.AnnouncerConfig{
			InstanceName: s.config.Name,
			DeviceID:     deviceID,
			DeviceType:   s.config.Type,
			Port:         port,
			Path:         s.device.DescriptionPath(),
		})
		if err == nil {
			err = announcer.Start()
		}
		if err != nil {
			stopAll(nil, responder, server, dispatcher, sessions)
			s.cancel()
			return err
		}
	}

	s.mu.Lock()
	s.certificate = certificate
	s.deviceID = deviceID
	s.sessions = sessions
	s.dispatcher = dispatcher
	s.sender = sender
	s.server = server
	s.responder = responder
	s.announcer = announcer
	s.mu.Unlock()
	return nil
}

// Stop shuts the device down: discovery first so no new hosts arrive,
// then the control server, the dispatcher and the session sweep.
func (s *DeviceService) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopping
	announcer := s.announcer
	responder := s.responder
	server := s.server
	dispatcher := s.dispatcher
	sessions := s.sessions
	s.mu.Unlock()

	err := stopAll(announcer, responder, server, dispatcher, sessions)
	if s.cancel != nil {
		s.cancel()
	}

	if saveErr := s.saveState(); saveErr != nil && err == nil {
		err = saveErr
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.debugLog("service stopped")
	s.emitEvent(Event{Type: EventStopped})
	return err
}

// stopAll stops whatever subset of the stack exists, in shutdown
// order. Nil components are skipped; the first error wins.
func stopAll(announcer *discovery.Announcer, responder *discovery.Responder, server *transport.Server, dispatcher *dispatch.Dispatcher, sessions *session.Manager) error {
	var firstErr error
	if announcer != nil {
		announcer.Stop()
	}
	if responder != nil {
		if err := responder.Stop(); err != nil {
			firstErr = err
		}
	}
	if server != nil {
		if err := server.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}
	if sessions != nil {
		sessions.Stop()
	}
	return firstErr
}

// loadCertificate returns the configured certificate, loading it from
// the store or generating and saving a fresh one on first run.
func (s *DeviceService) loadCertificate() (*cert.Certificate, error) {
	if s.config.Certificate != nil {
		return s.config.Certificate, nil
	}

	store := cert.NewFileStore(s.config.CertificateDir)
	certificate, err := store.Load(s.config.CertificateName)
	if err == nil {
		return certificate, nil
	}
	if !errors.Is(err, cert.ErrCertNotFound) {
		return nil, err
	}

	certificate, err = cert.Generate(cert.DefaultSegmentCount, cert.DefaultSegmentLength)
	if err != nil {
		return nil, err
	}
	if err := store.Save(s.config.CertificateName, certificate); err != nil {
		return nil, err
	}
	s.debugLog("generated device certificate",
		"name", s.config.CertificateName,
		"fingerprint", certificate.Fingerprint())
	return certificate, nil
}

// restoreState applies the saved variable snapshot, if any. A missing,
// unreadable or stale state file never blocks startup: unknown
// variables and values of the wrong type are skipped, and the file is
// rewritten from live values on the next stop.
func (s *DeviceService) restoreState() {
	if s.stateStore == nil {
		return
	}
	state, err := s.stateStore.Load()
	if err != nil {
		s.debugLog("ignoring unreadable state file",
			"file", s.stateStore.Path(), "error", err)
		return
	}
	if state == nil {
		return
	}
	if state.DeviceType != "" && state.DeviceType != s.device.Type() {
		s.debugLog("ignoring state file for different device type",
			"file", s.stateStore.Path(), "type", state.DeviceType)
		return
	}
	for name, value := range state.Variables {
		if err := s.device.SetVariable(name, value); err != nil {
			s.debugLog("skipping saved variable", "name", name, "error", err)
		}
	}
	s.debugLog("restored device state",
		"file", s.stateStore.Path(), "variables", len(state.Variables))
}

// saveState writes the current variable values to the state file.
func (s *DeviceService) saveState() error {
	if s.stateStore == nil {
		return nil
	}
	variables, err := s.device.Snapshot(nil)
	if err != nil {
		return err
	}
	return s.stateStore.Save(&persistence.DeviceState{
		DeviceType: s.device.Type(),
		Variables:  variables,
	})
}

// controlURL builds the absolute description URL advertised in search
// replies.
func (s *DeviceService) controlURL(bound net.Addr, port int) string {
	host := s.config.AdvertiseHost
	if host == "" {
		host = advertiseHost(bound)
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + s.device.DescriptionPath()
}

// advertiseHost picks the address other hosts can reach us on: the
// bound address when concrete, else the first usable unicast IPv4.
func advertiseHost(bound net.Addr) string {
	if host, _, err := net.SplitHostPort(bound.String()); err == nil {
		if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
			return host
		}
	}

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

// boundPort extracts the port from a listener address.
func boundPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// publish fans a variable change out to subscribers. Changes before
// the first start have nobody to go to; a stopped dispatcher ignores
// them.
func (s *DeviceService) publish(name string, value any) {
	s.mu.RLock()
	dispatcher := s.dispatcher
	s.mu.RUnlock()

	if dispatcher == nil {
		return
	}
	dispatcher.Publish(name, value)
}

// emitEvent sends an event to all registered handlers.
func (s *DeviceService) emitEvent(event Event) {
	s.mu.RLock()
	handlers := make([]EventHandler, len(s.eventHandlers))
	copy(handlers, s.eventHandlers)
	s.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// debugLog logs a debug message if logging is enabled.
func (s *DeviceService) debugLog(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}
