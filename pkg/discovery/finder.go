package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// FinderConfig configures host-side searches.
type FinderConfig struct {
	// MulticastAddress is the search group ("ip:port").
	// Default: DefaultMulticastAddress.
	MulticastAddress string

	// Timeout is how long responses are collected when the context
	// carries no earlier deadline. Default: DefaultSearchTimeout.
	Timeout time.Duration

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives capture events (optional).
	ProtocolLogger log.Logger
}

// Finder multicasts search requests and collects the unicast responses.
type Finder struct {
	config FinderConfig
	group  *net.UDPAddr
}

// NewFinder creates a Finder.
func NewFinder(config FinderConfig) (*Finder, error) {
	if config.MulticastAddress == "" {
		config.MulticastAddress = DefaultMulticastAddress
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultSearchTimeout
	}

	group, err := net.ResolveUDPAddr("udp4", config.MulticastAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid multicast address %q: %w", config.MulticastAddress, err)
	}

	return &Finder{config: config, group: group}, nil
}

// Search multicasts a search for target and returns every distinct
// device that answered before the deadline. Responses are deduplicated
// by device ID; responses that do not decode are skipped.
func (f *Finder) Search(ctx context.Context, target string, filter *wire.Filter) ([]*Service, error) {
	return f.search(ctx, &wire.SearchRequest{Target: target, Filter: filter}, nil)
}

// FindByID searches for one specific device and returns as soon as it
// answers, or ErrNotFound when the deadline passes without an answer.
func (f *Finder) FindByID(ctx context.Context, deviceID string) (*Service, error) {
	found, err := f.search(ctx, &wire.SearchRequest{Target: wire.SearchTargetAll}, func(svc *Service) bool {
		return svc.DeviceID == deviceID
	})
	if err != nil {
		return nil, err
	}
	for _, svc := range found {
		if svc.DeviceID == deviceID {
			return svc, nil
		}
	}
	return nil, ErrNotFound
}

// search runs one search round. A non-nil stopOn ends collection early
// when a matching response arrives. Deadline expiry is the normal end
// of a search, not an error.
func (f *Finder) search(ctx context.Context, req *wire.SearchRequest, stopOn func(*Service) bool) ([]*Service, error) {
	data, err := wire.Encode(req)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open search socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(f.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	// Cancellation unblocks the read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteToUDP(data, f.group); err != nil {
		return nil, fmt.Errorf("failed to send search request: %w", err)
	}

	f.capture(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionOut,
		Layer:      log.LayerDiscovery,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleHost,
		RemoteAddr: f.group.String(),
		Message: &log.MessageEvent{
			Type: wire.TypeSearch,
			Size: len(data),
		},
	})

	var found []*Service
	seen := make(map[string]bool)
	buf := make([]byte, MaxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline or cancellation: the search is over.
			return found, nil
		}

		svc := f.parseResponse(buf[:n], src)
		if svc == nil || seen[svc.DeviceID] {
			continue
		}
		seen[svc.DeviceID] = true
		found = append(found, svc)

		if stopOn != nil && stopOn(svc) {
			return found, nil
		}
	}
}

// parseResponse decodes one unicast reply. Anything that is not a
// valid search response is skipped.
func (f *Finder) parseResponse(data []byte, src net.Addr) *Service {
	decoded, err := wire.Decode(data)
	if err != nil {
		f.debugLog("skipping malformed search response", "source", src.String(), "err", err)
		return nil
	}
	resp, ok := decoded.Message.(*wire.SearchResponse)
	if !ok {
		f.debugLog("skipping unexpected reply", "type", decoded.Type.String(), "source", src.String())
		return nil
	}

	f.capture(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionIn,
		Layer:      log.LayerDiscovery,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleHost,
		RemoteAddr: src.String(),
		DeviceID:   resp.DeviceID,
		Message: &log.MessageEvent{
			Type: wire.TypeSearchReply,
			Size: len(data),
		},
	})

	return &Service{
		DeviceID:     resp.DeviceID,
		DeviceType:   resp.DeviceType,
		ControlURL:   resp.ControlURL,
		Capabilities: resp.Capabilities,
		Addr:         src,
	}
}

func (f *Finder) capture(event log.Event) {
	if f.config.ProtocolLogger != nil {
		f.config.ProtocolLogger.Log(event)
	}
}

func (f *Finder) debugLog(msg string, args ...any) {
	if f.config.Logger != nil {
		f.config.Logger.Debug(msg, args...)
	}
}
