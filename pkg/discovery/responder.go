package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/model"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Retry pacing after socket read errors.
const (
	readBackoffMin = 100 * time.Millisecond
	readBackoffMax = 5 * time.Second
)

// ResponderConfig configures a search responder.
type ResponderConfig struct {
	// DeviceID is the certificate fingerprint advertised in replies.
	DeviceID string

	// Device supplies the type URN and capability set.
	Device *model.Device

	// ControlURL is the absolute URL answering hosts should contact.
	ControlURL string

	// MulticastAddress is the search group ("ip:port").
	// Default: DefaultMulticastAddress.
	MulticastAddress string

	// RejoinInterval is how often group membership is refreshed.
	// Default: DefaultRejoinInterval.
	RejoinInterval time.Duration

	// ConnFactory opens the multicast socket.
	// If nil, a UDP socket is bound on the group port.
	ConnFactory ConnFactory

	// Interfaces lists candidate interfaces for group membership.
	// If nil, the system's up multicast interfaces are used.
	Interfaces InterfaceProvider

	// OnSearch observes every answered search. Called outside responder
	// locks (optional).
	OnSearch func(target string, from net.Addr)

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives capture events (optional).
	ProtocolLogger log.Logger
}

// Responder listens on the search group and answers matching searches
// with a unicast SearchResponse. Input that does not decode to a valid
// search request is dropped without a reply.
type Responder struct {
	config ResponderConfig
	group  *net.UDPAddr

	mu     sync.Mutex
	state  State
	conn   PacketConn
	joined []net.Interface
	stopCh chan struct{}
	wg     sync.WaitGroup

	dropped  atomic.Uint64
	answered atomic.Uint64
}

// NewResponder creates a responder for the given device.
func NewResponder(config ResponderConfig) (*Responder, error) {
	if config.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	if config.Device == nil {
		return nil, ErrMissingDevice
	}
	if config.ControlURL == "" {
		return nil, ErrMissingURL
	}
	if config.MulticastAddress == "" {
		config.MulticastAddress = DefaultMulticastAddress
	}
	if config.RejoinInterval <= 0 {
		config.RejoinInterval = DefaultRejoinInterval
	}
	if config.ConnFactory == nil {
		config.ConnFactory = defaultConnFactory
	}
	if config.Interfaces == nil {
		config.Interfaces = multicastInterfaces
	}

	group, err := net.ResolveUDPAddr("udp4", config.MulticastAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid multicast address %q: %w", config.MulticastAddress, err)
	}

	return &Responder{
		config: config,
		group:  group,
		state:  StateIdle,
	}, nil
}

// Start opens the socket, joins the group and begins answering
// searches. At least one interface must join successfully.
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateStopped:
		return ErrStopped
	case StateListening, StateResponding:
		return ErrAlreadyStarted
	}

	conn, err := r.config.ConnFactory(r.group)
	if err != nil {
		return fmt.Errorf("failed to open search socket: %w", err)
	}

	joined := r.joinAll(conn)
	if len(joined) == 0 {
		conn.Close()
		return ErrNoInterfaces
	}

	r.conn = conn
	r.joined = joined
	r.stopCh = make(chan struct{})
	r.setStateLocked(StateListening, "started")

	r.wg.Add(2)
	go r.readLoop()
	go r.rejoinLoop()

	return nil
}

// Stop shuts the responder down. Terminal: a stopped responder cannot
// be restarted.
func (r *Responder) Stop() error {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	started := r.conn != nil
	r.setStateLocked(StateStopped, "stopped")
	if started {
		close(r.stopCh)
		// Closing the socket unblocks the read loop.
		r.conn.Close()
	}
	r.mu.Unlock()

	if started {
		r.wg.Wait()
	}
	return nil
}

// State returns the responder's current state.
func (r *Responder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Dropped returns how many datagrams were discarded without a reply.
func (r *Responder) Dropped() uint64 {
	return r.dropped.Load()
}

// Answered returns how many searches were answered.
func (r *Responder) Answered() uint64 {
	return r.answered.Load()
}

// readLoop receives datagrams until the responder stops. Read errors
// trigger a membership refresh and a paced retry rather than death:
// they usually mean an interface went away.
func (r *Responder) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	backoff := readBackoffMin
	for {
		n, _, src, err := r.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
			}
			r.debugLog("search socket read error", "err", err)
			r.rejoin("read error")
			select {
			case <-r.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > readBackoffMax {
				backoff = readBackoffMax
			}
			continue
		}
		backoff = readBackoffMin

		if n == 0 || src == nil {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		r.handleDatagram(data, src)
	}
}

// rejoinLoop refreshes group membership on a timer so the responder
// stays subscribed across switch IGMP table resets.
func (r *Responder) rejoinLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.RejoinInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.rejoin("periodic refresh")
		}
	}
}

// handleDatagram answers one search datagram. Anything that is not a
// valid search request is dropped silently; non-matching requests get
// no reply either, but they are not counted as drops.
func (r *Responder) handleDatagram(data []byte, src net.Addr) {
	decoded, err := wire.Decode(data)
	if err != nil {
		r.drop(src, len(data), "not a valid envelope")
		return
	}
	req, ok := decoded.Message.(*wire.SearchRequest)
	if !ok {
		r.drop(src, len(data), "unexpected "+decoded.Type.String()+" on search group")
		return
	}

	r.capture(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionIn,
		Layer:      log.LayerDiscovery,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleDevice,
		RemoteAddr: src.String(),
		DeviceID:   r.config.DeviceID,
		Message: &log.MessageEvent{
			Type: wire.TypeSearch,
			Size: len(data),
		},
	})

	device := r.config.Device
	if !req.Matches(device.Type()) {
		r.debugLog("search target does not match", "target", req.Target, "source", src.String())
		return
	}
	caps := device.Capabilities()
	if !req.Filter.Matches(caps) {
		r.debugLog("search filter does not match",
			"filter", FormatFilter(req.Filter), "source", src.String())
		return
	}

	r.setState(StateResponding, "")
	defer r.setState(StateListening, "")

	resp := &wire.SearchResponse{
		DeviceID:     r.config.DeviceID,
		DeviceType:   device.Type(),
		ControlURL:   r.config.ControlURL,
		Capabilities: caps,
	}
	out, err := wire.Encode(resp)
	if err != nil {
		r.debugLog("failed to encode search response", "err", err)
		return
	}
	if _, err := r.conn.WriteTo(out, nil, src); err != nil {
		r.debugLog("failed to send search response", "source", src.String(), "err", err)
		return
	}
	r.answered.Add(1)
	if r.config.OnSearch != nil {
		r.config.OnSearch(req.Target, src)
	}

	r.capture(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionOut,
		Layer:      log.LayerDiscovery,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleDevice,
		RemoteAddr: src.String(),
		DeviceID:   r.config.DeviceID,
		Message: &log.MessageEvent{
			Type: wire.TypeSearchReply,
			Size: len(out),
		},
	})
}

// drop records a silently discarded datagram.
func (r *Responder) drop(src net.Addr, size int, reason string) {
	r.dropped.Add(1)
	r.debugLog("dropped search datagram", "source", src.String(), "size", size, "reason", reason)
	r.capture(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionIn,
		Layer:      log.LayerDiscovery,
		Category:   log.CategoryDrop,
		LocalRole:  log.RoleDevice,
		RemoteAddr: src.String(),
		DeviceID:   r.config.DeviceID,
		Drop: &log.DropEvent{
			Reason: reason,
			Size:   size,
		},
	})
}

// joinAll joins the search group on every candidate interface.
// Individual join failures are logged and skipped.
func (r *Responder) joinAll(conn PacketConn) []net.Interface {
	ifaces, err := r.config.Interfaces()
	if err != nil {
		r.debugLog("failed to list interfaces", "err", err)
		return nil
	}

	groupAddr := &net.UDPAddr{IP: r.group.IP}
	joined := make([]net.Interface, 0, len(ifaces))
	for i := range ifaces {
		ifi := ifaces[i]
		if err := conn.JoinGroup(&ifi, groupAddr); err != nil {
			r.debugLog("failed to join group", "interface", ifi.Name, "err", err)
			continue
		}
		joined = append(joined, ifi)
	}
	return joined
}

// rejoin refreshes group membership on the open socket: leave what was
// joined, join the current candidate set.
func (r *Responder) rejoin(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateStopped || r.conn == nil {
		return
	}

	groupAddr := &net.UDPAddr{IP: r.group.IP}
	for i := range r.joined {
		_ = r.conn.LeaveGroup(&r.joined[i], groupAddr)
	}
	r.joined = r.joinAll(r.conn)
	r.debugLog("refreshed group membership", "reason", reason, "interfaces", len(r.joined))
}

func (r *Responder) setState(next State, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStateLocked(next, reason)
}

// setStateLocked transitions the state machine. Stopped is terminal.
func (r *Responder) setStateLocked(next State, reason string) {
	if r.state == next || (r.state == StateStopped && next != StateStopped) {
		return
	}
	old := r.state
	r.state = next
	r.debugLog("responder state", "old", old.String(), "new", next.String())
	r.capture(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerDiscovery,
		Category:  log.CategoryState,
		LocalRole: log.RoleDevice,
		DeviceID:  r.config.DeviceID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityDiscovery,
			OldState: old.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}

func (r *Responder) capture(event log.Event) {
	if r.config.ProtocolLogger != nil {
		r.config.ProtocolLogger.Log(event)
	}
}

func (r *Responder) debugLog(msg string, args ...any) {
	if r.config.Logger != nil {
		r.config.Logger.Debug(msg, args...)
	}
}
