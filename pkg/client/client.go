package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotscp/iotscp-go/pkg/cert"
	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/model"
	"github.com/iotscp/iotscp-go/pkg/session"
	"github.com/iotscp/iotscp-go/pkg/transport"
	"github.com/iotscp/iotscp-go/pkg/version"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Client errors.
var (
	ErrNotConnected        = errors.New("client is not connected")
	ErrNoSession           = errors.New("no established session")
	ErrCorrelationMismatch = errors.New("response does not correlate with request")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
)

// DefaultTimeout bounds one control exchange.
const DefaultTimeout = 10 * time.Second

const contentTypeCBOR = "application/cbor"

// Config configures a host-side client.
type Config struct {
	// Certificate is the shared certificate sessions derive from.
	// Required.
	Certificate *cert.Certificate

	// HostID identifies this host in hello exchanges. Required.
	HostID string

	// Resolver produces exchange offsets. Defaults to the transmitted
	// strategy (random offsets).
	Resolver session.OffsetResolver

	// Modes is the cipher mode preference order offered during hello.
	// Defaults to sealed then token.
	Modes []wire.CipherMode

	// Timeout bounds one HTTP exchange (default: DefaultTimeout).
	Timeout time.Duration

	// HTTPClient overrides the HTTP client (optional). When set, its
	// timeout wins.
	HTTPClient *http.Client

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives capture events (optional).
	ProtocolLogger log.Logger
}

// Client talks to one device. Connect, then Hello, then the control
// and event operations. Safe for concurrent use.
type Client struct {
	config Config
	http   *http.Client

	requestID atomic.Uint32

	mu          sync.RWMutex
	base        *url.URL
	helloURL    string
	controlURL  string
	eventURL    string
	deviceID    string
	description *transport.Description
	sess        *session.Session
}

// New creates a client for one device.
func New(config Config) (*Client, error) {
	if config.Certificate == nil {
		return nil, fmt.Errorf("certificate is required")
	}
	if config.HostID == "" {
		return nil, fmt.Errorf("host ID is required")
	}
	if config.Resolver == nil {
		config.Resolver = session.NewTransmittedResolver()
	}
	if len(config.Modes) == 0 {
		config.Modes = []wire.CipherMode{wire.ModeSealed, wire.ModeToken}
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{config: config, http: httpClient}, nil
}

// Connect fetches the device's description document and prepares the
// request URLs. base names the device's HTTP root, with or without a
// scheme ("http://10.0.0.9:8410" or "10.0.0.9:8410"); a path
// component, when present, names the description document itself.
func (c *Client) Connect(ctx context.Context, base string) (*transport.Description, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing device address: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("device address %q has no host", base)
	}
	descURL := *parsed
	if descURL.Path == "" || descURL.Path == "/" {
		descURL.Path = model.DefaultDescriptionPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, descURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building description request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching description: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("description request failed with status %d", resp.StatusCode)
	}

	var desc transport.Description
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("decoding description: %w", err)
	}
	if desc.Paths.Hello == "" || desc.Paths.Control == "" || desc.Paths.Event == "" {
		return nil, fmt.Errorf("description from %s names no request paths", parsed.Host)
	}
	// A zero version means the device predates the protocolVersion
	// field; assume compatible.
	if !version.Supported(desc.ProtocolVersion) {
		return nil, fmt.Errorf("%w: device speaks %d, this library speaks %d",
			ErrIncompatibleVersion, desc.ProtocolVersion, version.Protocol)
	}

	root := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	c.mu.Lock()
	c.base = root
	c.helloURL = root.JoinPath(desc.Paths.Hello).String()
	c.controlURL = root.JoinPath(desc.Paths.Control).String()
	c.eventURL = root.JoinPath(desc.Paths.Event).String()
	c.deviceID = desc.DeviceID
	c.description = &desc
	c.mu.Unlock()

	c.debugLog("connected to device", "device", desc.DeviceID, "addr", parsed.Host)
	return &desc, nil
}

// Description returns the device description fetched by Connect, or
// nil before then.
func (c *Client) Description() *transport.Description {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.description
}

// DeviceID returns the connected device's identifier, or "" before
// Connect.
func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// SessionID returns the established session's identifier, or "" before
// Hello.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.ID()
}

// Session returns the established session, or nil before Hello.
// Register it with a NotifyReceiver to accept this device's pushes.
func (c *Client) Session() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// Hello establishes a session with the device. The offset comes from
// the resolver, the nonce is fresh, and the device picks the cipher
// mode from the offered list. A previous session is replaced.
func (c *Client) Hello(ctx context.Context) error {
	c.mu.RLock()
	helloURL := c.helloURL
	c.mu.RUnlock()
	if helloURL == "" {
		return ErrNotConnected
	}

	offset, err := c.config.Resolver.Next()
	if err != nil {
		return fmt.Errorf("resolving exchange offset: %w", err)
	}
	nonce, err := session.NewNonce()
	if err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	data, err := wire.Encode(&wire.HelloRequest{
		HostID: c.config.HostID,
		Offset: offset,
		Nonce:  nonce,
		Modes:  c.config.Modes,
	})
	if err != nil {
		return fmt.Errorf("encoding hello: %w", err)
	}

	c.captureMessage(log.DirectionOut, "", &log.MessageEvent{Type: wire.TypeHello, Size: len(data)})
	status, body, err := c.post(ctx, helloURL, data)
	if err != nil {
		return fmt.Errorf("hello exchange: %w", err)
	}
	if status != http.StatusOK {
		if fault := decodePlainFault(body); fault != nil {
			return fmt.Errorf("hello rejected: %w", fault)
		}
		return fmt.Errorf("hello failed with status %d", status)
	}

	decoded, err := wire.Decode(body)
	if err != nil {
		return fmt.Errorf("decoding hello reply: %w", err)
	}
	resp, ok := decoded.Message.(*wire.HelloResponse)
	if !ok {
		return fmt.Errorf("unexpected %s message in hello reply", decoded.Type)
	}

	key, err := session.DeriveSessionKey(c.config.Certificate, offset, nonce)
	if err != nil {
		return fmt.Errorf("deriving session key: %w", err)
	}
	sess, err := session.NewSession(resp.SessionID, resp.DeviceID, resp.Mode, key)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	c.mu.Lock()
	c.sess = sess
	if resp.DeviceID != "" {
		c.deviceID = resp.DeviceID
	}
	c.mu.Unlock()

	c.captureMessage(log.DirectionIn, sess.ID(), &log.MessageEvent{Type: wire.TypeHelloReply, Size: len(body)})
	c.captureSessionEstablished(sess)
	c.debugLog("session established", "session", sess.ID(), "mode", resp.Mode.String())
	return nil
}

// Invoke calls an action on the device. A protocol fault comes back as
// the middle return with a nil error; an error means the exchange
// itself failed and nothing is known about the action's fate.
func (c *Client) Invoke(ctx context.Context, action string, args map[string]any) (map[string]any, *wire.Fault, error) {
	id := c.nextRequestID()
	req := &wire.ControlRequest{
		RequestID: id,
		Action:    action,
		Args:      wire.NewArguments(args),
	}

	c.mu.RLock()
	controlURL := c.controlURL
	c.mu.RUnlock()

	body, fault, err := c.roundTrip(ctx, controlURL, req, &log.MessageEvent{
		Type:      wire.TypeControl,
		RequestID: id,
		Action:    action,
	})
	if err != nil || fault != nil {
		return nil, fault, err
	}

	decoded, err := wire.Decode(body)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding control reply: %w", err)
	}
	resp, ok := decoded.Message.(*wire.ControlResponse)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected %s message in control reply", decoded.Type)
	}
	if resp.RequestID != id {
		return nil, nil, fmt.Errorf("%w: got request id %d, want %d", ErrCorrelationMismatch, resp.RequestID, id)
	}

	status := resp.Status
	c.captureMessage(log.DirectionIn, c.SessionID(), &log.MessageEvent{
		Type:      wire.TypeControlReply,
		RequestID: resp.RequestID,
		Status:    &status,
		Size:      len(body),
	})

	if fault := resp.Fault(); fault != nil {
		return nil, fault, nil
	}
	return resp.Results.Map(), nil, nil
}

// roundTrip seals a message, posts it, and returns the opened reply
// bytes. A transport-level rejection is decoded into a fault.
func (c *Client) roundTrip(ctx context.Context, targetURL string, msg wire.Message, capture *log.MessageEvent) ([]byte, *wire.Fault, error) {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if targetURL == "" {
		return nil, nil, ErrNotConnected
	}
	if sess == nil {
		return nil, nil, ErrNoSession
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding request: %w", err)
	}
	sealed, err := sess.Seal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("sealing request: %w", err)
	}

	capture.Size = len(sealed)
	c.captureMessage(log.DirectionOut, sess.ID(), capture)

	status, body, err := c.post(ctx, targetURL, sealed)
	if err != nil {
		return nil, nil, err
	}
	if status != http.StatusOK {
		if fault := decodePlainFault(body); fault != nil {
			return nil, fault, nil
		}
		return nil, nil, fmt.Errorf("request failed with status %d", status)
	}

	message, err := sess.Open(body)
	if err != nil {
		return nil, nil, fmt.Errorf("opening reply: %w", err)
	}
	return message, nil, nil
}

// post issues one CBOR POST and returns the status and body.
func (c *Client) post(ctx context.Context, targetURL string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeCBOR)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// nextRequestID returns a fresh nonzero request ID.
func (c *Client) nextRequestID() uint32 {
	for {
		if id := c.requestID.Add(1); id != 0 {
			return id
		}
	}
}

// decodePlainFault tries to read a plain fault body. Returns nil when
// the body is not one.
func decodePlainFault(body []byte) *wire.Fault {
	if len(body) == 0 {
		return nil
	}
	decoded, err := wire.Decode(body)
	if err != nil {
		return nil
	}
	resp, ok := decoded.Message.(*wire.ControlResponse)
	if !ok {
		return nil
	}
	return resp.Fault()
}

func (c *Client) captureMessage(direction log.Direction, sessionID string, msg *log.MessageEvent) {
	if c.config.ProtocolLogger == nil {
		return
	}
	c.mu.RLock()
	remote := ""
	if c.base != nil {
		remote = c.base.Host
	}
	deviceID := c.deviceID
	c.mu.RUnlock()

	c.config.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  sessionID,
		Direction:  direction,
		Layer:      log.LayerTransport,
		Category:   log.CategoryMessage,
		LocalRole:  log.RoleHost,
		RemoteAddr: remote,
		DeviceID:   deviceID,
		Message:    msg,
	})
}

func (c *Client) captureSessionEstablished(sess *session.Session) {
	if c.config.ProtocolLogger == nil {
		return
	}
	c.mu.RLock()
	remote := ""
	if c.base != nil {
		remote = c.base.Host
	}
	deviceID := c.deviceID
	c.mu.RUnlock()

	c.config.ProtocolLogger.Log(log.Event{
		Timestamp:  time.Now(),
		SessionID:  sess.ID(),
		Layer:      log.LayerSession,
		Category:   log.CategoryState,
		LocalRole:  log.RoleHost,
		RemoteAddr: remote,
		DeviceID:   deviceID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			NewState: "ESTABLISHED",
			Reason:   "hello accepted",
		},
	})
}

func (c *Client) debugLog(msg string, args ...any) {
	if c.config.Logger != nil {
		c.config.Logger.Debug(msg, args...)
	}
}
