package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/iotscp/iotscp-go/pkg/dispatch"
	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/session"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// DefaultNotifyTimeout bounds one notification push.
const DefaultNotifyTimeout = 5 * time.Second

// NotifySenderConfig configures a notification sender.
type NotifySenderConfig struct {
	// Sessions supplies the key material notifications are sealed
	// with. Required.
	Sessions *session.Manager

	// Timeout bounds one push (default: DefaultNotifyTimeout).
	Timeout time.Duration

	// Client overrides the HTTP client (optional). When set, its
	// timeout wins.
	Client *http.Client

	// Logger for debug output (optional).
	Logger *slog.Logger

	// ProtocolLogger receives capture events for failed pushes
	// (optional).
	ProtocolLogger log.Logger
}

// NotifySender pushes sealed notifications to subscribed hosts. Its
// Send method is the dispatcher's NotifyFunc.
type NotifySender struct {
	config NotifySenderConfig
	client *http.Client
}

var _ dispatch.NotifyFunc = (*NotifySender)(nil).Send

// NewNotifySender creates a notification sender.
func NewNotifySender(config NotifySenderConfig) (*NotifySender, error) {
	if config.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultNotifyTimeout
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &NotifySender{config: config, client: client}, nil
}

// Send seals one notification under the subscriber's session key and
// posts it to the registered event URL. Any failure, including a
// vanished session, counts against the subscription's failure budget.
func (s *NotifySender) Send(ctx context.Context, sub *dispatch.Subscription, note *wire.EventNotification) error {
	sess, err := s.config.Sessions.Get(sub.Host.SessionID)
	if err != nil {
		return fmt.Errorf("session %s for subscription %s: %w", sub.Host.SessionID, sub.ID, err)
	}

	data, err := wire.Encode(note)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	sealed, err := sess.Seal(data)
	if err != nil {
		return fmt.Errorf("sealing notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Host.EventURL, bytes.NewReader(sealed))
	if err != nil {
		return fmt.Errorf("building notify request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeCBOR)

	resp, err := s.client.Do(req)
	if err != nil {
		s.capturePushFailure(sub, err.Error())
		return fmt.Errorf("pushing notification to %s: %w", sub.Host.EventURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("notify rejected with status %d", resp.StatusCode)
		s.capturePushFailure(sub, err.Error())
		return err
	}

	s.debugLog("notification delivered", "subscription", sub.ID, "seq", note.Sequence)
	return nil
}

// capturePushFailure records a push that produced no delivery.
func (s *NotifySender) capturePushFailure(sub *dispatch.Subscription, message string) {
	if s.config.ProtocolLogger == nil {
		return
	}
	s.config.ProtocolLogger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: sub.Host.SessionID,
		Layer:     log.LayerTransport,
		Category:  log.CategoryError,
		LocalRole: log.RoleDevice,
		Error: &log.ErrorEventData{
			Layer:   log.LayerTransport,
			Message: message,
			Context: "notify push to " + sub.Host.EventURL,
		},
	})
}

func (s *NotifySender) debugLog(msg string, args ...any) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(msg, args...)
	}
}
