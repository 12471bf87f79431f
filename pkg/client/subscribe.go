package client

import (
	"context"
	"fmt"
	"time"

	"github.com/iotscp/iotscp-go/pkg/log"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Subscription is the host-side record of one subscription: the
// identifier the device minted and the lifetime it granted.
type Subscription struct {
	ID  string
	TTL time.Duration
}

// Subscribe registers for change notifications on the named variables.
// eventURL is where this host accepts pushes; ttl is the requested
// lifetime, which the device may clamp (the granted value is in the
// returned Subscription). A zero ttl asks for the device's default.
func (c *Client) Subscribe(ctx context.Context, variables []string, ttl time.Duration, eventURL string) (*Subscription, *wire.Fault, error) {
	id := c.nextRequestID()
	resp, fault, err := c.eventOp(ctx, &wire.EventRequest{
		RequestID:  id,
		Op:         wire.OpSubscribe,
		Variables:  variables,
		TTLSeconds: uint32(ttl / time.Second),
		EventURL:   eventURL,
	})
	if err != nil || fault != nil {
		return nil, fault, err
	}
	return &Subscription{
		ID:  resp.SubscriptionID,
		TTL: time.Duration(resp.TTLSeconds) * time.Second,
	}, nil, nil
}

// Renew extends a subscription and returns the granted lifetime.
func (c *Client) Renew(ctx context.Context, subscriptionID string, ttl time.Duration) (time.Duration, *wire.Fault, error) {
	id := c.nextRequestID()
	resp, fault, err := c.eventOp(ctx, &wire.EventRequest{
		RequestID:      id,
		Op:             wire.OpRenew,
		SubscriptionID: subscriptionID,
		TTLSeconds:     uint32(ttl / time.Second),
	})
	if err != nil || fault != nil {
		return 0, fault, err
	}
	return time.Duration(resp.TTLSeconds) * time.Second, nil, nil
}

// Unsubscribe ends a subscription immediately.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) (*wire.Fault, error) {
	id := c.nextRequestID()
	_, fault, err := c.eventOp(ctx, &wire.EventRequest{
		RequestID:      id,
		Op:             wire.OpUnsubscribe,
		SubscriptionID: subscriptionID,
	})
	return fault, err
}

// eventOp performs one subscription-management exchange.
func (c *Client) eventOp(ctx context.Context, req *wire.EventRequest) (*wire.EventResponse, *wire.Fault, error) {
	c.mu.RLock()
	eventURL := c.eventURL
	c.mu.RUnlock()

	op := req.Op
	body, fault, err := c.roundTrip(ctx, eventURL, req, &log.MessageEvent{
		Type:           wire.TypeEvent,
		RequestID:      req.RequestID,
		Op:             &op,
		SubscriptionID: req.SubscriptionID,
	})
	if err != nil || fault != nil {
		return nil, fault, err
	}

	decoded, err := wire.Decode(body)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding event reply: %w", err)
	}
	resp, ok := decoded.Message.(*wire.EventResponse)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected %s message in event reply", decoded.Type)
	}
	if resp.RequestID != req.RequestID {
		return nil, nil, fmt.Errorf("%w: got request id %d, want %d",
			ErrCorrelationMismatch, resp.RequestID, req.RequestID)
	}

	status := resp.Status
	c.captureMessage(log.DirectionIn, c.SessionID(), &log.MessageEvent{
		Type:           wire.TypeEventReply,
		RequestID:      resp.RequestID,
		Status:         &status,
		SubscriptionID: resp.SubscriptionID,
		Size:           len(body),
	})

	if fault := resp.Fault(); fault != nil {
		return nil, fault, nil
	}
	return resp, nil, nil
}
