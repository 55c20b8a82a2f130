package register

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridianlabs/traverse/pkg/types"
)

// DefaultKeepAliveInterval is how often a registered target refreshes
// its registration.
const DefaultKeepAliveInterval = 30 * time.Second

// Client is a registry channel to the mediator. A target uses it to
// register and stay registered; a source may use it to check that a
// target is online before paying for a full rendezvous.
type Client struct {
	conn   *websocket.Conn
	peerID string
	log    *zap.Logger

	// One request in flight at a time; keep-alives share the write lock.
	mu sync.Mutex

	keepAliveStop chan struct{}
	keepAliveOnce sync.Once
}

// Dial connects the registry channel to the mediator's websocket
// endpoint (e.g. "ws://mediator:8080/registry").
func Dial(ctx context.Context, url, peerID string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial registry %s: %w", url, err)
	}
	log.Debug("registry channel connected", zap.String("url", url), zap.String("peer_id", peerID))
	return &Client{
		conn:          conn,
		peerID:        peerID,
		log:           log,
		keepAliveStop: make(chan struct{}),
	}, nil
}

// Register announces targetID at the mediator, optionally with the
// target's private endpoint.
func (c *Client) Register(targetID string, endpoint *types.Endpoint) error {
	msg := NewMessage(MessageTypeRegister).
		WithPeerID(c.peerID).
		WithRequestID(uuid.NewString()).
		WithPayload(RegisterPayload{TargetID: targetID, Endpoint: endpoint})

	reply, err := c.roundTrip(msg)
	if err != nil {
		return fmt.Errorf("register %s: %w", targetID, err)
	}
	if reply.Type != MessageTypeAck {
		return fmt.Errorf("register %s: %s", targetID, describeFailure(reply))
	}
	c.log.Debug("target registered", zap.String("target", targetID))
	return nil
}

// Deregister withdraws targetID from the mediator.
func (c *Client) Deregister(targetID string) error {
	msg := NewMessage(MessageTypeDeregister).
		WithPeerID(c.peerID).
		WithRequestID(uuid.NewString()).
		WithPayload(RegisterPayload{TargetID: targetID})

	reply, err := c.roundTrip(msg)
	if err != nil {
		return fmt.Errorf("deregister %s: %w", targetID, err)
	}
	if reply.Type != MessageTypeAck {
		return fmt.Errorf("deregister %s: %s", targetID, describeFailure(reply))
	}
	return nil
}

// Lookup reports whether targetID is currently registered.
func (c *Client) Lookup(targetID string) (bool, error) {
	msg := NewMessage(MessageTypeLookup).
		WithPeerID(c.peerID).
		WithRequestID(uuid.NewString()).
		WithPayload(LookupPayload{TargetID: targetID})

	reply, err := c.roundTrip(msg)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", targetID, err)
	}
	if reply.Type != MessageTypeLookupResult {
		return false, fmt.Errorf("lookup %s: %s", targetID, describeFailure(reply))
	}

	var result LookupResultPayload
	if err := reply.ParsePayload(&result); err != nil {
		return false, fmt.Errorf("lookup %s: %w", targetID, err)
	}
	return result.Registered, nil
}

// StartKeepAlive refreshes the registration every interval until the
// client is closed. Keep-alives are fire-and-forget; a write failure
// stops the loop (the mediator will expire the registration).
func (c *Client) StartKeepAlive(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.keepAliveStop:
				return
			case <-ticker.C:
				msg := NewMessage(MessageTypeKeepAlive).WithPeerID(c.peerID)
				c.mu.Lock()
				err := c.conn.WriteJSON(msg)
				c.mu.Unlock()
				if err != nil {
					c.log.Warn("keep-alive failed", zap.Error(err))
					return
				}
			}
		}
	}()
}

// Close stops the keep-alive loop and closes the channel.
func (c *Client) Close() error {
	c.keepAliveOnce.Do(func() { close(c.keepAliveStop) })
	return c.conn.Close()
}

// roundTrip sends one request and reads frames until the matching
// response arrives. Unsolicited frames (keep-alive acks, notices) are
// skipped.
func (c *Client) roundTrip(msg *Message) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	for {
		var reply Message
		if err := c.conn.ReadJSON(&reply); err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		if reply.RequestID == "" || reply.RequestID == msg.RequestID {
			return &reply, nil
		}
		c.log.Debug("skipping stale reply", zap.String("request_id", reply.RequestID))
	}
}

func describeFailure(reply *Message) string {
	if reply.Type == MessageTypeError {
		var p ErrorPayload
		if err := reply.ParsePayload(&p); err == nil {
			return fmt.Sprintf("%s: %s", p.Code, p.Message)
		}
	}
	return fmt.Sprintf("unexpected reply %s", reply.Type)
}
