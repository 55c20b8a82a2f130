// Package mediator implements the control channel to the rendezvous
// mediator: one TCP connection per session, opened with address reuse so
// the punch engine can share the local port, carrying exactly one
// connection request and one response.
package mediator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"go.uber.org/zap"

	"github.com/meridianlabs/traverse/pkg/netutil"
	"github.com/meridianlabs/traverse/pkg/types"
	"github.com/meridianlabs/traverse/pkg/wire"
)

// DefaultDialTimeout bounds the control connection establishment.
const DefaultDialTimeout = 10 * time.Second

// Channel is a single-use control connection to the mediator. It never
// retries: any I/O failure is surfaced as a *types.ChannelError and the
// channel is dead.
type Channel struct {
	conn  net.Conn
	codec *wire.Codec
	log   *zap.Logger

	requestSent bool
}

// Config holds control channel options.
type Config struct {
	// DialTimeout bounds Connect. Zero means DefaultDialTimeout.
	DialTimeout time.Duration

	// Codec frames protocol messages. Nil means wire.NewCodec().
	Codec *wire.Codec

	// Logger for channel diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// Connect establishes the control connection to the mediator address.
// Address reuse is enabled before bind so the ephemeral local port can
// later back the punch engine's listener and dialers.
func Connect(ctx context.Context, mediatorAddr string, cfg Config) (*Channel, error) {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	codec := cfg.Codec
	if codec == nil {
		codec = wire.NewCodec()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	dialer := netutil.ReuseDialer(nil, timeout)
	conn, err := dialer.DialContext(ctx, "tcp", mediatorAddr)
	if err != nil {
		return nil, types.NewChannelError("connect", err)
	}

	log.Debug("control channel connected",
		zap.String("mediator", mediatorAddr),
		zap.String("local", conn.LocalAddr().String()))

	return &Channel{conn: conn, codec: codec, log: log}, nil
}

// LocalEndpoint returns the channel's local endpoint. The punch engine
// reuses this exact address for its listener and outbound attempts.
func (c *Channel) LocalEndpoint() (types.Endpoint, error) {
	if c.conn == nil {
		return types.Endpoint{}, types.NewChannelError("local endpoint", fmt.Errorf("channel closed"))
	}
	return types.EndpointFromAddr(c.conn.LocalAddr())
}

// SendConnectionRequest writes the connection request message carrying
// the channel's local endpoint as its sole attribute. The channel is
// single-use; a second request is refused.
func (c *Channel) SendConnectionRequest() error {
	if c.requestSent {
		return types.NewChannelError("send", fmt.Errorf("connection request already sent"))
	}

	local, err := c.LocalEndpoint()
	if err != nil {
		return types.NewChannelError("send", err)
	}

	msg, err := wire.NewConnectionRequest(local)
	if err != nil {
		return types.NewChannelError("send", err)
	}

	if err := c.codec.WriteMessage(c.conn, msg); err != nil {
		return types.NewChannelError("send", err)
	}

	c.requestSent = true
	c.log.Debug("connection request sent", zap.String("local", local.String()))
	return nil
}

// ReceiveMessage blocks until one complete protocol message is read or
// the connection fails.
func (c *Channel) ReceiveMessage() (*stun.Message, error) {
	if c.conn == nil {
		return nil, types.NewChannelError("receive", fmt.Errorf("channel closed"))
	}
	msg, err := c.codec.ReadMessage(c.conn)
	if err != nil {
		return nil, types.NewChannelError("receive", err)
	}
	c.log.Debug("message received", zap.String("method", wire.MethodName(msg)))
	return msg, nil
}

// Close tears down the control connection. Safe to call more than once.
func (c *Channel) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
