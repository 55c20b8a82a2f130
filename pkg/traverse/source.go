// Package traverse is the source side of mediator-assisted TCP hole
// punching. A Source asks the mediator to rendezvous with a registered
// target, races passive and active connection attempts against the
// target's forwarded endpoints, and returns the single candidate socket
// that proves possession of the session token.
package traverse

import (
	"context"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/meridianlabs/traverse/pkg/auth"
	"github.com/meridianlabs/traverse/pkg/mediator"
	"github.com/meridianlabs/traverse/pkg/punch"
	"github.com/meridianlabs/traverse/pkg/types"
	"github.com/meridianlabs/traverse/pkg/wire"
)

// Config holds session parameters for a Source.
type Config struct {
	// DialTimeout bounds the control channel connect.
	DialTimeout time.Duration

	// Deadline bounds the whole connection race.
	Deadline time.Duration

	// AttemptInterval is the minimum delay between outbound punch
	// attempts to one endpoint.
	AttemptInterval time.Duration

	// ConnectTimeout bounds one outbound connect attempt.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds one token proof exchange.
	HandshakeTimeout time.Duration

	// Codec frames control-protocol messages. Nil means wire.NewCodec().
	Codec *wire.Codec

	// Clock drives race timing. Nil means the system clock.
	Clock clock.Clock

	// Dial and Listen override the engine's socket constructors.
	// Tests use these; production leaves them nil.
	Dial   punch.DialFunc
	Listen punch.ListenFunc

	// Logger for session diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		DialTimeout:      mediator.DefaultDialTimeout,
		Deadline:         punch.DefaultDeadline,
		AttemptInterval:  punch.DefaultAttemptInterval,
		ConnectTimeout:   punch.DefaultConnectTimeout,
		HandshakeTimeout: auth.DefaultHandshakeTimeout,
	}
}

// Source establishes hole-punched connections to targets. Sessions are
// independent; a Source may run any number of them.
type Source struct {
	cfg Config
	log *zap.Logger
}

// NewSource creates a Source with default configuration.
func NewSource() *Source {
	return NewSourceWithConfig(DefaultConfig())
}

// NewSourceWithConfig creates a Source with custom configuration.
func NewSourceWithConfig(cfg Config) *Source {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{cfg: cfg, log: log}
}

// GetSocket returns a socket that is connected to and authenticated
// against the target registered under targetID at the mediator.
//
// The rendezvous runs on a fresh single-use control channel; the
// connection race reuses the channel's local port for its listener and
// outbound attempts. On every exit path the race is shut down, losing
// sockets are closed and nothing outlives the call.
func (s *Source) GetSocket(ctx context.Context, targetID, mediatorAddr string) (net.Conn, error) {
	log := s.log.With(zap.String("target", targetID))
	log.Debug("trying to connect", zap.String("mediator", mediatorAddr))

	ch, err := mediator.Connect(ctx, mediatorAddr, mediator.Config{
		DialTimeout: s.cfg.DialTimeout,
		Codec:       s.cfg.Codec,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	// The control connection stays open for the whole race: its NAT
	// mapping is the one the punch attempts travel through.
	defer ch.Close()

	if err := ch.SendConnectionRequest(); err != nil {
		return nil, err
	}

	msg, err := ch.ReceiveMessage()
	if err != nil {
		return nil, err
	}

	if !wire.IsForwardedEndpoints(msg) {
		method := wire.MethodName(msg)
		log.Warn("unexpected mediator response", zap.String("method", method))
		return nil, types.NewProtocolError("expected forwarded endpoints message, got %q", method)
	}
	log.Debug("received forwarded endpoints message")

	endpoints, err := wire.Endpoints(msg)
	if err != nil {
		return nil, types.NewProtocolError("%v", err)
	}
	token, err := wire.Token(msg)
	if err != nil {
		return nil, types.NewProtocolError("%v", err)
	}
	// The race needs a public and a private candidate. Longer lists are
	// truncated to the first two; shorter ones are a mediator fault.
	if len(endpoints) < 2 {
		return nil, types.NewProtocolError("%d forwarded endpoints, need at least 2", len(endpoints))
	}
	endpointOne, endpointTwo := endpoints[0], endpoints[1]

	authenticator, err := auth.New(token)
	if err != nil {
		return nil, types.NewProtocolError("%v", err)
	}
	if s.cfg.HandshakeTimeout > 0 {
		authenticator.SetTimeout(s.cfg.HandshakeTimeout)
	}

	local, err := ch.LocalEndpoint()
	if err != nil {
		return nil, err
	}

	engine, err := punch.NewEngine(local, authenticator, punch.Config{
		Deadline:        s.cfg.Deadline,
		AttemptInterval: s.cfg.AttemptInterval,
		ConnectTimeout:  s.cfg.ConnectTimeout,
		Clock:           s.cfg.Clock,
		Dial:            s.cfg.Dial,
		Listen:          s.cfg.Listen,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}

	log.Debug("starting hole punching engine")
	if err := engine.Start(ctx, endpointOne, endpointTwo); err != nil {
		return nil, err
	}

	result, canceled := s.awaitResult(ctx, engine)

	// Whatever happened, both actors are force-stopped before the
	// session ends and no second winner can ever surface.
	engine.ShutdownNow()
	engine.Wait()

	if canceled {
		return nil, ctx.Err()
	}
	if !result.Live() {
		log.Debug("race ended without an authenticated socket")
		return nil, &types.TimeoutError{Target: targetID}
	}

	log.Info("returning socket", zap.String("remote", result.Conn.RemoteAddr().String()))
	return result.Conn, nil
}

// awaitResult blocks on the engine's single result slot. Caller
// cancellation does not abandon the wait: the engine is shut down,
// which guarantees a prompt delivery, the slot is drained exactly once,
// and a winner that slipped into the slot during cancellation is
// closed rather than leaked. The caller re-asserts the cancellation.
func (s *Source) awaitResult(ctx context.Context, engine *punch.Engine) (punch.Result, bool) {
	if ctx.Err() == nil {
		select {
		case res := <-engine.Results():
			return res, false
		case <-ctx.Done():
		}
	}
	s.log.Debug("wait interrupted, draining race result", zap.Error(ctx.Err()))
	engine.ShutdownNow()
	if res := <-engine.Results(); res.Live() {
		res.Conn.Close()
	}
	return punch.Result{}, true
}
