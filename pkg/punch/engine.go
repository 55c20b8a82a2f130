// Package punch implements the hole punching engine: a bounded race
// between a passive listener and active simultaneous-open dialers, all
// sharing one local endpoint, where the first candidate socket to pass
// the token proof wins and every other attempt is torn down.
package punch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/traverse/pkg/netutil"
	"github.com/meridianlabs/traverse/pkg/types"
)

// State of the engine. One forward pass per session:
// Idle -> Racing -> Succeeded or Failed.
type State int32

const (
	StateIdle State = iota
	StateRacing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRacing:
		return "racing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Authenticator decides whether a candidate socket reaches the intended
// peer. A failed proof is (false, nil); socket I/O failure is
// (false, err). Both reject the candidate.
type Authenticator interface {
	Authenticate(conn net.Conn) (bool, error)
}

// DialFunc opens one outbound connection attempt to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// ListenFunc opens the passive listener on the shared local endpoint.
type ListenFunc func(ctx context.Context, laddr *net.TCPAddr) (net.Listener, error)

// Result is one delivery from the race. A nil Conn is the deadline
// sentinel: the race ended without an authenticated socket.
type Result struct {
	Conn net.Conn
}

// Live reports whether the result carries a real socket rather than the
// timeout sentinel.
func (r Result) Live() bool {
	return r.Conn != nil
}

// Config holds the engine's race parameters.
type Config struct {
	// Deadline bounds the whole race. Zero means DefaultDeadline.
	Deadline time.Duration

	// AttemptInterval is the minimum delay between consecutive outbound
	// attempts to the same endpoint. Zero means DefaultAttemptInterval.
	AttemptInterval time.Duration

	// ConnectTimeout bounds a single outbound connect.
	// Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Clock drives the deadline and the retry cadence. Nil means the
	// system clock; tests inject a mock.
	Clock clock.Clock

	// Dial overrides the outbound connect (reuse-addr dialer bound to
	// the local endpoint by default).
	Dial DialFunc

	// Listen overrides the passive listener constructor
	// (reuse-addr TCP listener by default).
	Listen ListenFunc

	// Logger for race diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// Engine defaults.
const (
	DefaultDeadline        = 30 * time.Second
	DefaultAttemptInterval = 200 * time.Millisecond
	DefaultConnectTimeout  = 2 * time.Second
)

// Engine races connection attempts toward one target for one session.
// Create with NewEngine, run with Start, consume exactly one Result,
// then call ShutdownNow and Wait.
type Engine struct {
	cfg   Config
	local *net.TCPAddr
	auth  Authenticator
	clk   clock.Clock
	log   *zap.Logger

	results   chan Result
	done      chan struct{}
	delivered atomic.Bool
	state     atomic.Int32

	cancel        context.CancelFunc
	group         *errgroup.Group
	deadlineTimer *clock.Timer

	mu       sync.Mutex
	listener net.Listener
	shutdown bool

	// candidates tracks sockets that connected but have not finished
	// the proof; ShutdownNow closes them so no handshake lingers.
	candMu     sync.Mutex
	candidates map[net.Conn]struct{}
	handshakes sync.WaitGroup
}

// NewEngine creates an engine bound to the session's shared local
// endpoint, using auth for every candidate socket.
func NewEngine(local types.Endpoint, auth Authenticator, cfg Config) (*Engine, error) {
	if auth == nil {
		return nil, fmt.Errorf("nil authenticator")
	}
	laddr, err := local.TCPAddr()
	if err != nil {
		return nil, fmt.Errorf("local endpoint: %w", err)
	}

	if cfg.Deadline == 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.AttemptInterval == 0 {
		cfg.AttemptInterval = DefaultAttemptInterval
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		cfg:        cfg,
		local:      laddr,
		auth:       auth,
		clk:        clk,
		log:        log,
		results:    make(chan Result, 1),
		done:       make(chan struct{}),
		candidates: make(map[net.Conn]struct{}),
	}
	if e.cfg.Dial == nil {
		e.cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return netutil.ReuseDialer(laddr, cfg.ConnectTimeout).DialContext(ctx, "tcp", addr)
		}
	}
	if e.cfg.Listen == nil {
		e.cfg.Listen = netutil.ListenTCP
	}
	e.state.Store(int32(StateIdle))
	return e, nil
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Results returns the single-slot result channel. Exactly one Result is
// ever delivered per engine: the winning socket or the sentinel.
func (e *Engine) Results() <-chan Result {
	return e.results
}

// Start moves the engine into Racing: it spawns the passive listener
// actor and one active dialer actor per candidate endpoint, and arms the
// deadline that posts the sentinel.
func (e *Engine) Start(ctx context.Context, endpointOne, endpointTwo types.Endpoint) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRacing)) {
		return fmt.Errorf("engine already started (state %s)", e.State())
	}

	raceCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	ln, err := e.cfg.Listen(raceCtx, e.local)
	if err != nil {
		cancel()
		e.state.Store(int32(StateFailed))
		return fmt.Errorf("failed to listen on %s: %w", e.local, err)
	}
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	e.log.Debug("race started",
		zap.String("local", e.local.String()),
		zap.String("endpoint_one", endpointOne.String()),
		zap.String("endpoint_two", endpointTwo.String()))

	e.deadlineTimer = e.clk.AfterFunc(e.cfg.Deadline, func() {
		e.log.Debug("race deadline expired")
		e.deliverSentinel()
		e.ShutdownNow()
	})

	g := &errgroup.Group{}
	e.group = g
	g.Go(func() error {
		e.acceptLoop(ln)
		return nil
	})
	for _, ep := range []types.Endpoint{endpointOne, endpointTwo} {
		addr := ep.String()
		g.Go(func() error {
			e.dialLoop(raceCtx, addr)
			return nil
		})
	}
	return nil
}

// acceptLoop is the passive actor: accept anything that reaches the
// shared local endpoint and authenticate it. Transient accept failures
// (fd exhaustion, aborted connections) are retried after a cadence
// tick; only shutdown ends the loop.
func (e *Engine) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-e.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Debug("accept failed", zap.Error(err))
			select {
			case <-e.done:
				return
			case <-e.clk.After(e.cfg.AttemptInterval):
			}
			continue
		}
		// Authenticate off the accept loop so one slow handshake
		// does not block further inbound candidates.
		e.handshakes.Add(1)
		go func() {
			defer e.handshakes.Done()
			e.tryCandidate(conn, "passive")
		}()
	}
}

// dialLoop is one half of the active actor: repeated simultaneous-open
// attempts to a single candidate endpoint, paced by AttemptInterval.
func (e *Engine) dialLoop(ctx context.Context, addr string) {
	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := e.cfg.Dial(ctx, addr)
		if err == nil {
			e.tryCandidate(conn, "active")
		} else {
			e.log.Debug("connect attempt failed", zap.String("addr", addr), zap.Error(err))
		}

		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case <-e.clk.After(e.cfg.AttemptInterval):
		}
	}
}

// tryCandidate authenticates one candidate socket and delivers it on
// success. Rejected candidates are closed and absorbed; the race keeps
// going.
func (e *Engine) tryCandidate(conn net.Conn, actor string) {
	e.addCandidate(conn)
	ok, err := e.auth.Authenticate(conn)
	// Drop the candidate before delivery: once the socket is the
	// winner it must not be swept up by ShutdownNow's close pass.
	e.removeCandidate(conn)
	if err != nil {
		e.log.Debug("candidate handshake failed", zap.String("actor", actor), zap.Error(err))
	}
	if !ok {
		conn.Close()
		return
	}
	e.deliver(conn, actor)
}

func (e *Engine) addCandidate(conn net.Conn) {
	e.candMu.Lock()
	e.candidates[conn] = struct{}{}
	e.candMu.Unlock()
}

func (e *Engine) removeCandidate(conn net.Conn) {
	e.candMu.Lock()
	delete(e.candidates, conn)
	e.candMu.Unlock()
}

// deliver offers an authenticated socket to the single result slot.
// Only the first delivery (socket or sentinel) is ever retained; later
// winners are closed without being surfaced.
func (e *Engine) deliver(conn net.Conn, actor string) {
	if !e.delivered.CompareAndSwap(false, true) {
		conn.Close()
		return
	}
	e.state.Store(int32(StateSucceeded))
	e.log.Debug("race won",
		zap.String("actor", actor),
		zap.String("remote", conn.RemoteAddr().String()))
	e.results <- Result{Conn: conn}
}

// deliverSentinel posts the not-connected placeholder so the waiter is
// never blocked past the deadline.
func (e *Engine) deliverSentinel() {
	if !e.delivered.CompareAndSwap(false, true) {
		return
	}
	e.state.CompareAndSwap(int32(StateRacing), int32(StateFailed))
	e.results <- Result{}
}

// ShutdownNow stops all further attempts and closes the listener.
// Idempotent; safe to call after the race produced a winner, and never
// re-emits a second result. If no result was delivered yet the sentinel
// is posted so a pending wait always completes.
func (e *Engine) ShutdownNow() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	ln := e.listener
	e.mu.Unlock()

	close(e.done)
	if e.cancel != nil {
		e.cancel()
	}
	if e.deadlineTimer != nil {
		e.deadlineTimer.Stop()
	}
	if ln != nil {
		ln.Close()
	}

	e.candMu.Lock()
	for conn := range e.candidates {
		conn.Close()
	}
	e.candMu.Unlock()

	e.state.CompareAndSwap(int32(StateRacing), int32(StateFailed))
	e.deliverSentinel()
}

// Wait blocks until both actors have exited. Call after ShutdownNow to
// guarantee no attempt outlives the session.
func (e *Engine) Wait() {
	if e.group != nil {
		e.group.Wait()
	}
	e.handshakes.Wait()
}
