// Package types holds the shared data types and error taxonomy of the
// traverse client: network endpoints and the failure classes a session
// can surface to its caller.
package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Endpoint represents a network endpoint with IP and port.
//
// A hole-punching target is described by an ordered list of endpoints.
// By convention the mediator forwards the public (NAT-mapped) endpoint
// first and the private (locally observed) endpoint second.
type Endpoint struct {
	IP   string
	Port int
}

// String returns a string representation of the endpoint.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// TCPAddr resolves the endpoint into a *net.TCPAddr.
func (e Endpoint) TCPAddr() (*net.TCPAddr, error) {
	ip := net.ParseIP(e.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid endpoint IP %q", e.IP)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return nil, fmt.Errorf("invalid endpoint port %d", e.Port)
	}
	return &net.TCPAddr{IP: ip, Port: e.Port}, nil
}

// EndpointFromAddr converts a net.Addr into an Endpoint.
func EndpointFromAddr(addr net.Addr) (Endpoint, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return Endpoint{IP: a.IP.String(), Port: a.Port}, nil
	case *net.UDPAddr:
		return Endpoint{IP: a.IP.String(), Port: a.Port}, nil
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{}, fmt.Errorf("unsupported address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("unsupported port in address %q: %w", addr, err)
	}
	return Endpoint{IP: host, Port: port}, nil
}

// ErrProtocolMismatch reports that the mediator answered the rendezvous
// with something other than a well-formed forwarded-endpoints message.
// The call fails terminally; no connection race is started.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// NewProtocolError wraps ErrProtocolMismatch with diagnostic detail,
// typically the unexpected message method.
func NewProtocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolMismatch, fmt.Sprintf(format, args...))
}

// ChannelError represents an I/O failure on the mediator control channel.
// The control channel is single-use; these failures are never retried.
type ChannelError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("control channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// NewChannelError creates a new control channel error.
func NewChannelError(op string, err error) error {
	return &ChannelError{
		Op:  op,
		Err: err,
	}
}

// TimeoutError reports that no connection attempt authenticated before
// the session deadline.
type TimeoutError struct {
	Target string // Target id of the failed session
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("could not connect to target %s", e.Target)
}
