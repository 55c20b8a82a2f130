// Package auth proves that the remote party of a freshly punched socket
// holds the session token the mediator issued. Until that proof
// succeeds the socket is a candidate only and must not be surfaced.
package auth

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxTokenSize bounds the token frame accepted from the peer.
	MaxTokenSize = 1024

	// DefaultHandshakeTimeout applies to one proof exchange on one
	// candidate socket.
	DefaultHandshakeTimeout = 3 * time.Second
)

// Authenticator performs the token proof-of-possession handshake. It is
// created once per session with the mediator-issued token and reused for
// every candidate socket that session's race produces.
type Authenticator struct {
	token   []byte
	timeout time.Duration
}

// New creates an Authenticator for the given session token.
func New(token []byte) (*Authenticator, error) {
	if len(token) == 0 {
		return nil, fmt.Errorf("empty session token")
	}
	if len(token) > MaxTokenSize {
		return nil, fmt.Errorf("session token %d bytes exceeds limit %d", len(token), MaxTokenSize)
	}
	tok := make([]byte, len(token))
	copy(tok, token)
	return &Authenticator{token: tok, timeout: DefaultHandshakeTimeout}, nil
}

// SetTimeout overrides the per-handshake timeout.
func (a *Authenticator) SetTimeout(d time.Duration) {
	if d > 0 {
		a.timeout = d
	}
}

// Authenticate runs the proof exchange on conn: both sides write their
// token frame and read the peer's, then compare in constant time.
//
// A failed proof returns (false, nil). A socket I/O failure returns
// (false, err); the caller treats both as rejection. The deadline used
// for the exchange is cleared before returning so an accepted socket is
// handed on without leftover deadlines.
func (a *Authenticator) Authenticate(conn net.Conn) (bool, error) {
	if err := conn.SetDeadline(time.Now().Add(a.timeout)); err != nil {
		return false, fmt.Errorf("set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	// Write first. Both peers do the same, so neither blocks on a
	// reader that has not spoken yet.
	if err := writeFrame(conn, a.token); err != nil {
		return false, fmt.Errorf("send token: %w", err)
	}

	peer, err := readFrame(conn)
	if err != nil {
		return false, fmt.Errorf("receive token: %w", err)
	}

	return subtle.ConstantTimeCompare(a.token, peer) == 1, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(payload)))
	copy(frame[2:], payload)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint16(header[:]))
	if size == 0 || size > MaxTokenSize {
		return nil, fmt.Errorf("invalid token frame size %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
