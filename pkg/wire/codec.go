package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pion/stun"
)

// Codec frames STUN messages over a reliable byte stream. A message is
// its 20-byte header followed by the attribute body whose size the
// header's length field announces.
//
// A Codec carries no hidden state; construct one per control channel and
// pass it in explicitly.
type Codec struct {
	// MaxMessageSize bounds the accepted attribute body size.
	// Zero means DefaultMaxMessageSize.
	MaxMessageSize int
}

// DefaultMaxMessageSize is generous for rendezvous traffic: a handful of
// endpoint attributes plus one token.
const DefaultMaxMessageSize = 4096

// NewCodec creates a Codec with default limits.
func NewCodec() *Codec {
	return &Codec{MaxMessageSize: DefaultMaxMessageSize}
}

// ReadMessage blocks until one complete message is read from r, then
// decodes it. Any read or decode failure is returned as-is; the caller
// owns retry and classification policy.
func (c *Codec) ReadMessage(r io.Reader) (*stun.Message, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read message header: %w", err)
	}

	bodyLen := int(binary.BigEndian.Uint16(header[2:4]))
	max := c.MaxMessageSize
	if max == 0 {
		max = DefaultMaxMessageSize
	}
	if bodyLen > max {
		return nil, fmt.Errorf("message body %d bytes exceeds limit %d", bodyLen, max)
	}

	raw := make([]byte, headerSize+bodyLen)
	copy(raw, header)
	if _, err := io.ReadFull(r, raw[headerSize:]); err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}

	m := &stun.Message{Raw: raw}
	if err := m.Decode(); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// WriteMessage writes one encoded message to w.
func (c *Codec) WriteMessage(w io.Writer, m *stun.Message) error {
	if _, err := w.Write(m.Raw); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
