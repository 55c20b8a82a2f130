// Package register implements the out-of-band registry channel to the
// mediator: targets announce themselves (and stay registered through
// keep-alives) so that a later rendezvous can be routed to them, and
// sources can look a target up before starting a session.
//
// The registry channel is plain JSON over websocket and is entirely
// separate from the rendezvous control channel; it never takes part in
// the punch race.
package register

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianlabs/traverse/pkg/types"
)

// MessageType identifies the type of registry message.
type MessageType string

const (
	// Client -> Mediator messages
	MessageTypeRegister   MessageType = "REGISTER"   // Announce a target id
	MessageTypeDeregister MessageType = "DEREGISTER" // Withdraw a target id
	MessageTypeKeepAlive  MessageType = "KEEP_ALIVE" // Refresh the registration
	MessageTypeLookup     MessageType = "LOOKUP"     // Ask whether a target is registered

	// Mediator -> Client messages
	MessageTypeAck          MessageType = "ACK"           // Request succeeded
	MessageTypeLookupResult MessageType = "LOOKUP_RESULT" // Response to LOOKUP
	MessageTypeError        MessageType = "ERROR"         // Request failed
)

// Message is the registry protocol envelope.
type Message struct {
	Type      MessageType     `json:"type"`
	PeerID    string          `json:"peer_id,omitempty"`    // Sender's id
	RequestID string          `json:"request_id,omitempty"` // Request/response correlation
	Payload   json.RawMessage `json:"payload,omitempty"`    // Type-specific payload
	Timestamp int64           `json:"timestamp,omitempty"`  // Unix milliseconds
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithPeerID sets the sender id and returns the message for chaining.
func (m *Message) WithPeerID(id string) *Message {
	m.PeerID = id
	return m
}

// WithRequestID sets the correlation id and returns the message for chaining.
func (m *Message) WithRequestID(id string) *Message {
	m.RequestID = id
	return m
}

// WithPayload sets the payload from any serializable value.
func (m *Message) WithPayload(v any) *Message {
	data, err := json.Marshal(v)
	if err != nil {
		m.Payload = json.RawMessage(fmt.Sprintf(`{"error":"marshal failed: %v"}`, err))
		return m
	}
	m.Payload = data
	return m
}

// ParsePayload unmarshals the message payload into the provided type.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return fmt.Errorf("message has no payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// RegisterPayload is sent with REGISTER messages.
type RegisterPayload struct {
	TargetID string          `json:"target_id"`
	Endpoint *types.Endpoint `json:"endpoint,omitempty"` // Private endpoint, if known
}

// LookupPayload is sent with LOOKUP messages.
type LookupPayload struct {
	TargetID string `json:"target_id"`
}

// LookupResultPayload answers a LOOKUP.
type LookupResultPayload struct {
	TargetID   string `json:"target_id"`
	Registered bool   `json:"registered"`
}

// ErrorPayload provides error details.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for ErrorPayload.
const (
	ErrorCodeInvalidMessage = "INVALID_MESSAGE"
	ErrorCodeUnknownTarget  = "UNKNOWN_TARGET"
	ErrorCodeAlreadyTaken   = "ALREADY_TAKEN"
	ErrorCodeInternal       = "INTERNAL_ERROR"
)
