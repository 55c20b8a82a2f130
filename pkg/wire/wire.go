// Package wire defines the mediator control protocol on top of the STUN
// message codec (github.com/pion/stun): the rendezvous methods, the
// endpoint and token attributes, and the validation rules for the
// mediator's forwarded-endpoints response.
//
// The byte encoding itself is delegated to the codec; this package only
// knows which methods and attributes the rendezvous exchange uses.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pion/stun"

	"github.com/meridianlabs/traverse/pkg/types"
)

// Rendezvous methods. STUN methods are 12-bit values; these live outside
// the IANA-assigned range used by RFC 5389/5766.
const (
	// MethodConnectionRequest asks the mediator to forward a connection
	// request to the registered target. Request class, carries the
	// source's local endpoint as its sole attribute.
	MethodConnectionRequest stun.Method = 0x0C8

	// MethodForwardedEndpoints carries the target's candidate endpoints
	// and the session token back to the source. Response class.
	MethodForwardedEndpoints stun.Method = 0x0C9
)

// Attribute types of the rendezvous exchange. Endpoints travel as
// MAPPED-ADDRESS attributes (repeated, order significant: public first),
// the session token as RESERVATION-TOKEN.
const (
	AttrEndpoint = stun.AttrMappedAddress
	AttrToken    = stun.AttrReservationToken
)

const (
	headerSize = 20
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// NewConnectionRequest builds a connection request message carrying the
// caller's local endpoint.
func NewConnectionRequest(local types.Endpoint) (*stun.Message, error) {
	addr, err := local.TCPAddr()
	if err != nil {
		return nil, fmt.Errorf("connection request endpoint: %w", err)
	}
	m, err := stun.Build(
		stun.TransactionID,
		stun.NewType(MethodConnectionRequest, stun.ClassRequest),
		&stun.MappedAddress{IP: addr.IP, Port: addr.Port},
	)
	if err != nil {
		return nil, fmt.Errorf("build connection request: %w", err)
	}
	return m, nil
}

// NewForwardedEndpoints builds a forwarded-endpoints response carrying
// the given candidate endpoints (in order) and the session token.
// Primarily used by tests and by mediator-side tooling.
func NewForwardedEndpoints(endpoints []types.Endpoint, token []byte) (*stun.Message, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("forwarded endpoints message requires at least one endpoint")
	}
	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(MethodForwardedEndpoints, stun.ClassSuccessResponse),
	}
	for _, ep := range endpoints {
		addr, err := ep.TCPAddr()
		if err != nil {
			return nil, fmt.Errorf("forwarded endpoint %s: %w", ep, err)
		}
		setters = append(setters, &stun.MappedAddress{IP: addr.IP, Port: addr.Port})
	}
	setters = append(setters, tokenSetter(token))
	m, err := stun.Build(setters...)
	if err != nil {
		return nil, fmt.Errorf("build forwarded endpoints: %w", err)
	}
	return m, nil
}

// tokenSetter adds the session token as a RESERVATION-TOKEN attribute.
type tokenSetter []byte

func (t tokenSetter) AddTo(m *stun.Message) error {
	if len(t) == 0 {
		return fmt.Errorf("empty token")
	}
	m.Add(AttrToken, t)
	return nil
}

// IsForwardedEndpoints reports whether the message is a well-formed
// forwarded-endpoints message: correct method, at least one endpoint
// attribute and a token attribute. Anything else is rejected without
// error; the caller decides whether rejection is terminal.
func IsForwardedEndpoints(m *stun.Message) bool {
	if m == nil || m.Type.Method != MethodForwardedEndpoints {
		return false
	}
	return countAttr(m, AttrEndpoint) >= 1 && countAttr(m, AttrToken) >= 1
}

// Endpoints decodes every endpoint attribute of the message, preserving
// wire order.
func Endpoints(m *stun.Message) ([]types.Endpoint, error) {
	var endpoints []types.Endpoint
	for _, attr := range m.Attributes {
		if attr.Type != AttrEndpoint {
			continue
		}
		ep, err := decodeAddress(attr.Value)
		if err != nil {
			return nil, fmt.Errorf("endpoint attribute: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Token extracts the session token. The message must carry exactly one
// token attribute; zero or several make the message invalid.
func Token(m *stun.Message) ([]byte, error) {
	var token []byte
	count := 0
	for _, attr := range m.Attributes {
		if attr.Type != AttrToken {
			continue
		}
		count++
		token = attr.Value
	}
	switch {
	case count == 0:
		return nil, fmt.Errorf("missing token attribute")
	case count > 1:
		return nil, fmt.Errorf("%d token attributes, want exactly one", count)
	case len(token) == 0:
		return nil, fmt.Errorf("empty token attribute")
	}
	return token, nil
}

// MethodName returns a human-readable name for the message method,
// used when reporting an unexpected mediator response.
func MethodName(m *stun.Message) string {
	if m == nil {
		return "<nil>"
	}
	switch m.Type.Method {
	case MethodConnectionRequest:
		return "connection request"
	case MethodForwardedEndpoints:
		return "forwarded endpoints"
	}
	return m.Type.String()
}

func countAttr(m *stun.Message, t stun.AttrType) int {
	n := 0
	for _, attr := range m.Attributes {
		if attr.Type == t {
			n++
		}
	}
	return n
}

// decodeAddress decodes a MAPPED-ADDRESS attribute value:
// one reserved byte, one family byte, two port bytes, then the address.
func decodeAddress(value []byte) (types.Endpoint, error) {
	if len(value) < 4 {
		return types.Endpoint{}, fmt.Errorf("value too short: %d bytes", len(value))
	}

	family := value[1]
	port := int(binary.BigEndian.Uint16(value[2:4]))

	var ip net.IP
	switch family {
	case familyIPv4:
		if len(value) < 8 {
			return types.Endpoint{}, fmt.Errorf("IPv4 address too short: %d bytes", len(value))
		}
		ip = net.IP(value[4:8])
	case familyIPv6:
		if len(value) < 20 {
			return types.Endpoint{}, fmt.Errorf("IPv6 address too short: %d bytes", len(value))
		}
		ip = net.IP(value[4:20])
	default:
		return types.Endpoint{}, fmt.Errorf("unsupported address family: 0x%02x", family)
	}

	return types.Endpoint{IP: ip.String(), Port: port}, nil
}
