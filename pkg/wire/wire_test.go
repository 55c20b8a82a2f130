package wire

import (
	"bytes"
	"testing"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/traverse/pkg/types"
)

func TestConnectionRequestRoundTrip(t *testing.T) {
	local := types.Endpoint{IP: "192.168.1.100", Port: 51820}

	msg, err := NewConnectionRequest(local)
	require.NoError(t, err)

	codec := NewCodec()
	var buf bytes.Buffer
	require.NoError(t, codec.WriteMessage(&buf, msg))

	decoded, err := codec.ReadMessage(&buf)
	require.NoError(t, err)

	assert.Equal(t, MethodConnectionRequest, decoded.Type.Method)
	assert.Equal(t, stun.ClassRequest, decoded.Type.Class)

	endpoints, err := Endpoints(decoded)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, local, endpoints[0])
}

func TestForwardedEndpointsRoundTrip(t *testing.T) {
	eps := []types.Endpoint{
		{IP: "203.0.113.5", Port: 9000},
		{IP: "10.0.0.7", Port: 9000},
	}
	token := []byte("session-token-1")

	msg, err := NewForwardedEndpoints(eps, token)
	require.NoError(t, err)

	codec := NewCodec()
	var buf bytes.Buffer
	require.NoError(t, codec.WriteMessage(&buf, msg))

	decoded, err := codec.ReadMessage(&buf)
	require.NoError(t, err)

	require.True(t, IsForwardedEndpoints(decoded))

	endpoints, err := Endpoints(decoded)
	require.NoError(t, err)
	assert.Equal(t, eps, endpoints, "endpoint order must follow wire order")

	got, err := Token(decoded)
	require.NoError(t, err)
	assert.Equal(t, token, got)
}

func TestIsForwardedEndpoints(t *testing.T) {
	goodEndpoints := []types.Endpoint{{IP: "203.0.113.5", Port: 9000}, {IP: "10.0.0.7", Port: 9000}}

	tests := []struct {
		name  string
		build func(t *testing.T) *stun.Message
		want  bool
	}{
		{
			name: "valid message",
			build: func(t *testing.T) *stun.Message {
				m, err := NewForwardedEndpoints(goodEndpoints, []byte("tok"))
				require.NoError(t, err)
				return m
			},
			want: true,
		},
		{
			name: "wrong method",
			build: func(t *testing.T) *stun.Message {
				m, err := NewConnectionRequest(goodEndpoints[0])
				require.NoError(t, err)
				return m
			},
			want: false,
		},
		{
			name: "missing token attribute",
			build: func(t *testing.T) *stun.Message {
				m, err := stun.Build(
					stun.TransactionID,
					stun.NewType(MethodForwardedEndpoints, stun.ClassSuccessResponse),
					&stun.MappedAddress{IP: []byte{203, 0, 113, 5}, Port: 9000},
				)
				require.NoError(t, err)
				return m
			},
			want: false,
		},
		{
			name: "missing endpoint attribute",
			build: func(t *testing.T) *stun.Message {
				m, err := stun.Build(
					stun.TransactionID,
					stun.NewType(MethodForwardedEndpoints, stun.ClassSuccessResponse),
					tokenSetter([]byte("tok")),
				)
				require.NoError(t, err)
				return m
			},
			want: false,
		},
		{
			name: "nil message",
			build: func(t *testing.T) *stun.Message {
				return nil
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsForwardedEndpoints(tt.build(t)))
		})
	}
}

func TestTokenExactlyOne(t *testing.T) {
	m, err := stun.Build(
		stun.TransactionID,
		stun.NewType(MethodForwardedEndpoints, stun.ClassSuccessResponse),
		tokenSetter([]byte("one")),
		tokenSetter([]byte("two")),
	)
	require.NoError(t, err)

	_, err = Token(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")
}

func TestTokenMissing(t *testing.T) {
	m, err := NewConnectionRequest(types.Endpoint{IP: "10.0.0.1", Port: 1234})
	require.NoError(t, err)

	_, err = Token(m)
	require.Error(t, err)
}

func TestDecodeAddress(t *testing.T) {
	tests := []struct {
		name    string
		value   []byte
		want    types.Endpoint
		wantErr bool
	}{
		{
			name:  "ipv4",
			value: []byte{0x00, familyIPv4, 0x23, 0x28, 203, 0, 113, 5}, // port 9000
			want:  types.Endpoint{IP: "203.0.113.5", Port: 9000},
		},
		{
			name:    "too short",
			value:   []byte{0x00, familyIPv4, 0x23},
			wantErr: true,
		},
		{
			name:    "truncated ipv4",
			value:   []byte{0x00, familyIPv4, 0x23, 0x28, 203, 0},
			wantErr: true,
		},
		{
			name:    "unknown family",
			value:   []byte{0x00, 0x07, 0x23, 0x28, 203, 0, 113, 5},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeAddress(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCodecRejectsOversizedBody(t *testing.T) {
	codec := &Codec{MaxMessageSize: 8}

	header := make([]byte, headerSize)
	header[2] = 0x01 // body length 256
	_, err := codec.ReadMessage(bytes.NewReader(header))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestCodecShortRead(t *testing.T) {
	codec := NewCodec()
	_, err := codec.ReadMessage(bytes.NewReader([]byte{0x01, 0x02}))
	require.Error(t, err)
}

func TestMethodName(t *testing.T) {
	req, err := NewConnectionRequest(types.Endpoint{IP: "10.0.0.1", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, "connection request", MethodName(req))

	fwd, err := NewForwardedEndpoints([]types.Endpoint{{IP: "10.0.0.1", Port: 80}}, []byte("t"))
	require.NoError(t, err)
	assert.Equal(t, "forwarded endpoints", MethodName(fwd))

	assert.Equal(t, "<nil>", MethodName(nil))
}
