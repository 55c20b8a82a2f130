package mediator

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/traverse/pkg/types"
	"github.com/meridianlabs/traverse/pkg/wire"
)

// fakeMediator accepts one control connection and lets the test script
// the exchange.
type fakeMediator struct {
	ln    net.Listener
	codec *wire.Codec
	conns chan net.Conn
}

func newFakeMediator(t *testing.T) *fakeMediator {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	m := &fakeMediator{ln: ln, codec: wire.NewCodec(), conns: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		m.conns <- conn
	}()
	return m
}

func (m *fakeMediator) addr() string {
	return m.ln.Addr().String()
}

func TestChannelExchange(t *testing.T) {
	med := newFakeMediator(t)

	ch, err := Connect(context.Background(), med.addr(), Config{})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.SendConnectionRequest())

	serverConn := <-med.conns
	defer serverConn.Close()

	// The mediator sees a connection request carrying the channel's
	// local endpoint as its sole attribute.
	req, err := med.codec.ReadMessage(serverConn)
	require.NoError(t, err)
	assert.Equal(t, wire.MethodConnectionRequest, req.Type.Method)
	assert.Equal(t, stun.ClassRequest, req.Type.Class)

	endpoints, err := wire.Endpoints(req)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)

	local, err := ch.LocalEndpoint()
	require.NoError(t, err)
	assert.Equal(t, local, endpoints[0])

	// Scripted response flows back through ReceiveMessage.
	resp, err := wire.NewForwardedEndpoints(
		[]types.Endpoint{{IP: "203.0.113.5", Port: 9000}, {IP: "10.0.0.7", Port: 9000}},
		[]byte("T1"),
	)
	require.NoError(t, err)
	require.NoError(t, med.codec.WriteMessage(serverConn, resp))

	msg, err := ch.ReceiveMessage()
	require.NoError(t, err)
	assert.True(t, wire.IsForwardedEndpoints(msg))
}

func TestChannelSingleUse(t *testing.T) {
	med := newFakeMediator(t)

	ch, err := Connect(context.Background(), med.addr(), Config{})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.SendConnectionRequest())

	err = ch.SendConnectionRequest()
	require.Error(t, err, "no request pipelining on the control channel")

	var chanErr *types.ChannelError
	require.True(t, errors.As(err, &chanErr))
	assert.Equal(t, "send", chanErr.Op)
}

func TestChannelConnectFailure(t *testing.T) {
	// A port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Connect(context.Background(), addr, Config{})
	require.Error(t, err)

	var chanErr *types.ChannelError
	require.True(t, errors.As(err, &chanErr))
	assert.Equal(t, "connect", chanErr.Op)
}

func TestChannelPeerClosed(t *testing.T) {
	med := newFakeMediator(t)

	ch, err := Connect(context.Background(), med.addr(), Config{})
	require.NoError(t, err)
	defer ch.Close()

	serverConn := <-med.conns
	serverConn.Close()

	_, err = ch.ReceiveMessage()
	require.Error(t, err)

	var chanErr *types.ChannelError
	require.True(t, errors.As(err, &chanErr))
	assert.Equal(t, "receive", chanErr.Op)
}

func TestChannelClosedGuards(t *testing.T) {
	med := newFakeMediator(t)

	ch, err := Connect(context.Background(), med.addr(), Config{})
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close(), "close is safe to repeat")

	_, err = ch.ReceiveMessage()
	require.Error(t, err)

	_, err = ch.LocalEndpoint()
	require.Error(t, err)
}
