package netutil

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"10.255.255.255", true},
		{"172.16.0.1", true},
		{"172.31.255.254", true},
		{"172.32.0.1", false},
		{"172.15.0.1", false},
		{"192.168.1.100", true},
		{"192.169.1.1", false},
		{"169.254.1.1", true},
		{"8.8.8.8", false},
		{"203.0.113.5", false},
		{"fc00::1", true},
		{"fd12:3456::1", true},
		{"fe80::1", true},
		{"2001:db8::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPrivateIP(net.ParseIP(tt.ip)))
		})
	}

	assert.False(t, IsPrivateIP(nil))
}

func TestListenTCP(t *testing.T) {
	ln, err := ListenTCP(context.Background(), &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestPortSharing(t *testing.T) {
	// The core trick: an outbound connection and a listener share one
	// local port. Open the connection with a reuse dialer, then listen
	// on its local address.
	remote, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer remote.Close()
	go func() {
		for {
			conn, err := remote.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	outbound, err := ReuseDialer(nil, time.Second).DialContext(context.Background(), "tcp", remote.Addr().String())
	require.NoError(t, err)
	defer outbound.Close()

	laddr := outbound.LocalAddr().(*net.TCPAddr)
	ln, err := ListenTCP(context.Background(), laddr)
	require.NoError(t, err, "listener must bind the port the outbound connection uses")
	defer ln.Close()

	assert.Equal(t, laddr.Port, ln.Addr().(*net.TCPAddr).Port)

	// The shared-port listener still accepts fresh connections.
	probe, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	probe.Close()

	accepted, err := ln.Accept()
	require.NoError(t, err)
	accepted.Close()
}

func TestReuseDialerBoundAddr(t *testing.T) {
	remote, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer remote.Close()
	go func() {
		conn, err := remote.Accept()
		if err == nil {
			defer conn.Close()
		}
	}()

	// Grab a free port, release it, then dial from it.
	probe, err := ListenTCP(context.Background(), &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	laddr := probe.Addr().(*net.TCPAddr)
	probe.Close()

	conn, err := ReuseDialer(laddr, time.Second).DialContext(context.Background(), "tcp", remote.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, laddr.Port, conn.LocalAddr().(*net.TCPAddr).Port)
}

func TestGetLocalAddressesSkipsLoopback(t *testing.T) {
	addrs, err := GetLocalAddresses()
	require.NoError(t, err)
	for _, ip := range addrs {
		assert.False(t, ip.IsLoopback())
	}
}
