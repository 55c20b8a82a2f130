// Package netutil provides the socket plumbing shared by the control
// channel and the hole punching engine: address-reuse dialers and
// listeners (the same local port must back the mediator connection, the
// punch listener and the outbound punch attempts) and local address
// helpers.
package netutil

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ListenTCP opens a TCP listener on addr with address reuse enabled, so
// the port can be shared with an outbound connection that was opened the
// same way.
func ListenTCP(ctx context.Context, addr *net.TCPAddr) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlReuse}
	ln, err := lc.Listen(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// ReuseDialer returns a TCP dialer bound to laddr with address reuse
// enabled. laddr may be nil, in which case the OS picks the source port
// (still with reuse on, so the port can be shared afterwards).
func ReuseDialer(laddr *net.TCPAddr, timeout time.Duration) *net.Dialer {
	d := &net.Dialer{
		Timeout: timeout,
		Control: controlReuse,
	}
	if laddr != nil {
		d.LocalAddr = laddr
	}
	return d
}

// GetLocalAddresses returns all non-loopback local IP addresses.
func GetLocalAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var addresses []net.IP
	for _, iface := range ifaces {
		// Skip loopback and down interfaces
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.IsLoopback() {
				continue
			}

			addresses = append(addresses, ip)
		}
	}

	return addresses, nil
}

// IsPrivateIP checks if an IP address is in a private range.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	if ip4 := ip.To4(); ip4 != nil {
		// 10.0.0.0/8
		if ip4[0] == 10 {
			return true
		}
		// 172.16.0.0/12
		if ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31 {
			return true
		}
		// 192.168.0.0/16
		if ip4[0] == 192 && ip4[1] == 168 {
			return true
		}
		// 169.254.0.0/16 (link-local)
		if ip4[0] == 169 && ip4[1] == 254 {
			return true
		}
		return false
	}

	// fc00::/7 (unique local addresses)
	if len(ip) == net.IPv6len && ip[0] >= 0xfc && ip[0] <= 0xfd {
		return true
	}

	// fe80::/10 (link-local)
	if len(ip) == net.IPv6len && ip[0] == 0xfe && ip[1] >= 0x80 && ip[1] <= 0xbf {
		return true
	}

	return false
}

// GetPreferredLocalAddress returns the local address the OS would use
// for internet-bound traffic.
func GetPreferredLocalAddress() (net.IP, error) {
	// Routing probe; no packet is actually sent on a UDP dial.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		addresses, err := GetLocalAddresses()
		if err != nil {
			return nil, err
		}
		if len(addresses) > 0 {
			return addresses[0], nil
		}
		return nil, fmt.Errorf("no local addresses found")
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP, nil
}
