//go:build !windows

package netutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuse sets SO_REUSEADDR and, where supported, SO_REUSEPORT on
// the socket before bind. Both the control channel and the punch actors
// bind the same local port; without reuse the second bind fails.
func controlReuse(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = err
			return
		}
		// SO_REUSEPORT is unsupported on some systems; reuse of the
		// address alone is enough for the listener/dialer pairing.
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
