//go:build windows

package netutil

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// controlReuse sets SO_REUSEADDR on the socket before bind. Windows has
// no SO_REUSEPORT; SO_REUSEADDR alone allows the port sharing the punch
// engine relies on.
func controlReuse(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
