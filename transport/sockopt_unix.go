//go:build !windows
// +build !windows

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// enableBroadcast allows sending to broadcast addresses from the socket.
func enableBroadcast(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
