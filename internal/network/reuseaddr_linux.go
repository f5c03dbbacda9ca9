//go:build linux

package network

import (
	"net"
	"syscall"
	"time"
)

// ListenConfig returns a net.ListenConfig that sets SO_REUSEADDR before
// binding, so a restarted login server can rebind a port still in
// TIME_WAIT, and enables TCP keepalive on accepted sockets.
func ListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: keepAlive,
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
