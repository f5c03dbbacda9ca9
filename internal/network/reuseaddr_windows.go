//go:build windows

package network

import (
	"net"
	"syscall"
	"time"
)

// ListenConfig returns a net.ListenConfig that sets SO_REUSEADDR before
// binding and enables TCP keepalive on accepted sockets.
func ListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: keepAlive,
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
