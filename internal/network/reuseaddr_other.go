//go:build !linux && !windows

package network

import (
	"net"
	"time"
)

// ListenConfig returns a plain keepalive listen config on this platform.
func ListenConfig(keepAlive time.Duration) net.ListenConfig {
	return net.ListenConfig{KeepAlive: keepAlive}
}
