//go:build !linux && !windows

package transport

import "net"

// ReuseAddrListenConfig returns a plain ListenConfig on platforms where the
// socket option is not set explicitly.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
