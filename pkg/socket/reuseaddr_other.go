//go:build !linux && !darwin

package socket

import "net"

// listenConfig is a no-op on platforms where golang.org/x/sys/unix's
// SO_REUSEADDR constants don't apply.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
