//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package service

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func listenConfig(reusePort bool) *net.ListenConfig {
	if !reusePort {
		return &net.ListenConfig{}
	}
	return &net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			var serr error
			if err := rc.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
}
