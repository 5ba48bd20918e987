//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package service

import (
	"net"

	"github.com/golang/glog"
)

func listenConfig(reusePort bool) *net.ListenConfig {
	if reusePort {
		glog.Warningf("SO_REUSEPORT is not supported on this platform; ignoring reuse_port")
	}
	return &net.ListenConfig{}
}
