//go:build unix && !linux

// File: transport/tcp/sockopt_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"errors"

	"golang.org/x/sys/unix"
)

func setListenOptions(fd uintptr, cfg ListenConfig) error {
	if cfg.ReuseAddr {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	if cfg.NoDelay {
		return unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	return nil
}

// PinCurrentThread is only supported on Linux.
func PinCurrentThread(cpu int) error {
	return errors.New("thread pinning is only supported on linux")
}
