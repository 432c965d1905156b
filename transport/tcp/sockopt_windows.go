//go:build windows

// File: transport/tcp/sockopt_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

func setListenOptions(fd uintptr, cfg ListenConfig) error {
	h := windows.Handle(fd)
	if cfg.ReuseAddr {
		if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
		}
	}
	if cfg.NoDelay {
		if err := windows.SetsockoptInt(h, windows.IPPROTO_TCP, windows.TCP_NODELAY, 1); err != nil {
			return fmt.Errorf("setsockopt TCP_NODELAY: %w", err)
		}
	}
	return nil
}

// PinCurrentThread is not supported on Windows.
func PinCurrentThread(cpu int) error {
	return errors.New("thread pinning is not supported on windows")
}
