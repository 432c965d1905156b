// File: transport/tcp/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// ListenConfig holds socket level listener settings.
type ListenConfig struct {
	Addr      string
	ReuseAddr bool
	// NoDelay disables Nagle on the listening socket; accepted sockets
	// inherit it where the platform supports that, TuneConn covers the rest.
	NoDelay bool
}

// Listen binds a TCP listener with cfg's socket options applied before bind.
func Listen(ctx context.Context, cfg ListenConfig) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			var opErr error
			if err := rc.Control(func(fd uintptr) {
				opErr = setListenOptions(fd, cfg)
			}); err != nil {
				return err
			}
			return opErr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", cfg.Addr, err)
	}
	return ln, nil
}

// TuneConn applies per-connection options to an accepted or dialed stream.
// Streams that are not TCP are left alone.
func TuneConn(c net.Conn, noDelay bool) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetNoDelay(noDelay)
}
