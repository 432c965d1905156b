// File: transport/tcp/listener_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAndTune(t *testing.T) {
	ln, err := Listen(context.Background(), ListenConfig{Addr: "127.0.0.1:0", ReuseAddr: true, NoDelay: true})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, TuneConn(c, true))

	srv, ok := <-accepted
	require.True(t, ok)
	defer srv.Close()
	assert.NoError(t, TuneConn(srv, false))
}

func TestListenBindFailure(t *testing.T) {
	ln, err := Listen(context.Background(), ListenConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(context.Background(), ListenConfig{Addr: ln.Addr().String()})
	assert.Error(t, err)
}

func TestTuneConnIgnoresNonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	assert.NoError(t, TuneConn(a, true))
}
