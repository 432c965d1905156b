// File: cmd/wsengine/wsengine_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/server"
)

func startHost(t *testing.T, mode string) *server.Server {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Host = "127.0.0.1"
	log := zaptest.NewLogger(t)
	srv, err := server.New(cfg, server.WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, srv.Start(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = newHost(srv, mode, log).pump(ctx, 2*time.Millisecond, 0)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = srv.Stop()
	})
	return srv
}

func dial(t *testing.T, srv *server.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr().String()+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestEchoHost(t *testing.T) {
	srv := startHost(t, modeEcho)
	ws := dial(t, srv)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("hello")))
	assert.Equal(t, "hello", read(t, ws))
}

func TestBroadcastHost(t *testing.T) {
	srv := startHost(t, modeBroadcast)
	a, b := dial(t, srv), dial(t, srv)
	require.Eventually(t, func() bool { return srv.Stats().Connections == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte("tick")))
	assert.Equal(t, "tick", read(t, a))
	assert.Equal(t, "tick", read(t, b))
}

func TestDialRoundTrip(t *testing.T) {
	srv := startHost(t, modeEcho)
	var out bytes.Buffer
	in := strings.NewReader("one\n\ntwo\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := runDial(ctx, "ws://"+srv.Addr().String(), dialOptions{linger: 300 * time.Millisecond}, in, &out)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", out.String())
}

func TestAdminMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	control.NewMetrics(reg).ConnectionOpened()
	probes := control.NewDebugProbes()
	probes.Register("answer", func() any { return 42 })
	mux := adminMux(reg, probes)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "wsengine_connections_open 1")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/probes", nil))
	assert.Contains(t, rec.Body.String(), `"answer":42`)
}

func TestRootCommand(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "wsengine dev")

	root = rootCmd()
	root.SetArgs([]string{"serve", "--mode", "mirror"})
	assert.ErrorContains(t, root.Execute(), "unknown mode")
}
