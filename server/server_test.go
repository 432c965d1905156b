// File: server/server_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/internal/testutil"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/transport"
)

type hostEvent struct {
	kind protocol.EventKind
	id   int
	data []byte
	err  error
}

// hostLog records what a host would see from Drain.
type hostLog struct {
	mu     sync.Mutex
	events []hostEvent
}

func (h *hostLog) add(e hostEvent) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *hostLog) callbacks() protocol.Callbacks {
	return protocol.Callbacks{
		OnConnect: func(id int) { h.add(hostEvent{kind: protocol.EventConnected, id: id}) },
		OnData: func(id int, data []byte) {
			h.add(hostEvent{kind: protocol.EventData, id: id, data: bytes.Clone(data)})
		},
		OnDisconnect: func(id int) { h.add(hostEvent{kind: protocol.EventDisconnected, id: id}) },
		OnError:      func(id int, err error) { h.add(hostEvent{kind: protocol.EventError, id: id, err: err}) },
	}
}

func (h *hostLog) of(kind protocol.EventKind) []hostEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hostEvent
	for _, e := range h.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (h *hostLog) all() []hostEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hostEvent(nil), h.events...)
}

// pumpUntil drains s into h until at least n events of kind were seen.
func pumpUntil(t *testing.T, s *Server, h *hostLog, kind protocol.EventKind, n int) []hostEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		s.Drain(0, h.callbacks())
		return len(h.of(kind)) >= n
	}, 3*time.Second, 5*time.Millisecond, "waiting for %d %s events", n, kind)
	return h.of(kind)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg *Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(0))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func wsURL(s *Server) string {
	return "ws://" + s.Addr().String() + "/"
}

func dialGorilla(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	ws, _, err := d.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readBinary(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	return data
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var v float64
		for _, m := range mf.GetMetric() {
			v += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
		return v
	}
	return 0
}

func TestServerEndToEndRawSocket(t *testing.T) {
	s := startServer(t, testConfig())
	h := &hostLog{}

	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	_ = nc.SetDeadline(time.Now().Add(3 * time.Second))

	_, err = io.WriteString(nc, "GET /game HTTP/1.1\r\n"+
		"Host: 127.0.0.1\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n")
	require.NoError(t, err)

	want := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"
	br := bufio.NewReader(nc)
	got := make([]byte, len(want))
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, want, string(got))

	connected := pumpUntil(t, s, h, protocol.EventConnected, 1)
	id := connected[0].id
	assert.Equal(t, 1, id)

	msg := []byte{1, 2, 3, 4, 5}
	require.NoError(t, s.Send(id, msg))
	frame := make([]byte, 2+len(msg))
	_, err = io.ReadFull(br, frame)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.FinBit|protocol.OpcodeBinary), frame[0])
	assert.Equal(t, byte(len(msg)), frame[1], "server frames are unmasked")
	assert.Equal(t, msg, frame[2:])

	// Two frames, each with its own key, both arrive unmasked.
	for _, key := range [][protocol.MaskKeyLen]byte{{0x11, 0x22, 0x33, 0x44}, {0xA0, 0x0B, 0xC0, 0x0D}} {
		hdr := make([]byte, protocol.MaxHeaderLen)
		n := protocol.EncodeHeader(hdr, protocol.OpcodeBinary, len(msg), true, key)
		body := bytes.Clone(msg)
		protocol.ToggleMask(body, 0, body, 0, len(body), key, 0)
		_, err = nc.Write(append(hdr[:n], body...))
		require.NoError(t, err)
	}
	data := pumpUntil(t, s, h, protocol.EventData, 2)
	for _, e := range data {
		assert.Equal(t, id, e.id)
		assert.Equal(t, msg, e.data)
	}
}

func TestServerGorillaInterop(t *testing.T) {
	s := startServer(t, testConfig())
	h := &hostLog{}
	ws := dialGorilla(t, wsURL(s))

	id := pumpUntil(t, s, h, protocol.EventConnected, 1)[0].id
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("ping-me")))
	got := pumpUntil(t, s, h, protocol.EventData, 1)[0]
	assert.Equal(t, id, got.id)
	assert.Equal(t, []byte("ping-me"), got.data)

	big := bytes.Repeat([]byte{0x5A}, 4000)
	require.NoError(t, s.Send(id, big))
	assert.Equal(t, big, readBinary(t, ws))

	// Pings are answered with the same payload.
	pong := make(chan string, 1)
	ws.SetPongHandler(func(appData string) error {
		pong <- appData
		return nil
	})
	require.NoError(t, ws.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)))
	go func() { _, _, _ = ws.ReadMessage() }()
	select {
	case p := <-pong:
		assert.Equal(t, "hb", p)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}
}

func TestServerTextFrameIsProtocolError(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := startServer(t, testConfig(), WithMetrics(control.NewMetrics(reg)))
	h := &hostLog{}
	ws := dialGorilla(t, wsURL(s))
	pumpUntil(t, s, h, protocol.EventConnected, 1)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("nope")))
	pumpUntil(t, s, h, protocol.EventDisconnected, 1)

	events := h.all()
	require.Len(t, events, 3)
	assert.Equal(t, protocol.EventError, events[1].kind)
	assert.ErrorIs(t, events[1].err, api.ErrProtocol)
	assert.Equal(t, protocol.EventDisconnected, events[2].kind)
	assert.Equal(t, 0, s.Stats().Connections)
	assert.Equal(t, 1.0, metricValue(t, reg, "wsengine_protocol_errors_total"))
	assert.Equal(t, 0.0, metricValue(t, reg, "wsengine_connections_open"))
}

func TestServerFanOutSharesOneBuffer(t *testing.T) {
	s := startServer(t, testConfig())
	h := &hostLog{}
	clients := make([]*websocket.Conn, 3)
	for i := range clients {
		clients[i] = dialGorilla(t, wsURL(s))
	}
	connected := pumpUntil(t, s, h, protocol.EventConnected, len(clients))

	takes := func() uint64 {
		var n uint64
		for _, b := range s.Pool().Stats().Buckets {
			n += b.Allocated + b.Reused
		}
		return n
	}
	before := takes()

	payload := []byte("world-state")
	sent, err := s.SendToAll(payload)
	require.NoError(t, err)
	assert.Equal(t, len(clients), sent)
	for _, ws := range clients {
		assert.Equal(t, payload, readBinary(t, ws))
	}
	assert.Equal(t, before+1, takes(), "one buffer for all recipients")
	require.Eventually(t, func() bool { return s.Pool().Stats().InUse == 0 }, 2*time.Second, 5*time.Millisecond)

	// Unknown ids are skipped.
	ids := []int{connected[0].id, connected[2].id, 999}
	sent, err = s.SendAll(ids, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, payload, readBinary(t, clients[0]))
	assert.Equal(t, payload, readBinary(t, clients[2]))
	require.Eventually(t, func() bool { return s.Pool().Stats().InUse == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServerSendLimits(t *testing.T) {
	s := startServer(t, testConfig())
	h := &hostLog{}
	dialGorilla(t, wsURL(s))
	id := pumpUntil(t, s, h, protocol.EventConnected, 1)[0].id

	assert.ErrorIs(t, s.Send(id, nil), api.ErrInvalidArgument)
	assert.ErrorIs(t, s.Send(id, make([]byte, s.Pool().Largest()+1)), api.ErrMessageTooLarge)
	assert.ErrorIs(t, s.Send(id+100, []byte{1}), api.ErrNotFound)

	_, err := s.SendToAll(make([]byte, s.Pool().Largest()+1))
	assert.ErrorIs(t, err, api.ErrMessageTooLarge)
	assert.Zero(t, s.Pool().Stats().InUse)
}

func TestServerKick(t *testing.T) {
	s := startServer(t, testConfig())
	h := &hostLog{}
	ws := dialGorilla(t, wsURL(s))
	id := pumpUntil(t, s, h, protocol.EventConnected, 1)[0].id

	assert.True(t, s.Kick(id))
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "stream closed without a close frame")

	pumpUntil(t, s, h, protocol.EventDisconnected, 1)
	assert.Empty(t, h.of(protocol.EventError))
	assert.False(t, s.Kick(id))
	assert.ErrorIs(t, s.Send(id, []byte{1}), api.ErrNotFound)
	_, ok := s.Connection(id)
	assert.False(t, ok)
}

func TestServerRejectsBadHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := startServer(t, testConfig(), WithMetrics(control.NewMetrics(reg)))

	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	_, err = io.WriteString(nc, "POST / HTTP/1.1\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")
	require.NoError(t, err)

	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := nc.Read(make([]byte, 64))
	assert.Zero(t, n, "nothing is written to a rejected peer")
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return metricValue(t, reg, "wsengine_handshake_failures_total") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Drain(0, protocol.Callbacks{}))
	assert.Zero(t, s.Stats().Connections)
	assert.Zero(t, s.Stats().LastID, "ids are only assigned on success")
}

func TestServerHandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	s := startServer(t, cfg)

	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	_, err = io.WriteString(nc, "GET / HTTP/1.1\r\n")
	require.NoError(t, err)

	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := nc.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.Error(t, err, "candidate closed after the deadline")
	require.Eventually(t, func() bool { return s.Stats().Pending == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServerHandshakeBoundedByReceiveTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeTimeout = 0
	cfg.ReceiveTimeout = 50 * time.Millisecond
	s := startServer(t, cfg)

	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := nc.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "server dropped the silent candidate first")
	}
	require.Eventually(t, func() bool { return s.Stats().Pending == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Stats().LastID)
}

func TestServerTLS(t *testing.T) {
	certPath := testutil.WriteSelfSignedPEM(t)
	cfg := testConfig()
	cfg.TLS = transport.TLSConfig{Enabled: true, CertPath: certPath}
	s := startServer(t, cfg)
	h := &hostLog{}

	tc, err := transport.ClientTLS("127.0.0.1", certPath, false)
	require.NoError(t, err)
	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second, TLSClientConfig: tc}
	ws, _, err := d.Dial("wss://"+s.Addr().String()+"/", nil)
	require.NoError(t, err)
	defer ws.Close()

	id := pumpUntil(t, s, h, protocol.EventConnected, 1)[0].id
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{9, 8, 7}))
	assert.Equal(t, []byte{9, 8, 7}, pumpUntil(t, s, h, protocol.EventData, 1)[0].data)
	require.NoError(t, s.Send(id, []byte{1, 2}))
	assert.Equal(t, []byte{1, 2}, readBinary(t, ws))

	// A plain client never reaches the WebSocket layer.
	_, _, err = (&websocket.Dialer{HandshakeTimeout: time.Second}).Dial(wsURL(s), nil)
	assert.Error(t, err)
}

func TestServerBindFailure(t *testing.T) {
	first := startServer(t, testConfig())
	port := first.Addr().(*net.TCPAddr).Port

	cfg := testConfig()
	cfg.ReuseAddr = false
	second, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, second.Start(port))
	assert.False(t, second.Running())
	assert.NoError(t, second.Stop())

	assert.Error(t, first.Start(0), "already started")
}

func TestServerStop(t *testing.T) {
	s := startServer(t, testConfig())
	h := &hostLog{}
	a := dialGorilla(t, wsURL(s))
	b := dialGorilla(t, wsURL(s))
	pumpUntil(t, s, h, protocol.EventConnected, 2)

	addr := s.Addr().String()
	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	assert.Nil(t, s.Addr())
	assert.Zero(t, s.Stats().Connections)

	disconnected := pumpUntil(t, s, h, protocol.EventDisconnected, 2)
	assert.Len(t, disconnected, 2)
	for _, ws := range []*websocket.Conn{a, b} {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := ws.ReadMessage()
		assert.Error(t, err)
	}
	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
	assert.NoError(t, s.Stop(), "second stop is a no-op")
	require.Eventually(t, func() bool { return s.Pool().Stats().InUse == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServerIDsAreSequential(t *testing.T) {
	s := startServer(t, testConfig())
	h := &hostLog{}
	for i := 0; i < 3; i++ {
		dialGorilla(t, wsURL(s))
		pumpUntil(t, s, h, protocol.EventConnected, i+1)
	}
	var ids []int
	for _, e := range h.of(protocol.EventConnected) {
		ids = append(ids, e.id)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
	assert.ElementsMatch(t, ids, s.Connections())
	assert.Equal(t, 3, s.Stats().LastID)
}

func TestServerProbes(t *testing.T) {
	s := startServer(t, testConfig())
	dp := control.NewDebugProbes()
	s.RegisterProbes(dp)
	dump := dp.Dump()
	assert.Equal(t, 0, dump["server.connections"])
	assert.Equal(t, int64(0), dump["pool.in_use"])
	assert.Contains(t, dp.Names(), "server.inbound_queue")
}
