// File: client/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package client provides a WebSocket client handle over the same engine the
// server uses: pooled buffers, masked outbound frames and a caller-drained
// inbound queue.
//
// The handle supports:
// - ws:// and wss:// URLs, or a bare host:port
// - bounded connect attempts with linear backoff (ReconnectMax)
// - an optional heartbeat ping (HeartbeatInterval)
// - reconnecting after Disconnect with the same pool and queue

package client

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/pool"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/transport"
	"github.com/momentics/wsengine/transport/tcp"
)

// Client owns at most one connection at a time. Its events carry
// api.ClientConnID.
type Client struct {
	cfg     *Config
	log     *zap.Logger
	metrics *control.Metrics
	pool    *pool.Pool
	inbound *protocol.Inbound

	mu   sync.Mutex
	conn *protocol.Connection
}

// New builds a disconnected client.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		log:     zap.NewNop(),
		inbound: protocol.NewInbound(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		p, err := pool.New(cfg.Pool)
		if err != nil {
			return nil, err
		}
		c.pool = p
	}
	return c, nil
}

// target is a parsed endpoint.
type target struct {
	secure   bool
	addr     string // host:port to dial
	host     string // Host header
	hostname string // TLS server name fallback
	path     string
}

func parseTarget(raw string) (target, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, api.ErrInvalidArgument.WithMessage("client: bad url").WithError(err)
	}
	tg := target{host: u.Host, hostname: u.Hostname(), path: u.RequestURI()}
	port := u.Port()
	switch u.Scheme {
	case "ws":
		if port == "" {
			port = "80"
		}
	case "wss":
		tg.secure = true
		if port == "" {
			port = "443"
		}
	default:
		return target{}, api.ErrInvalidArgument.WithMessage("client: scheme must be ws or wss").WithContext("scheme", u.Scheme)
	}
	if tg.hostname == "" {
		return target{}, api.ErrInvalidArgument.WithMessage("client: missing host").WithContext("url", raw)
	}
	tg.addr = net.JoinHostPort(tg.hostname, port)
	return tg, nil
}

// Connect dials rawURL, upgrades the stream and starts the connection. A
// Connected envelope is queued on success. Failed attempts are retried up
// to ReconnectMax times with a growing pause.
func (c *Client) Connect(ctx context.Context, rawURL string) error {
	tg, err := parseTarget(rawURL)
	if err != nil {
		return err
	}
	if c.Connected() {
		return api.ErrInvalidArgument.WithMessage("client: already connected")
	}

	attempts := max(c.cfg.ReconnectMax, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := c.dial(ctx, tg)
		if err == nil {
			return c.attach(conn)
		}
		lastErr = err
		c.log.Debug("connect attempt failed", zap.Int("attempt", attempt), zap.String("addr", tg.addr), zap.Error(err))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	if attempts > 1 {
		return fmt.Errorf("client: %d connect attempts: %w", attempts, lastErr)
	}
	return lastErr
}

func (c *Client) dial(ctx context.Context, tg target) (*protocol.Connection, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", tg.addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", tg.addr, err)
	}
	if err := tcp.TuneConn(nc, c.cfg.NoDelay); err != nil {
		c.log.Debug("tune socket", zap.Error(err))
	}

	stream := nc
	if tg.secure {
		if stream, err = c.wrapTLS(ctx, nc, tg); err != nil {
			_ = nc.Close()
			return nil, err
		}
	}

	// Cancelling ctx fails the blocked handshake read.
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Unix(1, 0)) })
	conn := protocol.NewConnection(stream, protocol.RoleClient, c.pool, c.inbound, c.cfg.connConfig(),
		protocol.WithLogger(c.log),
		protocol.WithObserver(c.observer()),
		protocol.WithCloseHook(c.detach),
	)
	err = conn.InitiateHandshake(tg.host, tg.path, c.cfg.HandshakeBufferSize, c.cfg.handshakeDeadline())
	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		c.metrics.HandshakeFailed()
		return nil, err
	}
	return conn, nil
}

func (c *Client) wrapTLS(ctx context.Context, nc net.Conn, tg target) (net.Conn, error) {
	serverName := c.cfg.TLS.ServerName
	if serverName == "" {
		serverName = tg.hostname
	}
	tc, err := transport.ClientTLS(serverName, c.cfg.TLS.RootCAPath, c.cfg.TLS.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	if timeout := c.cfg.handshakeDeadline(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn := tls.Client(nc, tc)
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, api.ErrHandshake.WithMessage("client: tls handshake").WithError(err)
	}
	return conn, nil
}

func (c *Client) attach(conn *protocol.Connection) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return api.ErrInvalidArgument.WithMessage("client: already connected")
	}
	conn.SetID(api.ClientConnID)
	c.conn = conn
	c.metrics.ConnectionOpened()
	c.mu.Unlock()

	// Start fails only if Disconnect won the race; the hook already detached.
	if err := conn.Start(); err != nil {
		return err
	}
	if every := c.cfg.HeartbeatInterval; every > 0 {
		go c.heartbeat(conn, every)
	}
	c.log.Info("connected", zap.Stringer("remote", conn.RemoteAddr()), zap.Stringer("session", conn.Session()))
	return nil
}

// detach is the connection close hook.
func (c *Client) detach(conn *protocol.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.metrics.ConnectionClosed()
	}
}

func (c *Client) heartbeat(conn *protocol.Connection, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	var payload [8]byte
	for {
		select {
		case <-conn.Done():
			return
		case now := <-t.C:
			binary.BigEndian.PutUint64(payload[:], uint64(now.UnixNano()))
			if err := conn.Ping(payload[:]); err != nil {
				return
			}
		}
	}
}

func (c *Client) observer() protocol.Observer {
	if c.metrics == nil {
		return nil
	}
	return c.metrics
}

func (c *Client) current() *protocol.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Send queues data as one binary message.
func (c *Client) Send(data []byte) error {
	conn := c.current()
	if conn == nil {
		return api.ErrClosed.WithMessage("client: not connected")
	}
	return conn.Send(data)
}

// Ping queues a ping with payload.
func (c *Client) Ping(payload []byte) error {
	conn := c.current()
	if conn == nil {
		return api.ErrClosed.WithMessage("client: not connected")
	}
	return conn.Ping(payload)
}

// Disconnect closes the connection without a close frame and waits for its
// goroutines. A Disconnected envelope is queued. It returns api.ErrClosed
// when there is nothing to close. Do not call it from a Drain callback.
func (c *Client) Disconnect() error {
	conn := c.current()
	if conn == nil {
		return api.ErrClosed.WithMessage("client: not connected")
	}
	err := conn.Close()
	conn.Wait()
	c.log.Info("disconnected")
	return err
}

// Drain dispatches up to limit queued envelopes to cb on the calling
// goroutine. limit <= 0 drains everything queued.
func (c *Client) Drain(limit int, cb protocol.Callbacks) int {
	return protocol.Drain(c.inbound, limit, cb, nil)
}

// DrainWhile is Drain with a predicate checked before each envelope.
func (c *Client) DrainWhile(limit int, cb protocol.Callbacks, keepGoing func() bool) int {
	return protocol.Drain(c.inbound, limit, cb, keepGoing)
}

// Connected reports whether a connection is attached.
func (c *Client) Connected() bool { return c.current() != nil }

// State returns the connection state, or api.StateClosed when detached.
func (c *Client) State() api.ConnState {
	if conn := c.current(); conn != nil {
		return conn.State()
	}
	return api.StateClosed
}

// Stats returns the traffic counters of the current connection.
func (c *Client) Stats() protocol.Stats {
	if conn := c.current(); conn != nil {
		return conn.Stats()
	}
	return protocol.Stats{}
}

// Pool returns the client's buffer pool.
func (c *Client) Pool() *pool.Pool { return c.pool }
