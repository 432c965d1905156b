// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server owns the listener, the connection registry and the shared inbound
// queue. Worker goroutines only enqueue; callbacks run on the goroutine
// that calls Drain.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/pool"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/transport"
	"github.com/momentics/wsengine/transport/tcp"
)

// Stats is a registry snapshot.
type Stats struct {
	Connections int
	Pending     int
	LastID      int
	Pool        pool.Stats
}

// Server accepts WebSocket connections and multiplexes them onto one
// inbound queue.
type Server struct {
	cfg       *Config
	log       *zap.Logger
	metrics   *control.Metrics
	pool      *pool.Pool
	tlsConfig *tls.Config
	inbound   *protocol.Inbound

	// mu guards the registry, the handshake candidates and the listener.
	mu       sync.RWMutex
	conns    map[int]*protocol.Connection
	pending  map[net.Conn]struct{}
	ln       net.Listener
	stopping chan struct{}
	nextID   atomic.Int64

	// workers tracks the accept loop and handshake goroutines.
	workers sync.WaitGroup
}

// New builds a server from cfg. Configuration errors are returned here and
// never at Start.
func New(cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		log:     zap.NewNop(),
		inbound: protocol.NewInbound(),
		conns:   make(map[int]*protocol.Connection),
		pending: make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		p, err := pool.New(cfg.Pool)
		if err != nil {
			return nil, err
		}
		s.pool = p
	}
	if s.tlsConfig == nil && cfg.TLS.Enabled {
		tc, err := transport.LoadServerTLS(cfg.TLS.CertPath, cfg.TLS.CertPassword)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = tc
	}
	s.metrics.ObservePool(s.pool)
	return s, nil
}

// Start binds host:port and launches the accept loop. Port 0 picks an
// ephemeral port; Addr reports it. A bind failure is returned and leaves
// the server stopped.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return api.ErrInvalidArgument.WithMessage("server: already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	ln, err := tcp.Listen(context.Background(), tcp.ListenConfig{
		Addr:      addr,
		ReuseAddr: s.cfg.ReuseAddr,
		NoDelay:   s.cfg.NoDelay,
	})
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		s.log.Info("tls enabled", zap.String("cert", s.cfg.TLS.CertPath))
	}
	s.ln = ln
	s.stopping = make(chan struct{})
	s.workers.Add(1)
	go s.acceptLoop(ln, s.stopping)

	s.log.Info("listener started", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Running reports whether the listener is up.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ln != nil
}

// Stop closes the listener, aborts pending handshakes, tears down every
// connection and clears the registry. Each open connection queues one
// Disconnected envelope. Stop waits for all worker goroutines.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return nil
	}
	close(s.stopping)
	err := s.ln.Close()
	s.ln = nil
	conns := make([]*protocol.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	clear(s.conns)
	for nc := range s.pending {
		_ = nc.Close()
	}
	s.mu.Unlock()

	// Close runs the registry hook, so it must not be called under mu.
	for _, c := range conns {
		_ = c.Close()
		s.metrics.ConnectionClosed()
	}
	s.workers.Wait()
	for _, c := range conns {
		c.Wait()
	}
	s.log.Info("listener stopped", zap.Int("closed", len(conns)))
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) acceptLoop(ln net.Listener, stopping <-chan struct{}) {
	defer s.workers.Done()
	if cpu := s.cfg.AcceptCPU; cpu >= 0 {
		if err := tcp.PinCurrentThread(cpu); err != nil {
			s.log.Warn("accept loop affinity", zap.Int("cpu", cpu), zap.Error(err))
		}
	}

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-stopping:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient failures such as EMFILE.
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-stopping:
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		if !s.addPending(nc) {
			_ = nc.Close()
			return
		}
		s.workers.Add(1)
		go s.handshakeWorker(nc)
	}
}

func (s *Server) addPending(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return false
	}
	s.pending[nc] = struct{}{}
	return true
}

func (s *Server) removePending(nc net.Conn) {
	s.mu.Lock()
	delete(s.pending, nc)
	s.mu.Unlock()
}

// handshakeWorker upgrades one accepted stream. A failed candidate is closed
// and logged; the host never hears about it.
func (s *Server) handshakeWorker(nc net.Conn) {
	defer s.workers.Done()
	defer s.removePending(nc)

	log := s.log.With(zap.Stringer("remote", nc.RemoteAddr()))
	if err := tcp.TuneConn(nc, s.cfg.NoDelay); err != nil {
		log.Debug("tune socket", zap.Error(err))
	}
	timeout := s.cfg.handshakeDeadline()

	stream, err := s.wrapTLS(nc, timeout)
	if err != nil {
		_ = nc.Close()
		s.metrics.HandshakeFailed()
		log.Debug("tls handshake failed", zap.Error(err))
		return
	}

	c := protocol.NewConnection(stream, protocol.RoleServer, s.pool, s.inbound, s.cfg.ConnConfig(),
		protocol.WithLogger(s.log),
		protocol.WithObserver(s.observer()),
		protocol.WithCloseHook(s.unregister),
	)
	if err := c.AcceptHandshake(s.cfg.HandshakeBufferSize, timeout); err != nil {
		s.metrics.HandshakeFailed()
		log.Debug("handshake failed", zap.Error(err))
		return
	}

	id := int(s.nextID.Add(1))
	c.SetID(id)
	if !s.register(id, c) {
		_ = c.Close()
		return
	}
	if err := c.Start(); err != nil {
		// Kicked between registration and start; the hook already cleaned up.
		log.Debug("closed before start", zap.Int("conn_id", id))
	}
}

func (s *Server) wrapTLS(nc net.Conn, timeout time.Duration) (net.Conn, error) {
	if s.tlsConfig == nil {
		return nc, nil
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tc := tls.Server(nc, s.tlsConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// observer avoids handing a typed nil *Metrics to the connection.
func (s *Server) observer() protocol.Observer {
	if s.metrics == nil {
		return nil
	}
	return s.metrics
}

func (s *Server) register(id int, c *protocol.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return false
	}
	s.conns[id] = c
	s.metrics.ConnectionOpened()
	return true
}

// unregister is the connection close hook. It runs under the connection's
// teardown lock.
func (s *Server) unregister(c *protocol.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.ID()
	if cur, ok := s.conns[id]; ok && cur == c {
		delete(s.conns, id)
		s.metrics.ConnectionClosed()
	}
}

// Connection returns the open connection with id.
func (s *Server) Connection(id int) (*protocol.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Connections returns the ids currently registered, in no particular order.
func (s *Server) Connections() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Send queues data to one connection.
func (s *Server) Send(id int, data []byte) error {
	c, ok := s.Connection(id)
	if !ok {
		return api.ErrNotFound.WithMessage("server: unknown connection").WithContext("conn_id", id)
	}
	return c.Send(data)
}

// SendAll queues data to every listed connection using one buffer whose
// release count equals the number of recipients. Unknown ids are skipped.
// It returns how many connections accepted the message.
func (s *Server) SendAll(ids []int, data []byte) (int, error) {
	s.mu.RLock()
	targets := make([]*protocol.Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()
	return s.fanOut(targets, data)
}

// SendToAll queues data to every open connection.
func (s *Server) SendToAll(data []byte) (int, error) {
	s.mu.RLock()
	targets := make([]*protocol.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	return s.fanOut(targets, data)
}

func (s *Server) fanOut(targets []*protocol.Connection, data []byte) (int, error) {
	cc := s.cfg.ConnConfig()
	if err := protocol.CheckOutbound(cc, s.pool, len(data)); err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}
	buf, err := protocol.TakeBuffer(s.pool, len(data), cc.AllowLargeMessages)
	if err != nil {
		return 0, err
	}
	copy(buf.Bytes(), data)
	if err := buf.SetRequiredReleases(len(targets)); err != nil {
		_ = buf.Release()
		return 0, err
	}

	sent := 0
	for _, c := range targets {
		// SendBuffer consumes one release even when the connection is gone.
		if err := c.SendBuffer(buf); err == nil {
			sent++
		}
	}
	return sent, nil
}

// Kick tears down one connection without a close frame. It reports whether
// the id was registered.
func (s *Server) Kick(id int) bool {
	c, ok := s.Connection(id)
	if !ok {
		return false
	}
	_ = c.Close()
	return true
}

// Drain dispatches up to limit queued envelopes to cb on the calling
// goroutine. limit <= 0 drains everything queued.
func (s *Server) Drain(limit int, cb protocol.Callbacks) int {
	return protocol.Drain(s.inbound, limit, cb, nil)
}

// DrainWhile is Drain with a predicate checked before each envelope.
func (s *Server) DrainWhile(limit int, cb protocol.Callbacks, keepGoing func() bool) int {
	return protocol.Drain(s.inbound, limit, cb, keepGoing)
}

// Pending returns the number of queued envelopes.
func (s *Server) Pending() int { return s.inbound.Len() }

// Pool returns the buffer pool shared by all connections.
func (s *Server) Pool() *pool.Pool { return s.pool }

// Config returns the server configuration.
func (s *Server) Config() *Config { return s.cfg }

// Stats snapshots the registry and the pool.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	st := Stats{Connections: len(s.conns), Pending: len(s.pending)}
	s.mu.RUnlock()
	st.LastID = int(s.nextID.Load())
	st.Pool = s.pool.Stats()
	return st
}

// RegisterProbes exposes registry and pool state through dp.
func (s *Server) RegisterProbes(dp *control.DebugProbes) {
	dp.Register("server.connections", func() any { return s.Stats().Connections })
	dp.Register("server.pending_handshakes", func() any { return s.Stats().Pending })
	dp.Register("server.inbound_queue", func() any { return s.Pending() })
	dp.Register("pool.in_use", func() any { return s.pool.Stats().InUse })
}
