// File: protocol/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection owns one upgraded stream, its outbound queue and the receive
// and send goroutines that drive it. Teardown is idempotent and safe from
// either goroutine or from an external Close.

package protocol

import (
	"bufio"
	"errors"
	"io"
	"math"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/internal/concurrency"
	"github.com/momentics/wsengine/pool"
)

// Role selects which side of the masking contract a connection is on.
type Role uint8

const (
	// RoleServer expects masked frames and sends unmasked ones.
	RoleServer Role = iota
	// RoleClient expects unmasked frames and masks every frame it sends.
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// ConnConfig carries the per-connection limits.
type ConnConfig struct {
	// MaxMessageSize bounds an inbound message, fragments included.
	// Zero means the pool's largest bucket.
	MaxMessageSize int
	SendTimeout    time.Duration
	// ReceiveTimeout bounds every read once the connection is open. Zero
	// disables it.
	ReceiveTimeout time.Duration
	// AllowLargeMessages lifts the outbound cap of min(pool largest, 65535)
	// and lets messages above the largest bucket use unpooled buffers.
	AllowLargeMessages bool
	ReplyToPings       bool
}

// DefaultConnConfig returns the limits used when none are supplied.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		MaxMessageSize: 16 * 1024,
		SendTimeout:    5 * time.Second,
		ReplyToPings:   true,
	}
}

// Observer receives traffic notifications from connection goroutines.
type Observer interface {
	MessageIn(bytes int)
	MessageOut(bytes int)
	ProtocolError()
}

type nopObserver struct{}

func (nopObserver) MessageIn(int)  {}
func (nopObserver) MessageOut(int) {}
func (nopObserver) ProtocolError() {}

// ConnOption customizes a Connection at construction.
type ConnOption func(*Connection)

// WithLogger sets the connection logger.
func WithLogger(l *zap.Logger) ConnOption {
	return func(c *Connection) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver attaches traffic counters.
func WithObserver(o Observer) ConnOption {
	return func(c *Connection) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithCloseHook registers fn to run once during teardown, before the
// Disconnected envelope is queued. The registry uses it to drop its entry.
func WithCloseHook(fn func(*Connection)) ConnOption {
	return func(c *Connection) { c.onClose = fn }
}

// Stats is a snapshot of connection traffic.
type Stats struct {
	MessagesIn  uint64
	MessagesOut uint64
	BytesIn     uint64
	BytesOut    uint64
	Opened      time.Time
}

type outFrame struct {
	buf    *pool.Buffer
	opcode byte
}

// Connection is one WebSocket peer.
type Connection struct {
	id      atomic.Int64
	session uuid.UUID
	role    Role
	cfg     ConnConfig

	conn net.Conn
	r    *bufio.Reader
	pool *pool.Pool

	inbound  *Inbound
	outbound *concurrency.Queue[outFrame]
	state    atomic.Int32

	// mu guards teardown, start and the Data handoff to inbound.
	mu       sync.Mutex
	disposed bool
	done     chan struct{}
	wg       sync.WaitGroup

	onClose  func(*Connection)
	log      *zap.Logger
	observer Observer

	ctxMu  sync.RWMutex
	appCtx any

	msgsIn   atomic.Uint64
	msgsOut  atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	opened   atomic.Int64
}

// NewConnection wraps conn. Events go to inbound, buffers come from p.
func NewConnection(conn net.Conn, role Role, p *pool.Pool, inbound *Inbound, cfg ConnConfig, opts ...ConnOption) *Connection {
	c := &Connection{
		session:  uuid.New(),
		role:     role,
		cfg:      cfg,
		conn:     conn,
		pool:     p,
		inbound:  inbound,
		outbound: concurrency.NewQueue[outFrame](),
		done:     make(chan struct{}),
		log:      zap.NewNop(),
		observer: nopObserver{},
	}
	c.id.Store(api.NoConnID)
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(
		zap.String("session", c.session.String()),
		zap.Stringer("remote", conn.RemoteAddr()),
		zap.Stringer("role", role),
	)
	return c
}

// AcceptHandshake runs the server side of the opening handshake. The whole
// exchange must finish within timeout, or within the receive timeout when
// timeout is zero. On failure the stream is closed and the connection can no
// longer be started.
func (c *Connection) AcceptHandshake(bufferSize int, timeout time.Duration) error {
	return c.handshake(bufferSize, timeout, func() error {
		_, err := ServerHandshake(c.r, c.conn, bufferSize)
		return err
	})
}

// InitiateHandshake runs the client side of the opening handshake.
func (c *Connection) InitiateHandshake(host, path string, bufferSize int, timeout time.Duration) error {
	return c.handshake(bufferSize, timeout, func() error {
		key, err := NewClientKey()
		if err != nil {
			return err
		}
		return ClientHandshake(c.r, c.conn, host, path, key, bufferSize)
	})
}

func (c *Connection) handshake(bufferSize int, timeout time.Duration, run func() error) error {
	if !c.state.CompareAndSwap(int32(api.StateCreated), int32(api.StateHandshaking)) {
		return api.ErrInvalidArgument.WithMessage("handshake on a used connection")
	}
	if bufferSize <= 0 {
		bufferSize = DefaultHandshakeBufferSize
	}
	c.r = bufio.NewReaderSize(c.conn, bufferSize)
	if timeout <= 0 {
		timeout = c.cfg.ReceiveTimeout
	}
	if timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(timeout))
	}
	if err := run(); err != nil {
		c.abort()
		return err
	}
	_ = c.conn.SetDeadline(time.Time{})
	return nil
}

// abort closes a connection that never opened. No events are emitted.
func (c *Connection) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true
	close(c.done)
	_ = c.conn.Close()
	c.outbound.Close()
	c.state.Store(int32(api.StateClosed))
}

// SetID assigns the registry id. It must precede Start.
func (c *Connection) SetID(id int) {
	c.id.Store(int64(id))
}

// Start queues the Connected envelope and launches the receive and send
// goroutines. It fails with api.ErrClosed if the connection was closed first.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return api.ErrClosed
	}
	if c.r == nil {
		c.r = bufio.NewReader(c.conn)
	}
	id := c.ID()
	c.log = c.log.With(zap.Int("conn_id", id))
	c.opened.Store(time.Now().UnixNano())
	c.state.Store(int32(api.StateOpen))
	c.inbound.Push(Envelope{Kind: EventConnected, ConnID: id})

	c.wg.Add(2)
	go c.receiveLoop()
	go c.sendLoop()
	c.log.Debug("connection open")
	return nil
}

// ID returns the assigned id or api.NoConnID before SetID.
func (c *Connection) ID() int { return int(c.id.Load()) }

// Session returns a random id used to correlate log lines.
func (c *Connection) Session() uuid.UUID { return c.session }

// Role returns the masking role.
func (c *Connection) Role() Role { return c.role }

// State returns the lifecycle state.
func (c *Connection) State() api.ConnState { return api.ConnState(c.state.Load()) }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetContext attaches arbitrary host data.
func (c *Connection) SetContext(v any) {
	c.ctxMu.Lock()
	c.appCtx = v
	c.ctxMu.Unlock()
}

// Context returns the value set by SetContext.
func (c *Connection) Context() any {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return c.appCtx
}

// Done is closed when teardown starts.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Wait blocks until both goroutines have exited. Do not call it from a
// callback running on one of them.
func (c *Connection) Wait() { c.wg.Wait() }

// Stats returns traffic counters.
func (c *Connection) Stats() Stats {
	st := Stats{
		MessagesIn:  c.msgsIn.Load(),
		MessagesOut: c.msgsOut.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
	}
	if ns := c.opened.Load(); ns != 0 {
		st.Opened = time.Unix(0, ns)
	}
	return st
}

// Send copies data into a buffer and queues it as one binary message.
func (c *Connection) Send(data []byte) error {
	if err := CheckOutbound(c.cfg, c.pool, len(data)); err != nil {
		return err
	}
	buf, err := TakeBuffer(c.pool, len(data), c.cfg.AllowLargeMessages)
	if err != nil {
		return err
	}
	copy(buf.Bytes(), data)
	return c.enqueue(outFrame{buf: buf, opcode: OpcodeBinary})
}

// SendBuffer queues buf as one binary message. It always consumes one
// release of buf, also when it fails, so a buffer fanned out to N
// connections needs exactly N SendBuffer calls.
func (c *Connection) SendBuffer(buf *pool.Buffer) error {
	if err := CheckOutbound(c.cfg, c.pool, buf.Len()); err != nil {
		c.release(buf)
		return err
	}
	return c.enqueue(outFrame{buf: buf, opcode: OpcodeBinary})
}

// Close tears the connection down without a close frame. It returns
// api.ErrClosed if teardown already happened.
func (c *Connection) Close() error {
	if !c.dispose(nil, nil) {
		return api.ErrClosed
	}
	return nil
}

func (c *Connection) enqueue(f outFrame) error {
	if !c.outbound.Push(f) {
		c.release(f.buf)
		return api.ErrClosed
	}
	return nil
}

// CheckOutbound rejects empty messages and messages above OutboundLimit.
func CheckOutbound(cfg ConnConfig, p *pool.Pool, n int) error {
	if n == 0 {
		return api.ErrInvalidArgument.WithMessage("empty message")
	}
	if limit := OutboundLimit(cfg, p); n > limit {
		return api.ErrMessageTooLarge.WithContext("size", n).WithContext("limit", limit)
	}
	return nil
}

// OutboundLimit is min(pool largest, 65535) unless large messages are
// allowed.
func OutboundLimit(cfg ConnConfig, p *pool.Pool) int {
	if cfg.AllowLargeMessages {
		return math.MaxInt
	}
	return min(p.Largest(), MaxExtendedLength)
}

// TakeBuffer takes an n byte buffer from p. Above the largest bucket it
// returns an unpooled buffer when allowLarge is set.
func TakeBuffer(p *pool.Pool, n int, allowLarge bool) (*pool.Buffer, error) {
	if n <= p.Largest() {
		return p.Take(n)
	}
	if allowLarge {
		return pool.NewUnpooled(n), nil
	}
	return nil, api.ErrMessageTooLarge.WithContext("size", n).WithContext("largest", p.Largest())
}

func (c *Connection) inboundLimit() int {
	limit := c.cfg.MaxMessageSize
	if limit <= 0 {
		limit = c.pool.Largest()
	}
	if !c.cfg.AllowLargeMessages && limit > c.pool.Largest() {
		limit = c.pool.Largest()
	}
	return limit
}

func (c *Connection) takeBuffer(n int) (*pool.Buffer, error) {
	return TakeBuffer(c.pool, n, c.cfg.AllowLargeMessages)
}

func (c *Connection) release(buf *pool.Buffer) {
	if err := buf.Release(); err != nil {
		c.log.Error("buffer release", zap.Error(err))
	}
}

// dispose performs teardown once. cause, when set, is a protocol violation
// reported to the host before the Disconnected envelope. ioErr is the stream
// failure that ended the connection, if any; it is only logged. Nothing is
// logged after the envelopes are queued.
func (c *Connection) dispose(cause, ioErr error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return false
	}
	c.disposed = true
	prev := api.ConnState(c.state.Swap(int32(api.StateClosing)))

	close(c.done)
	_ = c.conn.Close()
	for _, f := range c.outbound.Close() {
		c.release(f.buf)
	}
	if c.onClose != nil {
		c.onClose(c)
	}

	if ioErr != nil && !errors.Is(ioErr, io.EOF) && !errors.Is(ioErr, net.ErrClosed) {
		c.log.Debug("stream failed", zap.Error(ioErr))
	}
	if cause != nil && prev == api.StateOpen {
		c.observer.ProtocolError()
		c.log.Warn("protocol violation", zap.Error(cause))
	}
	c.log.Debug("connection closed", zap.Stringer("from", prev))
	c.state.Store(int32(api.StateClosed))

	if prev == api.StateOpen {
		id := c.ID()
		if cause != nil {
			c.inbound.Push(Envelope{Kind: EventError, ConnID: id, Err: cause})
		}
		c.inbound.Push(Envelope{Kind: EventDisconnected, ConnID: id})
	}
	return true
}

func (c *Connection) readFull(p []byte) error {
	if c.cfg.ReceiveTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReceiveTimeout))
	}
	_, err := io.ReadFull(c.r, p)
	return err
}

func (c *Connection) receiveLoop() {
	defer c.wg.Done()

	var (
		hdr  [MaxHeaderLen]byte
		ctrl [MaxControlPayloadLen]byte
		key  [MaskKeyLen]byte
		// frag accumulates an unfinished fragmented message.
		frag     []byte
		fragging bool
	)
	expectMask := c.role == RoleServer
	limit := c.inboundLimit()

	for {
		if err := c.readFull(hdr[:MinHeaderLen]); err != nil {
			c.readFailed(err)
			return
		}
		n := HeaderLen(hdr[:])
		if n > MinHeaderLen {
			if err := c.readFull(hdr[MinHeaderLen:n]); err != nil {
				c.readFailed(err)
				return
			}
		}
		// Control frames may interleave a fragmented message and are not
		// charged against its remaining budget.
		budget := limit - len(frag)
		if hdr[0]&0x08 != 0 {
			budget = limit
		}
		h, err := ValidateHeader(hdr[:n], budget, expectMask, fragging)
		if err != nil {
			c.dispose(err, nil)
			return
		}
		if h.Masked {
			if err := c.readFull(key[:]); err != nil {
				c.readFailed(err)
				return
			}
		}

		if h.IsControl() {
			p := ctrl[:h.Length]
			if err := c.readFull(p); err != nil {
				c.readFailed(err)
				return
			}
			if h.Masked {
				ToggleMask(p, 0, p, 0, len(p), key, 0)
			}
			switch h.Opcode {
			case OpcodeClose:
				c.log.Debug("peer sent close")
				c.dispose(nil, nil)
				return
			case OpcodePing:
				if c.cfg.ReplyToPings {
					if err := c.queueControl(OpcodePong, p); err != nil && !errors.Is(err, api.ErrClosed) {
						c.log.Warn("pong dropped", zap.Error(err))
					}
				}
			}
			continue
		}

		if fragging || !h.Fin {
			start := len(frag)
			frag = slices.Grow(frag, h.Length)[:start+h.Length]
			if err := c.readFull(frag[start:]); err != nil {
				c.readFailed(err)
				return
			}
			if h.Masked {
				ToggleMask(frag, start, frag, start, h.Length, key, 0)
			}
			fragging = !h.Fin
			if fragging {
				continue
			}
			buf, err := c.takeBuffer(len(frag))
			if err != nil {
				c.dispose(err, nil)
				return
			}
			copy(buf.Bytes(), frag)
			frag = nil
			c.deliver(buf)
			continue
		}

		buf, err := c.takeBuffer(h.Length)
		if err != nil {
			c.dispose(err, nil)
			return
		}
		if err := c.readFull(buf.Bytes()); err != nil {
			c.release(buf)
			c.readFailed(err)
			return
		}
		if h.Masked {
			ToggleMask(buf.Bytes(), 0, buf.Bytes(), 0, h.Length, key, 0)
		}
		c.deliver(buf)
	}
}

// readFailed handles stream errors, which are a normal disconnect.
func (c *Connection) readFailed(err error) {
	c.dispose(nil, err)
}

// deliver queues a Data envelope unless teardown already queued
// Disconnected, which must stay the connection's last event.
func (c *Connection) deliver(buf *pool.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || !c.inbound.Push(Envelope{Kind: EventData, ConnID: c.ID(), Buffer: buf}) {
		c.release(buf)
		return
	}
	n := buf.Len()
	c.msgsIn.Add(1)
	c.bytesIn.Add(uint64(n))
	c.observer.MessageIn(n)
}

// Ping queues a ping frame. The payload must be 1 to 125 bytes; the peer
// echoes it in its pong.
func (c *Connection) Ping(payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxControlPayloadLen {
		return api.ErrInvalidArgument.WithMessage("ping payload must be 1..125 bytes").WithContext("size", len(payload))
	}
	return c.queueControl(OpcodePing, payload)
}

func (c *Connection) queueControl(opcode byte, payload []byte) error {
	buf, err := c.pool.Take(len(payload))
	if err != nil {
		return err
	}
	copy(buf.Bytes(), payload)
	return c.enqueue(outFrame{buf: buf, opcode: opcode})
}

func (c *Connection) sendLoop() {
	defer c.wg.Done()

	w := frameWriter{conn: c}
	var batch []outFrame
	for {
		select {
		case <-c.done:
			return
		case <-c.outbound.Signal():
		}
		for {
			batch = c.outbound.PopBatch(batch[:0], 0)
			if len(batch) == 0 {
				break
			}
			err := w.write(batch)
			for i := range batch {
				c.release(batch[i].buf)
				batch[i] = outFrame{}
			}
			if err != nil {
				c.dispose(nil, err)
				return
			}
		}
	}
}

// frameWriter frames a batch of messages and writes them with one vectored
// write. Its buffers are reused across batches.
type frameWriter struct {
	conn    *Connection
	headers []byte
	vec     net.Buffers
	masked  []*pool.Buffer
}

func (w *frameWriter) write(batch []outFrame) error {
	c := w.conn
	mask := c.role == RoleClient
	if need := len(batch) * MaxHeaderLen; cap(w.headers) < need {
		w.headers = make([]byte, need)
	}
	w.vec = w.vec[:0]
	defer w.releaseMasked()

	for i, f := range batch {
		payload := f.buf.Bytes()
		var key [MaskKeyLen]byte
		if mask {
			var err error
			if key, err = NewMaskKey(); err != nil {
				return err
			}
			dst, err := c.takeBuffer(len(payload))
			if err != nil {
				return err
			}
			w.masked = append(w.masked, dst)
			ToggleMask(payload, 0, dst.Bytes(), 0, len(payload), key, 0)
			payload = dst.Bytes()
		}
		hdr := w.headers[i*MaxHeaderLen : (i+1)*MaxHeaderLen]
		n := EncodeHeader(hdr, f.opcode, len(payload), mask, key)
		w.vec = append(w.vec, hdr[:n], payload)
	}

	if c.cfg.SendTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout))
	}
	vec := w.vec
	if _, err := vec.WriteTo(c.conn); err != nil {
		return err
	}

	for _, f := range batch {
		if f.opcode == OpcodeBinary {
			n := f.buf.Len()
			c.msgsOut.Add(1)
			c.bytesOut.Add(uint64(n))
			c.observer.MessageOut(n)
		}
	}
	return nil
}

func (w *frameWriter) releaseMasked() {
	for i, b := range w.masked {
		w.conn.release(b)
		w.masked[i] = nil
	}
	w.masked = w.masked[:0]
}
