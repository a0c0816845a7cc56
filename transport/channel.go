// Package transport implements the framed message channel and the transport
// variants it runs over.
//
// A Channel owns exactly one duplex connection. Its state is confined to the
// reactor loop: blocking reads and writes run on short-lived helper goroutines
// which post their completion back to the loop.
//
//	loop ──readHeader──→ goroutine: io.ReadFull(conn, hdr) ──Post──→ loop
//	loop ──readBody────→ goroutine: io.ReadFull(conn, body) ──Post──→ loop → OnData
//	loop ──write───────→ goroutine: net.Buffers.WriteTo(conn) ──Post──→ loop → next write
//
// Every continuation captures the channel's liveness token. Close kills the
// token, so a completion that races with a close finds it dead and does
// nothing.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"

	"framenet/protocol"
	"framenet/reactor"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
)

// token marks one live connection. It is only read and written on the loop.
type token struct {
	alive bool
}

// Channel is one live connection plus its read and write state machine.
//
// Close and Loop are goroutine-safe. Every other method must be called on
// the loop goroutine.
type Channel struct {
	loop   *reactor.Loop
	conn   net.Conn // exclusively owned
	cfg    Config
	logger *zap.Logger
	sink   metrics.MetricSink
	labels []metrics.Label

	open    bool
	closing bool   // a close has been scheduled after a contract violation
	tok     *token // liveness of the current connection

	readBuf       []byte   // raw-stream read buffer, MaxBodySize bytes
	sendBufferNow uint64   // bytes queued or in flight
	writing       bool     // a write is in flight
	pending       [][]byte // FIFO of payloads waiting for the in-flight write

	// OnData receives every inbound message (AutoPack) or chunk (raw mode).
	OnData func(data []byte)
	// OnClose fires exactly once, when an open channel closes.
	OnClose func()
}

type options struct {
	logger *zap.Logger
	sink   metrics.MetricSink
	labels []metrics.Label
}

// Option configures the ambient collaborators of a Channel.
type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetricSink(sink metrics.MetricSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithMetricLabels adds labels to every metric the channel emits.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(o *options) {
		o.labels = labels
	}
}

type bufferSizer interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// NewChannel takes ownership of conn. The channel is open immediately but does
// not read until Start is called.
func NewChannel(loop *reactor.Loop, conn net.Conn, cfg Config, opts ...Option) *Channel {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.sink == nil {
		o.sink = &metrics.BlackholeSink{}
	}

	c := &Channel{
		loop:   loop,
		conn:   conn,
		cfg:    cfg.Normalize(),
		sink:   o.sink,
		open:   true,
		tok:    &token{alive: true},
		labels: append([]metrics.Label{}, o.labels...),
	}

	peer := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	c.labels = append(c.labels, LabelPeerAddr.M(peer))
	c.logger = o.logger.With(LabelPeerAddr.L(peer))

	c.applySocketOptions()
	if !c.cfg.AutoPack {
		c.readBuf = make([]byte, c.cfg.MaxBodySize)
	}
	return c
}

func (c *Channel) applySocketOptions() {
	raw := c.conn
	if tc, ok := raw.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	sizer, ok := raw.(bufferSizer)
	if !ok {
		return
	}
	if n := c.cfg.SocketSendBufferSize; n > 0 {
		if err := sizer.SetWriteBuffer(int(n)); err != nil {
			c.logger.Warn("transport: set send buffer size", zap.Uint32("size", n), zap.Error(err))
		}
	}
	if n := c.cfg.SocketRecvBufferSize; n > 0 {
		if err := sizer.SetReadBuffer(int(n)); err != nil {
			c.logger.Warn("transport: set recv buffer size", zap.Uint32("size", n), zap.Error(err))
		}
	}
}

// Start issues the first read.
func (c *Channel) Start() {
	if !c.open {
		return
	}
	if c.cfg.AutoPack {
		c.readHeader()
	} else {
		c.readSome()
	}
}

// TrySend queues payload without blocking.
//
// A payload that can never fit (larger than MaxBodySize with AutoPack, or
// larger than MaxSendBufferSize) is a caller contract violation: the channel
// schedules its own close and the error is returned for information only.
// ErrWouldBlock means the payload fits but not until in-flight bytes flush.
func (c *Channel) TrySend(payload []byte) error {
	if !c.open || c.closing {
		return ErrClosed
	}

	size := uint64(len(payload))
	if c.cfg.AutoPack && size > uint64(c.cfg.MaxBodySize) {
		c.violation("transport: send exceeds max body size", size)
		return fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, size, c.cfg.MaxBodySize)
	}
	if size > uint64(c.cfg.MaxSendBufferSize) {
		c.violation("transport: send exceeds max send buffer size", size)
		return fmt.Errorf("%w: %d > %d", ErrSendBufferOverflow, size, c.cfg.MaxSendBufferSize)
	}
	if c.sendBufferNow+size > uint64(c.cfg.MaxSendBufferSize) {
		c.sink.IncrCounterWithLabels(MetricChannelWouldBlockCount, 1, c.labels)
		return ErrWouldBlock
	}

	c.sendBufferNow += size
	if c.writing {
		c.pending = append(c.pending, payload)
		return nil
	}
	c.writing = true
	c.write(c.tok, payload)
	return nil
}

// Send queues payload, pumping the loop with RunOne while the send buffer is
// full. It must only be called from the loop goroutine, and never from inside
// a callback of another pending operation on the same channel.
//
// Errors are not returned: a rejected payload closes the channel and is
// reported through OnClose.
func (c *Channel) Send(payload []byte) {
	for {
		err := c.TrySend(payload)
		if !errors.Is(err, ErrWouldBlock) {
			if err != nil {
				c.logger.Debug("transport: send dropped", zap.Int("size", len(payload)), zap.Error(err))
			}
			return
		}
		if !c.loop.RunOne() {
			return
		}
	}
}

// Close schedules the close on the loop. It is safe to call from any
// goroutine, any number of times.
func (c *Channel) Close() {
	c.loop.Post(c.doClose)
}

func (c *Channel) IsOpen() bool {
	return c.open
}

func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SendBufferNow is the number of bytes queued or in flight.
func (c *Channel) SendBufferNow() uint64 {
	return c.sendBufferNow
}

func (c *Channel) Config() Config {
	return c.cfg
}

func (c *Channel) Loop() *reactor.Loop {
	return c.loop
}

func (c *Channel) violation(msg string, size uint64) {
	c.logger.Error(msg,
		zap.Uint64("size", size),
		zap.Uint32("max_body_size", c.cfg.MaxBodySize),
		zap.Uint32("max_send_buffer_size", c.cfg.MaxSendBufferSize))
	c.sink.IncrCounterWithLabels(MetricChannelViolationCount, 1, c.labels)
	c.closing = true
	c.Close()
}

func (c *Channel) readHeader() {
	tok, conn := c.tok, c.conn
	go func() {
		var h [protocol.HeaderSize]byte
		_, err := io.ReadFull(conn, h[:])
		c.loop.Post(func() {
			if !tok.alive {
				return
			}
			if err != nil {
				c.readFailed(err)
				return
			}
			c.onHeader(protocol.ParseHeader(h[:]))
		})
	}()
}

func (c *Channel) onHeader(length uint32) {
	if length > c.cfg.MaxBodySize {
		c.logger.Error("transport: inbound body exceeds max body size",
			zap.Uint32("length", length), zap.Uint32("max_body_size", c.cfg.MaxBodySize))
		c.sink.IncrCounterWithLabels(MetricChannelViolationCount, 1, c.labels)
		c.Close()
		return
	}
	if length == 0 {
		c.deliver(&protocol.Message{Body: []byte{}})
		return
	}

	msg := &protocol.Message{Length: length, Body: make([]byte, length)}
	tok, conn := c.tok, c.conn
	go func() {
		_, err := io.ReadFull(conn, msg.Body)
		c.loop.Post(func() {
			if !tok.alive {
				return
			}
			if err != nil {
				c.readFailed(err)
				return
			}
			c.deliver(msg)
		})
	}()
}

func (c *Channel) deliver(msg *protocol.Message) {
	c.sink.IncrCounterWithLabels(MetricChannelInBytes, float32(protocol.HeaderSize+len(msg.Body)), c.labels)
	c.sink.IncrCounterWithLabels(MetricChannelInMessages, 1, c.labels)
	if c.OnData != nil {
		c.OnData(msg.Body)
	}
	if c.tok.alive {
		c.readHeader()
	}
}

func (c *Channel) readSome() {
	tok, conn, buf := c.tok, c.conn, c.readBuf
	go func() {
		n, err := conn.Read(buf)
		var data []byte
		if n > 0 {
			data = make([]byte, n)
			copy(data, buf[:n])
		}
		c.loop.Post(func() {
			if !tok.alive {
				return
			}
			if len(data) > 0 {
				c.sink.IncrCounterWithLabels(MetricChannelInBytes, float32(len(data)), c.labels)
				if c.OnData != nil {
					c.OnData(data)
				}
			}
			switch {
			case err != nil:
				c.readFailed(err)
			case len(data) == 0:
				c.readFailed(io.ErrNoProgress)
			case tok.alive:
				c.readSome()
			}
		})
	}()
}

func (c *Channel) readFailed(err error) {
	if errors.Is(err, io.EOF) {
		c.logger.Debug("transport: peer closed")
	} else {
		c.logger.Debug("transport: read failed", zap.Error(err))
	}
	c.Close()
}

func (c *Channel) write(tok *token, payload []byte) {
	var bufs net.Buffers
	if c.cfg.AutoPack {
		bufs = protocol.NewMessage(payload).Buffers()
	} else {
		bufs = net.Buffers{payload}
	}
	wire := 0
	for _, b := range bufs {
		wire += len(b)
	}

	conn := c.conn
	go func() {
		_, err := bufs.WriteTo(conn)
		c.loop.Post(func() {
			c.onWrite(tok, len(payload), wire, err)
		})
	}()
}

func (c *Channel) onWrite(tok *token, size, wire int, err error) {
	if !tok.alive {
		return
	}
	if err != nil {
		c.logger.Debug("transport: write failed", zap.Error(err))
		c.Close()
		return
	}

	c.sendBufferNow -= uint64(size)
	c.sink.IncrCounterWithLabels(MetricChannelOutBytes, float32(wire), c.labels)
	c.sink.IncrCounterWithLabels(MetricChannelOutMessages, 1, c.labels)

	if len(c.pending) == 0 {
		c.writing = false
		c.pending = nil
		return
	}
	next := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	c.loop.Post(func() {
		if tok.alive {
			c.write(tok, next)
		}
	})
}

func (c *Channel) resetData() {
	c.pending = nil
	c.writing = false
	c.sendBufferNow = 0
}

func (c *Channel) doClose() {
	c.resetData()
	if !c.open {
		return
	}
	c.open = false
	c.closing = false
	c.tok.alive = false

	if err := c.conn.Close(); err != nil {
		c.logger.Debug("transport: close conn", zap.Error(err))
	}
	c.sink.IncrCounterWithLabels(MetricChannelCloseCount, 1, c.labels)
	c.logger.Debug("transport: channel closed")

	if c.OnClose != nil {
		c.OnClose()
	}
}
