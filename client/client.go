// Package client implements the reconnecting client.
//
// A Client remembers how it was opened (host and port, or a domain socket
// path) as a replayable recipe. When a connection attempt fails or an open
// channel closes, and reconnect is enabled, a one-shot timer replays the
// recipe after a fixed interval:
//
//	Idle ──Open──→ Connecting ──ok──→ Open ──close/error──→ Idle
//	                  │                                       │
//	                  └──fail──→ Idle ──(reconnect)──→ ReconnectWait ──timer──→ Connecting
//
//	any state ──Close──→ Closed
//
// Retry is unlimited and uses no backoff. Resolution, connection and TLS
// failures are all retried the same way.
package client

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"framenet/reactor"
	"framenet/transport"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
)

const DefaultDialTimeout = 30 * time.Second

// State is the connection state of a Client.
type State int32

const (
	Idle State = iota
	Connecting
	Open
	ReconnectWait
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case ReconnectWait:
		return "reconnect-wait"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// attempt guards the completion of one connection attempt.
type attempt struct {
	alive bool
}

// Client owns at most one live channel at a time. Its state is confined to the
// loop: Open, OpenUnix, SetReconnect, CancelReconnect, Close and Stop post
// their work and are safe from any goroutine, State and IsOpen may be read
// from anywhere, everything else runs on the loop goroutine.
type Client struct {
	loop   *reactor.Loop
	cfg    transport.Config
	opts   options
	logger *zap.Logger

	state   atomic.Int32
	ch      *transport.Channel
	openFn  func() // replayable open recipe
	attempt *attempt

	reconnect         bool
	reconnectInterval time.Duration
	reconnectTimer    *reactor.Timer

	OnOpen       func()
	OnOpenFailed func(err error)
	OnClose      func()
	OnData       func(data []byte)
}

type options struct {
	logger      *zap.Logger
	sink        metrics.MetricSink
	tls         *tls.Config
	quic        *tls.Config
	dialTimeout time.Duration
}

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

// WithTLS performs a TLS handshake after every TCP or Unix connect.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) {
		o.tls = cfg
	}
}

// WithQUIC carries the channel over a QUIC stream instead of TCP.
func WithQUIC(cfg *tls.Config) Option {
	return func(o *options) {
		o.quic = cfg
	}
}

// WithDialTimeout bounds one resolve, connect and handshake sequence.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

func New(loop *reactor.Loop, cfg transport.Config, opts ...Option) *Client {
	o := options{dialTimeout: DefaultDialTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.sink == nil {
		o.sink = &metrics.BlackholeSink{}
	}
	return &Client{
		loop:   loop,
		cfg:    cfg,
		opts:   o,
		logger: o.logger,
	}
}

// Open connects to host:port and remembers the target for reconnects.
func (c *Client) Open(host string, port uint16) {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	c.loop.Post(func() {
		network := "tcp"
		if c.opts.quic != nil {
			network = "quic"
		}
		c.openFn = func() {
			c.connect(network, target, func(ctx context.Context) (net.Conn, error) {
				return c.dialNetwork(ctx, host, port)
			})
		}
		c.openFn()
	})
}

// OpenUnix connects to the domain socket at path.
func (c *Client) OpenUnix(path string) {
	c.loop.Post(func() {
		c.openFn = func() {
			c.connect("unix", path, func(ctx context.Context) (net.Conn, error) {
				return c.dialUnix(ctx, path)
			})
		}
		c.openFn()
	})
}

func (c *Client) dialNetwork(ctx context.Context, host string, port uint16) (net.Conn, error) {
	endpoints, err := transport.Resolve(ctx, host, port, c.cfg.EnableIPv6)
	if err != nil {
		return nil, err
	}
	if c.opts.quic != nil {
		return transport.DialQUIC(ctx, endpoints, c.opts.quic)
	}
	conn, err := transport.Connect(ctx, "tcp", endpoints)
	if err != nil {
		return nil, err
	}
	if c.opts.tls != nil {
		return transport.Handshake(ctx, conn, c.opts.tls, false)
	}
	return conn, nil
}

func (c *Client) dialUnix(ctx context.Context, path string) (net.Conn, error) {
	conn, err := transport.Connect(ctx, "unix", []string{path})
	if err != nil {
		return nil, err
	}
	if c.opts.tls != nil {
		return transport.Handshake(ctx, conn, c.opts.tls, false)
	}
	return conn, nil
}

// connect replaces any open channel: the old one stops delivering data and
// is closed without running the client's close path.
func (c *Client) connect(network, target string, dial func(context.Context) (net.Conn, error)) {
	if c.attempt != nil {
		c.attempt.alive = false
	}
	if old := c.ch; old != nil {
		c.ch = nil
		if old.IsOpen() {
			old.OnData = nil
			old.Close()
		}
	}
	att := &attempt{alive: true}
	c.attempt = att
	c.setState(Connecting)

	logger := c.logger.With(transport.LabelNetwork.L(network), zap.String("target", target))
	logger.Debug("client: connecting")

	timeout := c.opts.dialTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		conn, err := dial(ctx)
		c.loop.Post(func() {
			c.onConnected(att, logger, conn, err)
		})
	}()
}

func (c *Client) onConnected(att *attempt, logger *zap.Logger, conn net.Conn, err error) {
	if !att.alive {
		if conn != nil {
			conn.Close()
		}
		return
	}
	att.alive = false

	if err != nil {
		logger.Warn("client: open failed", zap.Error(err))
		c.opts.sink.IncrCounterWithLabels(transport.MetricClientOpenErrorCount, 1, nil)
		c.setState(Idle)
		if c.OnOpenFailed != nil {
			c.OnOpenFailed(err)
		}
		c.CheckReconnect()
		return
	}

	ch := transport.NewChannel(c.loop, conn, c.cfg,
		transport.WithLogger(c.logger),
		transport.WithMetricSink(c.opts.sink))
	ch.OnData = func(data []byte) {
		if c.ch == ch && c.OnData != nil {
			c.OnData(data)
		}
	}
	ch.OnClose = func() {
		c.onChannelClose(ch)
	}
	c.ch = ch

	c.setState(Open)
	c.stopReconnectTimer()
	c.opts.sink.IncrCounterWithLabels(transport.MetricClientOpenCount, 1, nil)
	logger.Debug("client: open", transport.LabelLocalAddr.L(ch.LocalAddr()))

	if c.OnOpen != nil {
		c.OnOpen()
	}
	ch.Start()
}

func (c *Client) onChannelClose(ch *transport.Channel) {
	if c.ch != ch {
		return
	}
	if c.State() == Open {
		c.setState(Idle)
	}
	if c.OnClose != nil {
		c.OnClose()
	}
	c.CheckReconnect()
}

// CheckReconnect arms the reconnect timer unless reconnect is disabled or
// the client is open, connecting or closed.
func (c *Client) CheckReconnect() {
	if !c.reconnect || c.openFn == nil {
		return
	}
	switch c.State() {
	case Open, Connecting, Closed:
		return
	}

	c.stopReconnectTimer()
	c.setState(ReconnectWait)
	c.logger.Debug("client: reconnect scheduled", zap.Duration("interval", c.reconnectInterval))
	c.reconnectTimer = c.loop.AfterFunc(c.reconnectInterval, func() {
		c.reconnectTimer = nil
		if c.State() != ReconnectWait {
			return
		}
		c.opts.sink.IncrCounterWithLabels(transport.MetricClientReconnectCount, 1, nil)
		c.openFn()
	})
}

// SetReconnect enables retrying failed or lost connections every d.
// A non-positive d disables reconnect.
func (c *Client) SetReconnect(d time.Duration) {
	c.loop.Post(func() {
		if d <= 0 {
			c.cancelReconnect()
			return
		}
		c.reconnect = true
		c.reconnectInterval = d
	})
}

func (c *Client) CancelReconnect() {
	c.loop.Post(c.cancelReconnect)
}

func (c *Client) cancelReconnect() {
	c.reconnect = false
	c.stopReconnectTimer()
	if c.State() == ReconnectWait {
		c.setState(Idle)
	}
}

func (c *Client) stopReconnectTimer() {
	c.reconnectTimer.Stop()
	c.reconnectTimer = nil
}

// Close cancels reconnect, abandons any attempt in progress and closes the
// channel. The client stays Closed until the next Open.
func (c *Client) Close() {
	c.loop.Post(c.close)
}

func (c *Client) close() {
	c.cancelReconnect()
	if c.attempt != nil {
		c.attempt.alive = false
	}
	c.setState(Closed)
	if c.ch != nil {
		c.ch.Close()
	}
}

// Send forwards payload to the open channel and drops it otherwise.
// Loop goroutine only, see transport.Channel.Send.
func (c *Client) Send(payload []byte) {
	if c.ch == nil || !c.IsOpen() {
		c.logger.Debug("client: send while not open", zap.Int("size", len(payload)))
		return
	}
	c.ch.Send(payload)
}

func (c *Client) TrySend(payload []byte) error {
	if c.ch == nil || !c.IsOpen() {
		return transport.ErrClosed
	}
	return c.ch.TrySend(payload)
}

// Channel returns the most recent channel, nil before the first open.
func (c *Client) Channel() *transport.Channel {
	return c.ch
}

func (c *Client) Loop() *reactor.Loop {
	return c.loop
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) IsOpen() bool {
	return c.State() == Open
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Run drives the loop on the calling goroutine until Stop.
func (c *Client) Run() {
	c.loop.Run()
}

// Stop closes the client, then stops the loop once the close has run.
func (c *Client) Stop() {
	c.loop.Post(func() {
		c.close()
		c.loop.Post(c.loop.Stop)
	})
}
