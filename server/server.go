// Package server implements the accepting server.
//
// The accept loop runs on its own goroutine and hands every connection to the
// reactor loop. TLS handshakes run off-loop as well, so a slow or hostile peer
// never stalls the loop or the acceptor:
//
//	acceptLoop ──Accept──→ (rate limit) ──→ handshake goroutine ──Post──→ loop
//	                                                                  │
//	                                  newSession → Start → OnSession ◄┘
//
// The server keeps no reference to the sessions it creates. A session lives
// as long as the application holds it or one of its reads or writes is in
// flight.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"framenet/reactor"
	"framenet/transport"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultHandshakeTimeout = 10 * time.Second

// Session is one accepted connection.
type Session struct {
	*transport.Channel
}

// Server accepts connections and turns each one into a Session.
type Server struct {
	loop   *reactor.Loop
	ln     net.Listener
	cfg    transport.Config
	opts   options
	logger *zap.Logger

	limiter  *rate.Limiter // nil when accepts are not throttled
	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	shutdown atomic.Bool // set before the listener closes, silences the Accept error

	// OnSession runs on the loop for every established session. The read
	// loop has already been started, so OnData must be set before it returns.
	OnSession func(s *Session)
	// OnHandshakeError reports a failed TLS handshake. No session exists.
	OnHandshakeError func(err error)
}

type options struct {
	logger           *zap.Logger
	sink             metrics.MetricSink
	tls              *tls.Config
	quic             *tls.Config
	acceptRate       rate.Limit
	acceptBurst      int
	handshakeTimeout time.Duration
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

// WithTLS runs a server-side TLS handshake on every accepted connection.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) {
		o.tls = cfg
	}
}

// WithQUIC listens on UDP and accepts one QUIC stream per connection.
func WithQUIC(cfg *tls.Config) Option {
	return func(o *options) {
		o.quic = cfg
	}
}

// WithAcceptRate throttles the accept loop with a token bucket.
func WithAcceptRate(r rate.Limit, burst int) Option {
	return func(o *options) {
		o.acceptRate = r
		o.acceptBurst = burst
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

func buildOptions(opts []Option) options {
	o := options{handshakeTimeout: DefaultHandshakeTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.sink == nil {
		o.sink = &metrics.BlackholeSink{}
	}
	return o
}

// Listen binds port on the IPv4 or IPv6 wildcard address, as selected by
// cfg.EnableIPv6. Port 0 picks a free port, see Addr.
func Listen(loop *reactor.Loop, port uint16, cfg transport.Config, opts ...Option) (*Server, error) {
	o := buildOptions(opts)

	var (
		ln  net.Listener
		err error
	)
	if o.quic != nil {
		host := "0.0.0.0"
		if cfg.EnableIPv6 {
			host = "::"
		}
		ln, err = transport.ListenQUIC(net.JoinHostPort(host, strconv.Itoa(int(port))), o.quic)
	} else {
		ln, err = transport.ListenTCP(port, cfg.EnableIPv6)
	}
	if err != nil {
		return nil, err
	}
	return newServer(loop, ln, cfg, o), nil
}

// ListenUnix binds a domain socket at path.
func ListenUnix(loop *reactor.Loop, path string, cfg transport.Config, opts ...Option) (*Server, error) {
	o := buildOptions(opts)
	ln, err := transport.ListenUnix(path)
	if err != nil {
		return nil, err
	}
	return newServer(loop, ln, cfg, o), nil
}

func newServer(loop *reactor.Loop, ln net.Listener, cfg transport.Config, o options) *Server {
	s := &Server{
		loop:   loop,
		ln:     ln,
		cfg:    cfg,
		opts:   o,
		logger: o.logger.With(transport.LabelNetwork.L(ln.Addr().Network()), transport.LabelLocalAddr.L(ln.Addr())),
	}
	if o.acceptRate > 0 {
		s.limiter = rate.NewLimiter(o.acceptRate, max(o.acceptBurst, 1))
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start begins accepting. With runLoop it also drives the loop on the calling
// goroutine until the loop is stopped.
func (s *Server) Start(runLoop bool) {
	if s.started.CompareAndSwap(false, true) {
		go s.acceptLoop()
	}
	if runLoop {
		s.loop.Run()
	}
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) Loop() *reactor.Loop {
	return s.loop
}

// Close stops accepting. Established sessions are not affected.
func (s *Server) Close() error {
	s.shutdown.Store(true)
	s.cancel()
	return s.ln.Close()
}

func (s *Server) acceptLoop() {
	s.logger.Debug("server: accepting")
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		conn, err := s.ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("server: accept timeout", zap.Error(err))
				continue
			}
			s.logger.Error("server: accept failed, no longer accepting", zap.Error(err))
			return
		}

		s.opts.sink.IncrCounterWithLabels(transport.MetricServerAcceptCount, 1, nil)
		if s.opts.tls != nil {
			go s.handshake(conn)
			continue
		}
		s.loop.Post(func() {
			s.newSession(conn)
		})
	}
}

func (s *Server) handshake(conn net.Conn) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.handshakeTimeout)
	defer cancel()

	tc, err := transport.Handshake(ctx, conn, s.opts.tls, true)
	s.loop.Post(func() {
		if err != nil && s.shutdown.Load() {
			s.logger.Debug("server: handshake abandoned on close",
				transport.LabelPeerAddr.L(conn.RemoteAddr()), zap.Error(err))
			return
		}
		if err != nil {
			s.logger.Warn("server: handshake failed",
				transport.LabelPeerAddr.L(conn.RemoteAddr()), zap.Error(err))
			s.opts.sink.IncrCounterWithLabels(transport.MetricServerHandshakeErrCount, 1, nil)
			if s.OnHandshakeError != nil {
				s.OnHandshakeError(err)
			}
			return
		}
		s.newSession(tc)
	})
}

func (s *Server) newSession(conn net.Conn) {
	ch := transport.NewChannel(s.loop, conn, s.cfg,
		transport.WithLogger(s.opts.logger),
		transport.WithMetricSink(s.opts.sink))
	sess := &Session{Channel: ch}

	s.logger.Debug("server: session", transport.LabelPeerAddr.L(conn.RemoteAddr()))
	ch.Start()
	if s.OnSession != nil {
		s.OnSession(sess)
	}
}
