// Package rpc binds request/response engines to framed channels.
//
// A Session ties one engine to one channel's lifetime. When the channel
// closes, the session tears down in a fixed order:
//
//	engine.SetReady(false) → ping timer stopped → OnClose → (next tick) release
//
// The release is deferred with reactor.Loop.Defer, so response callbacks
// already queued in the current loop iteration still see a bound session.
// Done is closed once the release has run.
package rpc

import (
	"errors"
	"time"

	"framenet/engine"
	"framenet/reactor"
	"framenet/transport"

	"go.uber.org/zap"
)

var (
	ErrEngineBound = errors.New("rpc: engine is already bound to a live channel")
	ErrNoInvoker   = errors.New("rpc: engine cannot issue calls")
	ErrNotOpen     = errors.New("rpc: no open session")
)

// Session is confined to its loop, except Close and Done.
type Session struct {
	loop   *reactor.Loop
	cfg    Config
	logger *zap.Logger

	ch        *transport.Channel // nil once released
	engine    Engine
	pingTimer *reactor.Timer
	closed    bool
	done      chan struct{}

	// OnClose runs once, after the engine went not-ready and keepalive stopped.
	OnClose func()
}

func NewSession(loop *reactor.Loop, cfg Config) *Session {
	cfg = cfg.normalize()
	return &Session{
		loop:   loop,
		cfg:    cfg,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}
}

// Bind attaches the session to ch and marks the engine ready.
//
// A shared engine that is still ready belongs to another live channel: ch is
// closed and ErrEngineBound returned. A close handler already installed on
// ch keeps running, after the session's own.
func (s *Session) Bind(ch *transport.Channel) error {
	eng := s.cfg.Engine
	if eng != nil && eng.IsReady() {
		s.logger.Error("rpc: engine already bound, refusing channel", transport.LabelPeerAddr.L(ch.RemoteAddr()))
		ch.Close()
		return ErrEngineBound
	}
	if eng == nil {
		opts := append([]engine.Option{engine.WithLogger(s.logger)}, s.cfg.EngineOptions...)
		eng = engine.New(opts...)
	}

	s.ch = ch
	s.engine = eng
	s.logger = s.logger.With(transport.LabelPeerAddr.L(ch.RemoteAddr()))

	ch.OnData = func(data []byte) {
		eng.OnRecvPackage(data)
	}
	next := ch.OnClose
	ch.OnClose = func() {
		s.onChannelClose()
		if next != nil {
			next()
		}
	}
	eng.SetSendPackage(func(data []byte) {
		ch.Send(data)
	})
	eng.SetTimer(func(d time.Duration, fire func()) {
		s.loop.AfterFunc(d, fire)
	})
	eng.SetReady(true)

	s.schedulePing()
	return nil
}

func (s *Session) Engine() Engine {
	return s.engine
}

// Channel returns the bound channel, nil before Bind and after release.
func (s *Session) Channel() *transport.Channel {
	return s.ch
}

// Close closes the underlying channel. Safe from any goroutine.
func (s *Session) Close() {
	s.loop.Post(func() {
		if s.ch != nil {
			s.ch.Close()
		}
	})
}

// Done is closed when the session has been released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) schedulePing() {
	if s.cfg.PingInterval <= 0 || s.closed {
		return
	}
	s.pingTimer = s.loop.AfterFunc(s.cfg.PingInterval, s.ping)
}

func (s *Session) ping() {
	s.pingTimer = nil
	if s.closed || !s.engine.IsReady() {
		return
	}
	s.engine.Ping(s.cfg.PongTimeout, s.schedulePing, func() {
		s.logger.Warn("rpc: ping timeout, closing", zap.Duration("pong_timeout", s.cfg.PongTimeout))
		s.cfg.MetricSink.IncrCounterWithLabels(transport.MetricSessionPingTimeoutCount, 1, nil)
		s.stopPing()
		s.ch.Close()
	})
}

func (s *Session) stopPing() {
	s.pingTimer.Stop()
	s.pingTimer = nil
}

func (s *Session) onChannelClose() {
	s.closed = true
	s.engine.SetReady(false)
	s.stopPing()
	if s.OnClose != nil {
		s.OnClose()
	}
	s.loop.Defer(s.release)
}

func (s *Session) release() {
	s.ch = nil
	close(s.done)
	s.logger.Debug("rpc: session released")
}
