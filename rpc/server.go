package rpc

import (
	"net"

	"framenet/reactor"
	"framenet/server"
)

// Server binds a Session to every accepted channel.
type Server struct {
	loop *reactor.Loop
	cfg  Config
	srv  *server.Server

	// OnSession runs on the loop once the session is bound and its engine
	// ready. Handlers registered here are in place before the first request.
	OnSession        func(s *Session)
	OnHandshakeError func(err error)
}

func NewServer(loop *reactor.Loop, port uint16, cfg Config, opts ...server.Option) (*Server, error) {
	cfg = cfg.normalize()
	srv, err := server.Listen(loop, port, cfg.TransportConfig(), serverOptions(cfg, opts)...)
	if err != nil {
		return nil, err
	}
	return newServer(loop, cfg, srv), nil
}

func NewUnixServer(loop *reactor.Loop, path string, cfg Config, opts ...server.Option) (*Server, error) {
	cfg = cfg.normalize()
	srv, err := server.ListenUnix(loop, path, cfg.TransportConfig(), serverOptions(cfg, opts)...)
	if err != nil {
		return nil, err
	}
	return newServer(loop, cfg, srv), nil
}

func serverOptions(cfg Config, opts []server.Option) []server.Option {
	base := []server.Option{server.WithLogger(cfg.Logger), server.WithMetricSink(cfg.MetricSink)}
	return append(base, opts...)
}

func newServer(loop *reactor.Loop, cfg Config, srv *server.Server) *Server {
	s := &Server{loop: loop, cfg: cfg, srv: srv}
	srv.OnSession = s.onSession
	srv.OnHandshakeError = func(err error) {
		if s.OnHandshakeError != nil {
			s.OnHandshakeError(err)
		}
	}
	return s
}

func (s *Server) onSession(ss *server.Session) {
	sess := NewSession(s.loop, s.cfg)
	if err := sess.Bind(ss.Channel); err != nil {
		return
	}
	if s.OnSession != nil {
		s.OnSession(sess)
	}
}

// Start begins accepting. With runLoop it also drives the loop on the
// calling goroutine.
func (s *Server) Start(runLoop bool) {
	s.srv.Start(runLoop)
}

func (s *Server) Addr() net.Addr {
	return s.srv.Addr()
}

// Close stops accepting. Live sessions are not closed.
func (s *Server) Close() error {
	return s.srv.Close()
}
