package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// DefaultALPN is negotiated when the TLS config carries no NextProtos.
const DefaultALPN = "framenet"

// The dialer announces its stream with one preamble byte. QUIC streams only
// become visible to AcceptStream once data arrives on them, and the accepting
// side must learn about a connection before the first application frame.
const streamPreamble byte = 0xF7

const streamAcceptTimeout = 10 * time.Second

var (
	QErrClosed          = quic.ApplicationErrorCode(0x1)
	QErrProtocol        = quic.ApplicationErrorCode(0x2)
	QErrStreamCancelled = quic.StreamErrorCode(0x1)
)

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:     time.Minute,
		KeepAlivePeriod:    15 * time.Second,
		MaxIncomingStreams: 1,
	}
}

func withALPN(cfg *tls.Config) *tls.Config {
	cfg = cfg.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{DefaultALPN}
	}
	return cfg
}

// streamConn exposes the single bidirectional stream of a QUIC connection as
// a net.Conn. Closing it tears the whole connection down.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *streamConn) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *streamConn) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *streamConn) Close() error {
	s.Stream.CancelRead(QErrStreamCancelled)
	err := s.Stream.Close()
	if cerr := s.conn.CloseWithError(QErrClosed, "closed"); err == nil {
		err = cerr
	}
	return err
}

// DialQUIC connects to the first reachable endpoint and opens the stream that
// carries the channel.
func DialQUIC(ctx context.Context, endpoints []string, tlsCfg *tls.Config) (net.Conn, error) {
	if tlsCfg == nil {
		return nil, ErrNoTLSConfig
	}
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoint
	}
	tlsCfg = withALPN(tlsCfg)

	var errs []error
	for _, ep := range endpoints {
		conn, err := quic.DialAddr(ctx, ep, tlsCfg, quicConfig())
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(QErrClosed, "open stream")
			return nil, fmt.Errorf("transport: quic open stream: %w", err)
		}
		if _, err := stream.Write([]byte{streamPreamble}); err != nil {
			conn.CloseWithError(QErrClosed, "preamble")
			return nil, fmt.Errorf("transport: quic preamble: %w", err)
		}
		return &streamConn{Stream: stream, conn: conn}, nil
	}
	return nil, fmt.Errorf("transport: quic dial: %w", errors.Join(errs...))
}

// quicListener adapts a QUIC listener to net.Listener. Every accepted QUIC
// connection yields exactly one streamConn.
type quicListener struct {
	ln     *quic.Listener
	conns  chan net.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// ListenQUIC binds addr over UDP.
func ListenQUIC(addr string, tlsCfg *tls.Config) (net.Listener, error) {
	if tlsCfg == nil {
		return nil, ErrNoTLSConfig
	}
	ln, err := quic.ListenAddr(addr, withALPN(tlsCfg), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:     ln,
		conns:  make(chan net.Conn),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.acceptLoop()
	return l, nil
}

func (l *quicListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			l.fail(err)
			return
		}
		go l.acceptStream(conn)
	}
}

func (l *quicListener) acceptStream(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, streamAcceptTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(QErrProtocol, "no stream")
		return
	}

	stream.SetReadDeadline(time.Now().Add(streamAcceptTimeout))
	var pre [1]byte
	if _, err := io.ReadFull(stream, pre[:]); err != nil || pre[0] != streamPreamble {
		conn.CloseWithError(QErrProtocol, "bad preamble")
		return
	}
	stream.SetReadDeadline(time.Time{})

	select {
	case l.conns <- &streamConn{Stream: stream, conn: conn}:
	case <-l.ctx.Done():
		conn.CloseWithError(QErrClosed, "listener closed")
	}
}

func (l *quicListener) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.cancel()
}

func (l *quicListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.err == nil || errors.Is(l.err, context.Canceled) || errors.Is(l.err, quic.ErrServerClosed) {
			return nil, net.ErrClosed
		}
		return nil, l.err
	}
}

func (l *quicListener) Close() error {
	l.fail(net.ErrClosed)
	return l.ln.Close()
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}
