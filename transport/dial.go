package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
)

// Resolve looks host up and returns "ip:port" endpoints. Endpoints of the
// preferred family come first, the relative resolver order is kept otherwise.
func Resolve(ctx context.Context, host string, port uint16, preferIPv6 bool) ([]string, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", host, err)
	}

	slices.SortStableFunc(addrs, func(a, b net.IPAddr) int {
		return familyRank(a.IP, preferIPv6) - familyRank(b.IP, preferIPv6)
	})

	p := strconv.Itoa(int(port))
	endpoints := make([]string, 0, len(addrs))
	for _, a := range addrs {
		endpoints = append(endpoints, net.JoinHostPort(a.IP.String(), p))
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: %q resolved to nothing", ErrNoEndpoint, host)
	}
	return endpoints, nil
}

func familyRank(ip net.IP, preferIPv6 bool) int {
	isV6 := ip.To4() == nil
	if isV6 == preferIPv6 {
		return 0
	}
	return 1
}

// Connect dials each endpoint in order and returns the first connection that
// succeeds.
func Connect(ctx context.Context, network string, endpoints []string) (net.Conn, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoint
	}

	var (
		d    net.Dialer
		errs []error
	)
	for _, ep := range endpoints {
		conn, err := d.DialContext(ctx, network, ep)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("transport: connect: %w", errors.Join(errs...))
}

// Handshake runs the TLS handshake over conn. On failure conn is closed.
func Handshake(ctx context.Context, conn net.Conn, cfg *tls.Config, isServer bool) (net.Conn, error) {
	if cfg == nil {
		conn.Close()
		return nil, ErrNoTLSConfig
	}

	var tc *tls.Conn
	if isServer {
		tc = tls.Server(conn, cfg)
	} else {
		tc = tls.Client(conn, cfg)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: tls handshake: %w", err)
	}
	return tc, nil
}

// ListenTCP binds the IPv4 or IPv6 wildcard address on port.
func ListenTCP(port uint16, enableIPv6 bool) (net.Listener, error) {
	network, host := "tcp4", "0.0.0.0"
	if enableIPv6 {
		network, host = "tcp6", "::"
	}
	ln, err := net.Listen(network, net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return ln, nil
}

// ListenUnix binds a domain socket at path, replacing a stale socket file.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("transport: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return ln, nil
}
