package transport

import "math"

// DefaultReadBufferSize is the raw-stream read buffer size used when
// MaxBodySize is left unset and framing is off.
const DefaultReadBufferSize = 1024

// Config is the per-connection policy of a Channel.
//
// Zero values mean "unset". The config is normalized once when the channel
// is constructed and never changes afterwards.
type Config struct {
	AutoPack   bool // prefix every message with its length
	EnableIPv6 bool // prefer IPv6 endpoints when resolving, listen on [::]

	// MaxBodySize bounds a single framed message. With AutoPack off it is
	// reinterpreted as the raw-stream read buffer size.
	MaxBodySize uint32
	// MaxSendBufferSize bounds the bytes queued or in flight for writing.
	MaxSendBufferSize uint32

	SocketSendBufferSize uint32 // SO_SNDBUF, 0 keeps the OS default
	SocketRecvBufferSize uint32 // SO_RCVBUF, 0 keeps the OS default
}

// Normalize fills the unset limits with their defaults.
func (c Config) Normalize() Config {
	if c.MaxBodySize == 0 {
		if c.AutoPack {
			c.MaxBodySize = math.MaxUint32
		} else {
			c.MaxBodySize = DefaultReadBufferSize
		}
	}
	if c.MaxSendBufferSize == 0 {
		c.MaxSendBufferSize = math.MaxUint32
	}
	return c
}
