package rpc

import (
	"time"

	"framenet/engine"
	"framenet/transport"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
)

const DefaultPongTimeout = 5 * time.Second

// Engine is what a Session needs from the request/response multiplexer it
// binds to a channel. *engine.Engine implements it.
type Engine interface {
	OnRecvPackage(data []byte)
	SetSendPackage(fn func(data []byte))
	SetReady(ready bool)
	IsReady() bool
	SetTimer(fn func(d time.Duration, fire func()))
	Ping(timeout time.Duration, onPong func(), onTimeout func())
}

// Invoker is implemented by engines that can issue calls. Client.Call needs it.
type Invoker interface {
	Invoke(cmd string, payload []byte, timeout time.Duration, done func(payload []byte, err error))
}

// Config configures RPC sessions and the channels under them.
type Config struct {
	// Engine is shared by every session when set, so at most one session can
	// be live at a time. When nil each session creates its own engine from
	// EngineOptions.
	Engine        Engine
	EngineOptions []engine.Option

	PingInterval time.Duration // 0 disables keepalive
	PongTimeout  time.Duration // defaults to DefaultPongTimeout

	EnableIPv6           bool
	MaxBodySize          uint32
	MaxSendBufferSize    uint32
	SocketSendBufferSize uint32
	SocketRecvBufferSize uint32

	Logger     *zap.Logger
	MetricSink metrics.MetricSink
}

// TransportConfig derives the channel config. RPC always runs framed.
func (c Config) TransportConfig() transport.Config {
	return transport.Config{
		AutoPack:             true,
		EnableIPv6:           c.EnableIPv6,
		MaxBodySize:          c.MaxBodySize,
		MaxSendBufferSize:    c.MaxSendBufferSize,
		SocketSendBufferSize: c.SocketSendBufferSize,
		SocketRecvBufferSize: c.SocketRecvBufferSize,
	}
}

func (c Config) normalize() Config {
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.MetricSink == nil {
		c.MetricSink = &metrics.BlackholeSink{}
	}
	return c
}
