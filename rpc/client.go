package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"framenet/client"
	"framenet/reactor"

	"go.uber.org/zap"
)

// Client keeps one RPC session on top of a reconnecting client.Client.
// A lost session, including one closed by a ping timeout, goes through the
// client's reconnect check.
type Client struct {
	loop    *reactor.Loop
	cfg     Config
	logger  *zap.Logger
	client  *client.Client
	session *Session

	OnOpen       func(e Engine)
	OnOpenFailed func(err error)
	OnClose      func()
}

// NewClient builds a client whose channels carry cfg's limits. The logger and
// metric sink of cfg apply unless opts override them.
func NewClient(loop *reactor.Loop, cfg Config, opts ...client.Option) *Client {
	cfg = cfg.normalize()
	base := []client.Option{client.WithLogger(cfg.Logger), client.WithMetricSink(cfg.MetricSink)}

	c := &Client{
		loop:   loop,
		cfg:    cfg,
		logger: cfg.Logger,
		client: client.New(loop, cfg.TransportConfig(), append(base, opts...)...),
	}
	c.client.OnOpen = c.onOpen
	c.client.OnOpenFailed = func(err error) {
		if c.OnOpenFailed != nil {
			c.OnOpenFailed(err)
		}
	}
	return c
}

func (c *Client) onOpen() {
	sess := NewSession(c.loop, c.cfg)
	sess.OnClose = func() {
		if c.session == sess {
			c.session = nil
		}
		if c.OnClose != nil {
			c.OnClose()
		}
	}
	if err := sess.Bind(c.client.Channel()); err != nil {
		if c.OnOpenFailed != nil {
			c.OnOpenFailed(err)
		}
		return
	}
	c.session = sess
	if c.OnOpen != nil {
		c.OnOpen(sess.Engine())
	}
}

func (c *Client) Open(host string, port uint16) {
	c.client.Open(host, port)
}

func (c *Client) OpenUnix(path string) {
	c.client.OpenUnix(path)
}

func (c *Client) Close() {
	c.client.Close()
}

func (c *Client) SetReconnect(d time.Duration) {
	c.client.SetReconnect(d)
}

func (c *Client) CancelReconnect() {
	c.client.CancelReconnect()
}

func (c *Client) Config() Config {
	return c.cfg
}

// Session returns the live session, nil when there is none. Loop goroutine
// only.
func (c *Client) Session() *Session {
	return c.session
}

func (c *Client) State() client.State {
	return c.client.State()
}

func (c *Client) Run() {
	c.client.Run()
}

func (c *Client) Stop() {
	c.client.Stop()
}

type callResult struct {
	payload []byte
	err     error
}

// Call invokes method with JSON encoded args and decodes the answer into
// reply. It blocks until the answer arrives, the call fails or ctx is done,
// and must not be called from the loop goroutine. The ctx deadline, if any,
// also bounds the engine-side timeout.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("rpc: encode args: %w", err)
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	done := make(chan callResult, 1)
	c.loop.Post(func() {
		if c.session == nil {
			done <- callResult{err: ErrNotOpen}
			return
		}
		inv, ok := c.session.Engine().(Invoker)
		if !ok {
			done <- callResult{err: ErrNoInvoker}
			return
		}
		inv.Invoke(method, payload, timeout, func(p []byte, err error) {
			done <- callResult{payload: p, err: err}
		})
	})

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		if reply == nil || len(r.payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.payload, reply); err != nil {
			return fmt.Errorf("rpc: decode reply of %s: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
