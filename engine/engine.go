// Package engine implements a request/response multiplexer that speaks
// through byte-slice hooks, so it can sit on top of any channel.
//
// The owner feeds inbound packets with OnRecvPackage and installs the
// outbound path with SetSendPackage. Every call gets a sequence number and
// stays pending until its response arrives, its timeout fires or the engine
// goes not-ready:
//
//	Cmd("Arith.Add").Msg(args).Rsp(fn).Call()
//	  → pending[seq] → send(request)
//	OnRecvPackage(response) → pending[seq] → fn(payload)
//
// An Engine is not goroutine-safe. All of its methods, the handlers it
// dispatches to and the callbacks it fires run on the goroutine that owns it,
// normally a reactor loop.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"framenet/codec"
	"framenet/message"
	"framenet/middleware"

	"go.uber.org/zap"
)

const DefaultTimeout = 3 * time.Second

// Handler serves one command. A returned error is sent back to the caller
// as a RemoteError.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

type call struct {
	seq     uint32
	cmd     string
	payload []byte
	typ     message.Type
	timeout time.Duration
	retries int
	done    func(payload []byte, err error)
}

type Engine struct {
	logger         *zap.Logger
	codec          codec.Codec
	defaultTimeout time.Duration

	handlers    map[string]Handler
	services    map[string]*service
	middlewares []middleware.Middleware
	chain       middleware.HandlerFunc // built on first request

	ready    bool
	seq      uint32
	pending  map[uint32]*call
	send     func(data []byte)
	setTimer func(d time.Duration, fn func())
}

type options struct {
	logger         *zap.Logger
	codec          codec.Codec
	defaultTimeout time.Duration
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCodec selects the codec used for outbound packets. Inbound packets are
// decoded with whatever codec the peer used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithDefaultTimeout sets the timeout of calls that do not pick their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		o.defaultTimeout = d
	}
}

func New(opts ...Option) *Engine {
	o := options{defaultTimeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.codec == nil {
		o.codec = &codec.BinaryCodec{}
	}
	return &Engine{
		logger:         o.logger,
		codec:          o.codec,
		defaultTimeout: o.defaultTimeout,
		handlers:       make(map[string]Handler),
		services:       make(map[string]*service),
		pending:        make(map[uint32]*call),
	}
}

// Subscribe serves cmd with h.
func (e *Engine) Subscribe(cmd string, h Handler) error {
	if _, ok := e.handlers[cmd]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, cmd)
	}
	e.handlers[cmd] = h
	return nil
}

// Register serves every method of rcvr of the form M(args *A, reply *R) error
// as command "Type.M", with JSON encoded args and reply.
func (e *Engine) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	if _, ok := e.services[svc.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, svc.name)
	}
	e.services[svc.name] = svc
	return nil
}

// Use appends middlewares around every handler. They apply in the order
// they are added and run on the engine's goroutine like the handlers.
func (e *Engine) Use(mws ...middleware.Middleware) {
	e.middlewares = append(e.middlewares, mws...)
	e.chain = nil
}

// SetSendPackage installs the outbound path.
func (e *Engine) SetSendPackage(fn func(data []byte)) {
	e.send = fn
}

// SetTimer installs the hook used for call timeouts. Without it calls never
// time out.
func (e *Engine) SetTimer(fn func(d time.Duration, fire func())) {
	e.setTimer = fn
}

// SetReady marks the engine usable. Going not-ready fails every pending call
// with ErrNotReady.
func (e *Engine) SetReady(ready bool) {
	e.ready = ready
	if ready {
		return
	}

	pending := e.pending
	e.pending = make(map[uint32]*call)
	for _, c := range pending {
		c.done(nil, ErrNotReady)
	}
}

func (e *Engine) IsReady() bool {
	return e.ready
}

// Pending is the number of calls waiting for an answer.
func (e *Engine) Pending() int {
	return len(e.pending)
}

// Invoke sends a request and reports the outcome to done exactly once.
// A non-positive timeout selects the engine default.
func (e *Engine) Invoke(cmd string, payload []byte, timeout time.Duration, done func(payload []byte, err error)) {
	e.start(&call{
		cmd:     cmd,
		payload: payload,
		typ:     message.TypeRequest,
		timeout: timeout,
		done:    done,
	})
}

// Ping probes the peer. onPong runs when the pong arrives, onTimeout when it
// does not arrive within timeout. Neither runs if the engine goes not-ready
// first.
func (e *Engine) Ping(timeout time.Duration, onPong func(), onTimeout func()) {
	e.start(&call{
		typ:     message.TypePing,
		timeout: timeout,
		done: func(_ []byte, err error) {
			switch {
			case err == nil:
				if onPong != nil {
					onPong()
				}
			case errors.Is(err, ErrTimeout):
				if onTimeout != nil {
					onTimeout()
				}
			}
		},
	})
}

func (e *Engine) start(c *call) {
	if !e.ready {
		c.done(nil, ErrNotReady)
		return
	}
	if c.timeout <= 0 {
		c.timeout = e.defaultTimeout
	}

	e.seq++
	if e.seq == 0 {
		e.seq++
	}
	c.seq = e.seq
	e.pending[c.seq] = c

	if err := e.sendPacket(&message.Packet{Seq: c.seq, Type: c.typ, Cmd: c.cmd, Payload: c.payload}); err != nil {
		delete(e.pending, c.seq)
		c.done(nil, err)
		return
	}

	if e.setTimer != nil {
		e.setTimer(c.timeout, func() {
			e.expire(c)
		})
	}
}

func (e *Engine) expire(c *call) {
	if e.pending[c.seq] != c {
		return
	}
	delete(e.pending, c.seq)

	if c.retries > 0 {
		c.retries--
		e.logger.Debug("engine: retrying call", zap.String("cmd", c.cmd), zap.Int("left", c.retries))
		e.start(c)
		return
	}
	e.logger.Debug("engine: call timed out", zap.String("cmd", c.cmd), zap.Uint32("seq", c.seq))
	c.done(nil, ErrTimeout)
}

func (e *Engine) sendPacket(p *message.Packet) error {
	data, err := codec.Marshal(e.codec, p)
	if err != nil {
		return fmt.Errorf("engine: encode %s: %w", p.Type, err)
	}
	if e.send != nil {
		e.send(data)
	}
	return nil
}

// OnRecvPackage feeds one inbound packet.
func (e *Engine) OnRecvPackage(data []byte) {
	var p message.Packet
	if err := codec.Unmarshal(data, &p); err != nil {
		e.logger.Error("engine: dropping undecodable packet", zap.Int("size", len(data)), zap.Error(err))
		return
	}

	switch {
	case p.NeedsReply():
		e.answer(&p)
	case p.Type == message.TypeResponse, p.Type == message.TypePong:
		e.complete(&p)
	default:
		e.logger.Warn("engine: unknown packet type", zap.Uint8("type", uint8(p.Type)))
	}
}

func (e *Engine) complete(p *message.Packet) {
	c, ok := e.pending[p.Seq]
	if !ok {
		e.logger.Debug("engine: response for unknown call", zap.Uint32("seq", p.Seq))
		return
	}
	delete(e.pending, p.Seq)

	switch {
	case p.Error == "":
		c.done(p.Payload, nil)
	case strings.HasPrefix(p.Error, ErrNoHandler.Error()):
		c.done(nil, fmt.Errorf("%w: %s", ErrNoHandler, c.cmd))
	default:
		c.done(nil, &RemoteError{Cmd: c.cmd, Msg: p.Error})
	}
}

func (e *Engine) answer(req *message.Packet) {
	if req.Type == message.TypePing {
		e.reply(&message.Packet{Seq: req.Seq, Type: message.TypePong})
		return
	}
	e.serve(req)
}

func (e *Engine) serve(req *message.Packet) {
	if e.chain == nil {
		e.chain = middleware.Chain(e.middlewares...)(e.dispatch)
	}
	resp := e.chain(context.Background(), req)
	if resp == nil {
		resp = req.NewResponse()
	}
	e.reply(resp)
}

func (e *Engine) reply(p *message.Packet) {
	if !e.ready {
		return
	}
	if err := e.sendPacket(p); err != nil {
		e.logger.Error("engine: reply failed", zap.Error(err))
	}
}

// dispatch is the innermost handler: subscribed commands first, then
// registered services.
func (e *Engine) dispatch(ctx context.Context, req *message.Packet) *message.Packet {
	resp := req.NewResponse()

	var (
		out []byte
		err error
	)
	if h, ok := e.handlers[req.Cmd]; ok {
		out, err = h(ctx, req.Payload)
	} else if svc, mt := e.lookup(req.Cmd); mt != nil {
		out, err = svc.call(mt, req.Payload)
	} else {
		resp.Error = fmt.Sprintf("%s: %s", ErrNoHandler.Error(), req.Cmd)
		return resp
	}

	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Payload = out
	return resp
}

func (e *Engine) lookup(cmd string) (*service, *methodType) {
	name, method, ok := strings.Cut(cmd, ".")
	if !ok {
		return nil, nil
	}
	svc, ok := e.services[name]
	if !ok {
		return nil, nil
	}
	return svc, svc.method[method]
}

// marshalMsg turns a request argument into payload bytes: byte slices and
// strings go out as-is, anything else is JSON encoded.
func marshalMsg(v any) ([]byte, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return m, nil
	case string:
		return []byte(m), nil
	default:
		return json.Marshal(v)
	}
}
