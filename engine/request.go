package engine

import (
	"errors"
	"time"

	"framenet/message"
)

// Request is a fluent builder for one outbound call:
//
//	e.Cmd("Arith.Add").Msg(&Args{A: 1, B: 2}).
//		Rsp(func(b []byte) { ... }).
//		Timeout(func() { ... }).
//		Call()
type Request struct {
	e       *Engine
	cmd     string
	msg     any
	rsp     func(payload []byte)
	failed  func(err error)
	timeout func()
	after   time.Duration
	retry   int
}

func (e *Engine) Cmd(cmd string) *Request {
	return &Request{e: e, cmd: cmd}
}

// Msg sets the argument. []byte and string are sent verbatim, any other
// value is JSON encoded.
func (r *Request) Msg(v any) *Request {
	r.msg = v
	return r
}

func (r *Request) Rsp(fn func(payload []byte)) *Request {
	r.rsp = fn
	return r
}

// Failed receives every error except a timeout that has its own callback.
func (r *Request) Failed(fn func(err error)) *Request {
	r.failed = fn
	return r
}

func (r *Request) Timeout(fn func()) *Request {
	r.timeout = fn
	return r
}

func (r *Request) TimeoutAfter(d time.Duration) *Request {
	r.after = d
	return r
}

// Retry resends the request up to n more times after a timeout.
func (r *Request) Retry(n int) *Request {
	r.retry = n
	return r
}

func (r *Request) Call() {
	payload, err := marshalMsg(r.msg)
	if err != nil {
		r.finish(nil, err)
		return
	}
	r.e.start(&call{
		cmd:     r.cmd,
		payload: payload,
		typ:     message.TypeRequest,
		timeout: r.after,
		retries: r.retry,
		done:    r.finish,
	})
}

func (r *Request) finish(payload []byte, err error) {
	switch {
	case err == nil:
		if r.rsp != nil {
			r.rsp(payload)
		}
	case errors.Is(err, ErrTimeout) && r.timeout != nil:
		r.timeout()
	default:
		if r.failed != nil {
			r.failed(err)
		}
	}
}
