// Package reactor implements the single-threaded cooperative event loop that
// every channel, client, server and RPC session is driven by.
//
// Blocking I/O never runs on the loop. It runs on helper goroutines which post
// their completion back with Post, so all object state is only ever touched by
// the goroutine executing Run:
//
//	io goroutine ──Post(completion)──┐
//	timer        ──Post(fire)────────┼──→ queue ──→ Run: batch → next-tick queue
//	user code    ──Post(fn)──────────┘
//
// One iteration of Run takes every task queued so far as a batch, runs them in
// FIFO order, then drains the tasks registered with Defer. Defer is how an
// owner delays its teardown until the callbacks queued for the current
// iteration have completed.
package reactor

import (
	"sync"

	"go.uber.org/zap"
)

// Loop is a cooperative task queue. Post, Defer and Stop are goroutine-safe;
// Run and RunOne must only be called from the goroutine that owns the loop.
type Loop struct {
	mu       sync.Mutex
	queue    []func()      // FIFO of posted tasks
	deferred []func()      // next-tick queue, drained after each batch
	stopped  bool          // set by Stop, observed by Run and RunOne
	wake     chan struct{} // capacity 1, signals new work
	logger   *zap.Logger
}

type options struct {
	logger *zap.Logger
}

// Option configures a Loop.
type Option func(*options)

// WithLogger sets the logger used by the loop.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates an idle loop. Nothing runs until Run is called.
func New(opts ...Option) *Loop {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: o.logger,
	}
}

// Post schedules fn to run on the loop after every task already queued.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.notify()
}

// Defer schedules fn to run once the current iteration's batch has finished.
// It never runs before tasks that were queued when Defer was called.
func (l *Loop) Defer(fn func()) {
	l.mu.Lock()
	l.deferred = append(l.deferred, fn)
	l.mu.Unlock()
	l.notify()
}

// Run drives the loop until Stop is called.
func (l *Loop) Run() {
	l.logger.Debug("reactor: run")
	for {
		batch, ok := l.next()
		if !ok {
			l.logger.Debug("reactor: stopped")
			return
		}
		for i, fn := range batch {
			batch[i] = nil
			fn()
		}
		l.drain()
	}
}

// RunOne runs a single queued task, waiting for one to be posted if the queue
// is empty. It returns false once the loop has been stopped.
//
// RunOne is meant for cooperative waits on the loop goroutine itself (see
// transport.Channel.Send). It does not drain the next-tick queue: deferred
// tasks stay behind until the enclosing iteration of Run completes.
func (l *Loop) RunOne() bool {
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return false
		}
		if len(l.queue) > 0 {
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
			return true
		}
		l.mu.Unlock()
		<-l.wake
	}
}

// Stop makes Run and RunOne return. Queued tasks are kept but no longer run.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.notify()
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) next() ([]func(), bool) {
	for {
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			return nil, false
		}
		if len(l.queue) > 0 || len(l.deferred) > 0 {
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			return batch, true
		}
		l.mu.Unlock()
		<-l.wake
	}
}

func (l *Loop) drain() {
	l.mu.Lock()
	deferred := l.deferred
	l.deferred = nil
	l.mu.Unlock()
	for _, fn := range deferred {
		fn()
	}
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
