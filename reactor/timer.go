package reactor

import (
	"sync/atomic"
	"time"
)

// Timer is a cancelable one-shot timer whose callback runs on the loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
	fired   atomic.Bool
}

// AfterFunc arms a timer that posts fn to the loop after d.
//
// The stop flag is checked on the loop right before fn runs, so a Stop issued
// from the loop goroutine is final even if the underlying timer already fired
// and its task is waiting in the queue.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped.Load() {
				return
			}
			tm.fired.Store(true)
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It reports whether the callback was prevented
// from running.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.stopped.Store(true)
	t.t.Stop()
	return !t.fired.Load()
}

// Fired reports whether the callback has run.
func (t *Timer) Fired() bool {
	return t.fired.Load()
}
