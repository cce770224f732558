// Package ktimer implements a rescheduleable periodic timer used throughout
// the client for the ID-cache expiry tick, time sync, and subscription
// renewal.
package ktimer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Timer invokes a callback at a fixed interval. The first invocation happens
// at construction time + interval, never synchronously. SetNextExec can be
// used to reschedule the pending invocation, including from inside the
// callback itself, in which case it overrides the normal advance-by-interval
// for that tick.
//
// A missed deadline is not caught up: if the scheduled time has already
// passed when the run loop observes it, the callback fires immediately and
// nextExec still only advances once.
type Timer struct {
	clock    clock.Clock
	interval time.Duration
	callback func()

	mu       sync.Mutex
	nextExec time.Time
	stopped  bool

	reset chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// New starts a Timer that calls cb every interval, beginning at
// clk.Now()+interval. A nil clock uses the real wall clock.
func New(clk clock.Clock, interval time.Duration, cb func()) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	t := &Timer{
		clock:    clk,
		interval: interval,
		callback: cb,
		reset:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	t.nextExec = clk.Now().Add(interval)
	go t.run()
	return t
}

func (t *Timer) run() {
	defer close(t.done)
	for {
		t.mu.Lock()
		next := t.nextExec
		t.mu.Unlock()

		d := next.Sub(t.clock.Now())
		if d < 0 {
			d = 0
		}
		wake := t.clock.Timer(d)

		select {
		case <-t.stop:
			wake.Stop()
			return
		case <-t.reset:
			wake.Stop()
			continue
		case <-wake.C:
		}

		t.mu.Lock()
		before := t.nextExec
		t.mu.Unlock()

		t.callback()

		t.mu.Lock()
		if t.nextExec.Equal(before) {
			t.nextExec = t.nextExec.Add(t.interval)
		}
		t.mu.Unlock()
	}
}

// SetNextExec reschedules the pending invocation to the given absolute time.
// Calling it from inside the callback suppresses the default += interval
// advance for the current tick.
func (t *Timer) SetNextExec(at time.Time) {
	t.mu.Lock()
	t.nextExec = at
	t.mu.Unlock()

	select {
	case t.reset <- struct{}{}:
	default:
	}
}

// Stop signals shutdown and blocks until the run loop has exited.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	close(t.stop)
	<-t.done
}
