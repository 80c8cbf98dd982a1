// Package scheduler provides deferred and recurring execution for scan
// continuations and maintenance runs.
package scheduler

import (
	"sync"
	"time"
)

// Timer defers callbacks onto background goroutines. Stop cancels everything
// still pending.
type Timer struct {
	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
}

// NewTimer builds a Timer scheduler.
func NewTimer() *Timer {
	return &Timer{timers: map[*time.Timer]struct{}{}}
}

// After runs fn once delay elapses. A zero or negative delay still runs fn
// asynchronously so callers never block on it.
func (t *Timer) After(delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.wg.Add(1)
	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		defer t.wg.Done()
		t.mu.Lock()
		delete(t.timers, tm)
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}
		fn()
	})
	t.timers[tm] = struct{}{}
}

// Stop cancels pending callbacks and waits for in-flight ones.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	for tm := range t.timers {
		if tm.Stop() {
			t.wg.Done()
		}
		delete(t.timers, tm)
	}
	t.mu.Unlock()
	t.wg.Wait()
}
