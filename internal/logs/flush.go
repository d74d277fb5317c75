package logs

import (
	"sync"
	"time"
)

// flushScheduler is idle or armed with one pending deadline. Arming an
// armed scheduler is a no-op, so rapid sends coalesce into one flush.
type flushScheduler struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	gen   uint64
	fn    func()
}

func newFlushScheduler(delay time.Duration, fn func()) *flushScheduler {
	return &flushScheduler{delay: delay, fn: fn}
}

// Arm schedules a flush unless one is already pending.
func (f *flushScheduler) Arm() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.timer != nil {
		return false
	}
	f.gen++
	gen := f.gen
	f.timer = time.AfterFunc(f.delay, func() { f.fire(gen) })
	return true
}

func (f *flushScheduler) Armed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timer != nil
}

// Cancel drops a pending flush without running it.
func (f *flushScheduler) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelLocked()
}

// FlushNow cancels any pending flush and runs fn synchronously.
func (f *flushScheduler) FlushNow() {
	f.Cancel()
	f.fn()
}

func (f *flushScheduler) cancelLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.gen++
}

func (f *flushScheduler) fire(gen uint64) {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	f.timer = nil
	f.mu.Unlock()

	f.fn()
}
