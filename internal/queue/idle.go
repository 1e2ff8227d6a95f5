package queue

import (
	"sync"
	"time"
)

// idleReaper runs onIdle after timeout has passed without a Touch, unless
// busy reports true at that moment. A skipped teardown is not retried until
// the next Touch re-arms the timer.
type idleReaper struct {
	timeout time.Duration
	busy    func() bool
	onIdle  func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newIdleReaper(timeout time.Duration, busy func() bool, onIdle func()) *idleReaper {
	return &idleReaper{timeout: timeout, busy: busy, onIdle: onIdle}
}

// Touch records activity and restarts the idle window. A zero timeout
// disables reaping.
func (r *idleReaper) Touch() {
	if r.timeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.timeout, r.fire)
		return
	}
	r.timer.Reset(r.timeout)
}

func (r *idleReaper) fire() {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped || r.busy() {
		return
	}
	r.onIdle()
}

func (r *idleReaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}
