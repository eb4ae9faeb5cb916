package datasync

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers per key into a single callback. The window is fixed from
// the first trigger of a burst: later triggers inside the window do not push the deadline out, they
// only replace the callback that will run.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pendingCall
	closed  bool
	running sync.WaitGroup
}

type pendingCall struct {
	timer *time.Timer
	fn    func()
}

// NewDebouncer constructs a debouncer with the given default window. A non-positive window means
// callbacks are scheduled on the next timer tick.
func NewDebouncer(window time.Duration) *Debouncer {
	if window < 0 {
		window = 0
	}
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingCall),
	}
}

// Trigger schedules fn for key after the default window. It reports whether a new window was opened.
func (d *Debouncer) Trigger(key string, fn func()) bool {
	return d.TriggerAfter(key, d.window, fn)
}

// TriggerAfter is Trigger with an explicit window for a fresh burst.
func (d *Debouncer) TriggerAfter(key string, window time.Duration, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	if p, ok := d.pending[key]; ok {
		p.fn = fn
		return false
	}

	p := &pendingCall{fn: fn}
	p.timer = time.AfterFunc(window, func() { d.fire(key, p) })
	d.pending[key] = p
	return true
}

// Reschedule replaces any pending call for key with fn after delay.
func (d *Debouncer) Reschedule(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	d.TriggerAfter(key, delay, fn)
}

// Cancel drops the pending call for key, reporting whether one was pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	return true
}

// Pending reports whether a call for key is waiting for its window to elapse.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Close cancels every pending call and waits for callbacks already running. Callbacks must not call
// Close on the debouncer that invoked them.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	d.running.Wait()
}

func (d *Debouncer) fire(key string, p *pendingCall) {
	d.mu.Lock()
	if cur, ok := d.pending[key]; d.closed || !ok || cur != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	fn := p.fn
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	fn()
}
