package engine

import "time"

// DefaultDebounce is the window used to coalesce inbound updates.
const DefaultDebounce = 50 * time.Millisecond

// Scheduler runs fn once after d. The returned stop function cancels the
// call and reports whether it did so before fn started.
//
// Implemented by RealScheduler (production) and testutil.ManualScheduler
// (tests).
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// RealScheduler schedules on the runtime timer.
type RealScheduler struct{}

// AfterFunc implements Scheduler with time.AfterFunc.
func (RealScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Debouncer holds at most one scheduled commit.
//
// Schedule cancels any outstanding timer before arming a new one. Every
// arm gets a fresh generation; a timer that fires after it was replaced or
// cancelled presents a stale generation and Fire rejects it. The stop call
// alone cannot guarantee that, since the callback may already be running.
//
// Thread-safety: Debouncer is owned by the session loop. Only the fire
// callback runs elsewhere, and it must do nothing but hand the generation
// back to the loop.
type Debouncer struct {
	sched  Scheduler
	window time.Duration

	gen   uint64
	armed bool
	stop  func() bool
}

// NewDebouncer creates a Debouncer. A non-positive window uses
// DefaultDebounce.
func NewDebouncer(sched Scheduler, window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	if sched == nil {
		sched = RealScheduler{}
	}
	return &Debouncer{sched: sched, window: window}
}

// Schedule replaces any outstanding timer with a new one that calls
// fire(generation) after the window. It returns the new generation.
func (d *Debouncer) Schedule(fire func(gen uint64)) uint64 {
	d.Cancel()
	d.gen++
	gen := d.gen
	d.armed = true
	d.stop = d.sched.AfterFunc(d.window, func() { fire(gen) })
	return gen
}

// Cancel stops the outstanding timer, if any.
func (d *Debouncer) Cancel() {
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	if d.armed {
		d.armed = false
		d.gen++
	}
}

// Fire reports whether gen is the outstanding timer, and disarms it if so.
func (d *Debouncer) Fire(gen uint64) bool {
	if !d.armed || gen != d.gen {
		return false
	}
	d.armed = false
	d.stop = nil
	return true
}

// Pending reports whether a commit is scheduled.
func (d *Debouncer) Pending() bool {
	return d.armed
}

// Window returns the debounce window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}
