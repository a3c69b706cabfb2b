package testutil

import (
	"sort"
	"sync"
	"time"
)

// ManualScheduler is a fake timer source for debounce tests.
//
// Timers scheduled with AfterFunc only fire when the test calls Advance, so
// "events at t=0ms and t=10ms with a 50ms window" can be expressed exactly,
// without wall-clock sleeps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
// Callbacks run on the goroutine calling Advance, outside the lock.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int64
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Duration
	seq     int64
	fn      func()
	stopped bool
}

// NewManualScheduler creates a scheduler whose clock starts at 0.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// AfterFunc schedules fn to run once the clock has advanced by d. The
// returned stop function cancels the timer and reports whether it was still
// pending, like (*time.Timer).Stop.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &manualTimer{at: s.now + d, seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.stopped {
			return false
		}
		t.stopped = true
		s.remove(t)
		return true
	}
}

// Advance moves the clock forward by d and fires every timer that became
// due, in deadline order (ties in scheduling order). Returns the number of
// timers fired.
func (s *ManualScheduler) Advance(d time.Duration) int {
	s.mu.Lock()
	s.now += d
	var due []*manualTimer
	for _, t := range s.timers {
		if t.at <= s.now {
			due = append(due, t)
		}
	}
	for _, t := range due {
		t.stopped = true
		s.remove(t)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at != due[j].at {
			return due[i].at < due[j].at
		}
		return due[i].seq < due[j].seq
	})
	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// Now returns the elapsed fake time.
func (s *ManualScheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pending returns the number of scheduled, unfired, unstopped timers.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// remove drops t from the pending list. Caller holds s.mu.
func (s *ManualScheduler) remove(t *manualTimer) {
	for i, other := range s.timers {
		if other == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}
