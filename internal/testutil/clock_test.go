package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualScheduler_StartsAtZero(t *testing.T) {
	s := NewManualScheduler()
	assert.Equal(t, time.Duration(0), s.Now())
	assert.Equal(t, 0, s.Pending())
}

func TestManualScheduler_FiresOnlyWhenDue(t *testing.T) {
	s := NewManualScheduler()
	fired := 0
	s.AfterFunc(50*time.Millisecond, func() { fired++ })

	assert.Equal(t, 0, s.Advance(49*time.Millisecond))
	assert.Equal(t, 0, fired)

	assert.Equal(t, 1, s.Advance(time.Millisecond))
	assert.Equal(t, 1, fired)

	// A timer fires once.
	assert.Equal(t, 0, s.Advance(time.Second))
	assert.Equal(t, 1, fired)
}

func TestManualScheduler_Stop(t *testing.T) {
	s := NewManualScheduler()
	fired := false
	stop := s.AfterFunc(10*time.Millisecond, func() { fired = true })

	assert.True(t, stop())
	assert.False(t, stop(), "second stop reports already stopped")
	assert.Equal(t, 0, s.Pending())

	s.Advance(time.Second)
	assert.False(t, fired)
}

func TestManualScheduler_StopAfterFire(t *testing.T) {
	s := NewManualScheduler()
	stop := s.AfterFunc(time.Millisecond, func() {})
	s.Advance(time.Millisecond)
	assert.False(t, stop())
}

func TestManualScheduler_DeadlineOrder(t *testing.T) {
	s := NewManualScheduler()
	var order []string
	s.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	s.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	s.AfterFunc(10*time.Millisecond, func() { order = append(order, "b") })

	assert.Equal(t, 3, s.Advance(time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestManualScheduler_CallbackMaySchedule(t *testing.T) {
	s := NewManualScheduler()
	count := 0
	s.AfterFunc(10*time.Millisecond, func() {
		count++
		s.AfterFunc(10*time.Millisecond, func() { count++ })
	})

	s.Advance(10 * time.Millisecond)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, s.Pending())

	s.Advance(10 * time.Millisecond)
	assert.Equal(t, 2, count)
}
