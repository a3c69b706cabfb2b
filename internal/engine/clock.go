package engine

// VersionCounter is the per-session version clock.
//
// It starts at 0, advances by exactly one per local save attempt, and jumps
// forward when a foreign update is committed. It never moves backwards, so
// a version handed out by Next is never reused within a session.
//
// Thread-safety: VersionCounter is owned by the session loop and is not
// safe for concurrent use.
type VersionCounter struct {
	current int64
}

// NewVersionCounter creates a counter at 0.
func NewVersionCounter() *VersionCounter {
	return &VersionCounter{}
}

// Next advances the counter by one and returns the new value.
func (c *VersionCounter) Next() int64 {
	c.current++
	return c.current
}

// Current returns the last issued or applied version.
func (c *VersionCounter) Current() int64 {
	return c.current
}

// AdvanceTo moves the counter to v if v is ahead of it. It reports whether
// the counter moved.
func (c *VersionCounter) AdvanceTo(v int64) bool {
	if v <= c.current {
		return false
	}
	c.current = v
	return true
}

// Stale reports whether v is at or behind the counter.
func (c *VersionCounter) Stale(v int64) bool {
	return v <= c.current
}
