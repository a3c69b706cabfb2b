package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable correlation ids: "<prefix>-1",
// "<prefix>-2", ...
//
// This enables deterministic request traces and golden snapshot comparison.
// The same scenario with the same SequentialIDs produces byte-identical
// frame logs.
//
// Thread-safety: SequentialIDs is safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. If prefix is empty, "req" is used.
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "req"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
//
// Implements remote.IDGenerator.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
