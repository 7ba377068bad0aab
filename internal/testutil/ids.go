package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs hands out "prefix-1", "prefix-2", ... in order.
//
// It implements the transaction id generator interface so golden traces
// and assertions see stable ids instead of UUIDs.
//
// Thread-safety: all methods are safe for concurrent use.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator. An empty prefix defaults to "test".
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "test"
	}
	return &SequenceIDs{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *SequenceIDs) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n), nil
}

// Count returns how many ids have been issued.
func (g *SequenceIDs) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// Reset restarts the sequence. After Reset the next id is "prefix-1".
func (g *SequenceIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
