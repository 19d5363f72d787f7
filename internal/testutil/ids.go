package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs hands out ids "<prefix>1", "<prefix>2", ... for tests.
//
// The method value g.Generate satisfies both store.WithIDGenerator and
// queue.IDGenerator, so a scenario run twice yields byte-identical output.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator whose first id is prefix+"1".
func NewSequentialIDs(prefix string) *SequentialIDs {
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s%d", g.prefix, g.n)
}

// Count returns how many ids were handed out.
func (g *SequentialIDs) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// Reset restarts numbering. After Reset the next id is prefix+"1".
func (g *SequentialIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
