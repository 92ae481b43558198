// Package idgen provides the locked monotonic id counter the connection
// pool uses for connection ids. The handle registry keeps its own file and
// dir counters.
package idgen

import "sync"

// Generator hands out a strictly increasing sequence of ids starting at 1,
// so 0 can be reserved as an "unset" sentinel by callers.
type Generator struct {
	mu   sync.Mutex
	next uint64
}

// New returns a ready-to-use Generator.
func New() *Generator {
	return &Generator{}
}

// Next returns the next id in the sequence.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.next
}
