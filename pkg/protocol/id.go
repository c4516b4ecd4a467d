package protocol

import (
	"strconv"
	"sync/atomic"
)

// Role prefixes for message ids. Client and server assign ids from
// independent counters; the prefix keeps the two namespaces disjoint.
const (
	RoleClient = "c"
	RoleServer = "s"
)

// IDGenerator produces monotonically increasing message ids within a
// role namespace. It is safe for concurrent use.
type IDGenerator struct {
	prefix string
	next   atomic.Uint64
}

// NewIDGenerator creates a generator for the given role prefix.
func NewIDGenerator(prefix string) *IDGenerator {
	return &IDGenerator{prefix: prefix}
}

// Next returns the next id, e.g. "c1", "c2", ... Ids are never reused
// within the generator's lifetime.
func (g *IDGenerator) Next() string {
	n := g.next.Add(1)
	return g.prefix + strconv.FormatUint(n, 10)
}

// Count returns how many ids have been issued.
func (g *IDGenerator) Count() uint64 {
	return g.next.Load()
}
