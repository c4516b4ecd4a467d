package ticket

import "sync"

// DefaultDedupeCapacity bounds the remembered-id window.
const DefaultDedupeCapacity = 4096

// Dedupe is the receiver-side ledger of recently seen message ids.
// Replay after reconnect is only idempotent if receivers drop messages
// they have already processed; the ledger is a bounded FIFO window so
// memory stays constant under long-lived sessions.
type Dedupe struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	pos  int
}

// NewDedupe creates a ledger remembering up to capacity ids.
func NewDedupe(capacity int) *Dedupe {
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	return &Dedupe{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Seen records the id and reports whether it had been seen before.
func (d *Dedupe) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if old := d.ring[d.pos]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.pos] = id
	d.pos = (d.pos + 1) % len(d.ring)
	d.seen[id] = struct{}{}
	return false
}

// Len returns the number of remembered ids.
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
