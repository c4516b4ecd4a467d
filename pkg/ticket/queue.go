// Package ticket tracks outbound messages until every recipient has
// acknowledged them, independent of any single socket.
package ticket

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Queue errors.
var (
	// ErrTicketNotFound is returned when an ack names an unknown id.
	ErrTicketNotFound = errors.New("ticket: not found")
)

// Ticket is one tracked outbound message. It is removable only once
// every entry in its ack map has been cleared; CompletedAt is stamped
// when the last acknowledgment arrives. Registering a further
// recipient on a completed ticket reopens it: CompletedAt resets to
// zero and is stamped again when the late recipient acks, so the
// sweep never evicts a ticket someone still owes an ack for.
type Ticket struct {
	ID          string
	Payload     []byte
	QueuedAt    time.Time
	CompletedAt time.Time // zero until all recipients acknowledged

	// pending maps recipient session id -> still awaiting ack.
	pending map[string]bool
}

// Completed reports whether every recipient has acknowledged.
func (t *Ticket) Completed() bool {
	return !t.CompletedAt.IsZero()
}

// Recipients returns the session ids still awaiting acknowledgment.
func (t *Ticket) Recipients() []string {
	out := make([]string, 0, len(t.pending))
	for id, waiting := range t.pending {
		if waiting {
			out = append(out, id)
		}
	}
	return out
}

// Queue tracks tickets for many sessions. It is safe for concurrent
// insert, ack, and eviction. A periodic sweep removes tickets whose
// completion time has aged past the retention window, bounding memory.
type Queue struct {
	mu      sync.RWMutex
	tickets map[string]*Ticket
	order   []string // enqueue order, for reconnect replay

	retention time.Duration
	logger    *slog.Logger

	sweepDone chan struct{}
	closeOnce sync.Once
}

// Config configures a Queue.
type Config struct {
	// Retention is how long completed tickets are kept before the
	// sweep reclaims them. Default: 1 minute.
	Retention time.Duration

	// SweepInterval is the sweep cadence. Default: 15 seconds.
	SweepInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retention:     time.Minute,
		SweepInterval: 15 * time.Second,
	}
}

// NewQueue creates a queue and starts its sweep loop.
func NewQueue(cfg Config, logger *slog.Logger) *Queue {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		tickets:   make(map[string]*Ticket),
		retention: cfg.Retention,
		logger:    logger.With("component", "ticket_queue"),
		sweepDone: make(chan struct{}),
	}
	go q.sweepLoop(cfg.SweepInterval)
	return q
}

// Track registers a recipient for the message with the given id,
// creating the ticket if this is the first recipient. The same id may
// be tracked for several recipients; each must ack independently.
func (q *Queue) Track(id string, payload []byte, sessionID string) *Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tickets[id]
	if !ok {
		t = &Ticket{
			ID:       id,
			Payload:  payload,
			QueuedAt: time.Now(),
			pending:  make(map[string]bool),
		}
		q.tickets[id] = t
		q.order = append(q.order, id)
	}
	t.pending[sessionID] = true
	// A late recipient reopens a completed ticket.
	t.CompletedAt = time.Time{}
	return t
}

// Ack clears the recipient's pending slot on the ticket with the given
// id. When no slot remains pending the completion time is stamped.
// It returns whether the ticket is now complete.
func (q *Queue) Ack(id, sessionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tickets[id]
	if !ok {
		return false, ErrTicketNotFound
	}
	t.pending[sessionID] = false

	for _, waiting := range t.pending {
		if waiting {
			return false, nil
		}
	}
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now()
	}
	return true, nil
}

// Get returns the ticket with the given id, or nil.
func (q *Queue) Get(id string) *Ticket {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.tickets[id]
}

// PendingFor returns the tickets still awaiting the given session's
// acknowledgment, in original enqueue order. Reconnect replay sends
// these before any new traffic.
func (q *Queue) PendingFor(sessionID string) []*Ticket {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*Ticket
	for _, id := range q.order {
		t, ok := q.tickets[id]
		if !ok {
			continue
		}
		if t.pending[sessionID] {
			out = append(out, t)
		}
	}
	return out
}

// Drop abandons every pending slot held for the given session, e.g.
// when the session is destroyed rather than reconnected.
func (q *Queue) Drop(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.tickets {
		if _, ok := t.pending[sessionID]; !ok {
			continue
		}
		delete(t.pending, sessionID)
		if len(t.pending) == 0 && t.CompletedAt.IsZero() {
			t.CompletedAt = time.Now()
		}
	}
}

// Len returns the number of tracked tickets.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tickets)
}

// Sweep removes tickets completed before the retention cutoff and
// returns how many were evicted. The sweep loop calls this
// periodically; tests call it directly.
func (q *Queue) Sweep() int {
	cutoff := time.Now().Add(-q.retention)

	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	remaining := q.order[:0]
	for _, id := range q.order {
		t, ok := q.tickets[id]
		if !ok {
			continue
		}
		if t.Completed() && t.CompletedAt.Before(cutoff) {
			delete(q.tickets, id)
			evicted++
			continue
		}
		remaining = append(remaining, id)
	}
	q.order = remaining

	if evicted > 0 {
		q.logger.Debug("swept completed tickets", "evicted", evicted, "remaining", len(q.tickets))
	}
	return evicted
}

func (q *Queue) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Sweep()
		case <-q.sweepDone:
			return
		}
	}
}

// Close stops the sweep loop. Tracked tickets remain readable.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.sweepDone) })
}
