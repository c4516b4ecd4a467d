// Package broker multiplexes subscribed sessions onto named shared
// documents. Per document it holds the replicated CRDT state, the
// subscriber set, and the ephemeral awareness map, translating local
// mutations into outbound sync frames and remote frames into local
// mutations. Unrelated documents make independent progress: each
// shared document is guarded by its own lock, never a broker-wide one.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftsync/driftsync/pkg/protocol"
)

// Broker errors.
var (
	// ErrRejectedUpdate is returned when a subscriber sent update
	// bytes that could not be applied. The caller may disconnect the
	// offending subscriber; the broker itself never crashes on it.
	ErrRejectedUpdate = errors.New("broker: rejected update")
)

// Subscriber is a session endpoint subscribed to a document. SendSync
// delivers a binary sync sub-protocol frame wrapped in the session's
// envelope; delivery reliability is the session's concern.
type Subscriber interface {
	SessionID() string
	SendSync(docName string, frame []byte) error
}

// Broker is the per-process registry of shared documents.
type Broker struct {
	mu   sync.RWMutex
	docs map[string]*SharedDoc

	evictEmpty bool
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithMetrics sets the broker metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithTracer enables OpenTelemetry spans around frame handling.
func WithTracer(t trace.Tracer) Option {
	return func(b *Broker) {
		b.tracer = t
	}
}

// WithEvictEmptyDocs tears a document down when its last subscriber
// leaves instead of keeping it resident for reuse.
func WithEvictEmptyDocs(evict bool) Option {
	return func(b *Broker) {
		b.evictEmpty = evict
	}
}

// New creates a Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		docs:   make(map[string]*SharedDoc),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "broker")
	return b
}

// Doc returns the shared document with the given name, creating it on
// first reference.
func (b *Broker) Doc(name string) *SharedDoc {
	b.mu.RLock()
	d, ok := b.docs[name]
	b.mu.RUnlock()
	if ok {
		return d
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok = b.docs[name]; ok {
		return d
	}
	d = newSharedDoc(name, b.logger)
	b.docs[name] = d
	b.metrics.docOpened()
	b.logger.Info("document created", "doc", name)
	return d
}

// Lookup returns the document without creating it.
func (b *Broker) Lookup(name string) (*SharedDoc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.docs[name]
	return d, ok
}

// DocCount returns the number of resident documents.
func (b *Broker) DocCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs)
}

// Subscribe adds the subscriber to the named document and returns the
// document. The caller is expected to follow with a sync step 1
// exchange to converge the new subscriber.
func (b *Broker) Subscribe(name string, sub Subscriber) *SharedDoc {
	d := b.Doc(name)
	d.subscribe(sub)
	b.metrics.subscribed()
	return d
}

// Unsubscribe removes the session from the named document, prunes
// every awareness client id it controlled, and broadcasts the removal
// to the remaining subscribers. With eviction enabled, the document is
// torn down when the last subscriber leaves.
func (b *Broker) Unsubscribe(name, sessionID string) {
	d, ok := b.Lookup(name)
	if !ok {
		return
	}
	empty := d.removeSession(sessionID)
	b.metrics.unsubscribed()

	if empty && b.evictEmpty {
		b.mu.Lock()
		if d2, ok := b.docs[name]; ok && d2 == d && d.SubscriberCount() == 0 {
			delete(b.docs, name)
			b.metrics.docClosed()
			b.logger.Info("document evicted", "doc", name)
		}
		b.mu.Unlock()
	}
}

// HandleFrame processes one binary sync sub-protocol frame received
// from a subscriber. Malformed frames and corrupt updates are rejected
// without affecting document state; the connection stays usable unless
// the caller decides otherwise.
func (b *Broker) HandleFrame(sub Subscriber, docName string, frame []byte) error {
	f, err := protocol.DecodeSyncFrame(frame)
	if err != nil {
		b.metrics.frameRejected()
		b.logger.Warn("dropping malformed sync frame",
			"doc", docName,
			"session_id", sub.SessionID(),
			"error", err)
		return err
	}

	if b.tracer != nil {
		_, span := b.tracer.Start(context.Background(), "broker.HandleFrame",
			trace.WithAttributes(
				attribute.String("doc", docName),
				attribute.String("opcode", f.Op.String()),
				attribute.String("session_id", sub.SessionID()),
			))
		defer span.End()
	}

	b.metrics.frameHandled(f.Op)
	d := b.Doc(docName)

	switch f.Op {
	case protocol.OpSync:
		if f.Step == protocol.StepVector {
			return d.handleStepVector(sub, f.Body)
		}
		return d.handleStepUpdate(sub, f.Body, b.metrics)

	case protocol.OpAwareness:
		return d.handleAwareness(sub, f.Body)

	case protocol.OpQueryAwareness:
		return d.handleQueryAwareness(sub)

	case protocol.OpAuth:
		// Informational only; nothing is retained.
		b.logger.Warn("permission notice from peer",
			"doc", docName,
			"session_id", sub.SessionID(),
			"note", f.Note)
		return nil
	}

	return nil
}
