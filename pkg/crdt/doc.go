// Package crdt implements the replicated document type exchanged by the
// sync broker.
//
// The document is a last-writer-wins field map. Every write is stamped
// with a lamport clock and the writer's client id; merging applies the
// per-key maximum of (clock, client id), which is commutative and
// associative, so replicas converge regardless of delivery order or
// duplication. The broker treats the type as opaque: it only produces
// state vectors, diffs against a peer's state vector, applies update
// bytes, and subscribes to update notifications.
package crdt
