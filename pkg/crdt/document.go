package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/driftsync/driftsync/pkg/protocol"
)

// ErrCorruptUpdate is returned when update bytes cannot be decoded.
// Callers reject the update; the document state is left untouched.
var ErrCorruptUpdate = errors.New("crdt: corrupt update")

// UpdateFunc observes applied updates. origin identifies where the
// mutation came from (nil for local edits); subscribers use it to avoid
// echoing an update back to its source.
type UpdateFunc func(update []byte, origin any)

// register is the stored state of one field: the winning write.
type register struct {
	clientID uint64
	clock    uint64
	deleted  bool
	value    []byte
}

// wins reports whether a write stamped (clock, clientID) supersedes r.
func (r register) wins(clock, clientID uint64) bool {
	if clock != r.clock {
		return clock > r.clock
	}
	return clientID > r.clientID
}

// Document is a convergent last-writer-wins field map.
//
// All methods are safe for concurrent use, but merge atomicity is at
// update granularity: one ApplyUpdate call is applied under the
// document lock as a unit.
type Document struct {
	clientID uint64

	mu     sync.RWMutex
	fields map[string]register
	vector map[uint64]uint64 // client id -> highest applied clock

	subMu   sync.Mutex
	subs    map[int]UpdateFunc
	nextSub int
}

// NewDocument creates an empty document owned by the given client id.
func NewDocument(clientID uint64) *Document {
	return &Document{
		clientID: clientID,
		fields:   make(map[string]register),
		vector:   make(map[uint64]uint64),
		subs:     make(map[int]UpdateFunc),
	}
}

// ClientID returns the id local edits are stamped with.
func (d *Document) ClientID() uint64 {
	return d.clientID
}

// Get returns the current value of a field.
func (d *Document) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.fields[key]
	if !ok || r.deleted {
		return nil, false
	}
	return r.value, true
}

// Keys returns the live field names in sorted order.
func (d *Document) Keys() []string {
	d.mu.RLock()
	keys := make([]string, 0, len(d.fields))
	for k, r := range d.fields {
		if !r.deleted {
			keys = append(keys, k)
		}
	}
	d.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Set writes a field locally and returns the encoded update describing
// the write. Subscribers are notified with a nil origin.
func (d *Document) Set(key string, value []byte) []byte {
	return d.localOp(key, value, false)
}

// Delete removes a field locally and returns the encoded update.
func (d *Document) Delete(key string) []byte {
	return d.localOp(key, nil, true)
}

func (d *Document) localOp(key string, value []byte, deleted bool) []byte {
	d.mu.Lock()
	// Lamport stamp: strictly greater than every clock seen so far,
	// so a local write always wins over the state it observed.
	clock := uint64(0)
	for _, c := range d.vector {
		if c > clock {
			clock = c
		}
	}
	clock++

	d.fields[key] = register{clientID: d.clientID, clock: clock, deleted: deleted, value: value}
	if clock > d.vector[d.clientID] {
		d.vector[d.clientID] = clock
	}
	d.mu.Unlock()

	update := encodeOps([]op{{clientID: d.clientID, clock: clock, key: key, deleted: deleted, value: value}})
	d.notify(update, nil)
	return update
}

// StateVector returns a copy of the document's state vector.
func (d *Document) StateVector() map[uint64]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sv := make(map[uint64]uint64, len(d.vector))
	for id, c := range d.vector {
		sv[id] = c
	}
	return sv
}

// EncodedStateVector returns the state vector in wire form.
func (d *Document) EncodedStateVector() []byte {
	return protocol.EncodeStateVector(d.StateVector())
}

// DiffSince returns an encoded update containing every write the given
// state vector has not seen, or nil when the peer is up to date.
func (d *Document) DiffSince(sv map[uint64]uint64) []byte {
	d.mu.RLock()
	var ops []op
	for key, r := range d.fields {
		if r.clock > sv[r.clientID] {
			ops = append(ops, op{clientID: r.clientID, clock: r.clock, key: key, deleted: r.deleted, value: r.value})
		}
	}
	d.mu.RUnlock()

	if len(ops) == 0 {
		return nil
	}
	// Deterministic order keeps diffs reproducible.
	sort.Slice(ops, func(i, j int) bool { return ops[i].key < ops[j].key })
	return encodeOps(ops)
}

// ApplyUpdate merges an encoded update into the document. It returns
// whether any field changed. Applying the same update twice is a no-op;
// two replicas applying the same pair of updates in either order reach
// the same state. Subscribers are notified with the raw update bytes
// and the given origin only when something changed.
func (d *Document) ApplyUpdate(update []byte, origin any) (bool, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	changed := false
	for _, o := range ops {
		cur, exists := d.fields[o.key]
		if !exists || cur.wins(o.clock, o.clientID) {
			d.fields[o.key] = register{clientID: o.clientID, clock: o.clock, deleted: o.deleted, value: o.value}
			changed = true
		}
		if o.clock > d.vector[o.clientID] {
			d.vector[o.clientID] = o.clock
		}
	}
	d.mu.Unlock()

	if changed {
		d.notify(update, origin)
	}
	return changed, nil
}

// OnUpdate registers a subscriber and returns its cancel func.
func (d *Document) OnUpdate(fn UpdateFunc) func() {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *Document) notify(update []byte, origin any) {
	d.subMu.Lock()
	fns := make([]UpdateFunc, 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()

	for _, fn := range fns {
		fn(update, origin)
	}
}

// op is one encoded write.
type op struct {
	clientID uint64
	clock    uint64
	key      string
	deleted  bool
	value    []byte
}

func encodeOps(ops []op) []byte {
	e := protocol.NewEncoder()
	e.WriteUvarint(uint64(len(ops)))
	for _, o := range ops {
		e.WriteUvarint(o.clientID)
		e.WriteUvarint(o.clock)
		e.WriteString(o.key)
		e.WriteBool(o.deleted)
		if !o.deleted {
			e.WriteLenBytes(o.value)
		}
	}
	return e.Bytes()
}

func decodeOps(update []byte) ([]op, error) {
	d := protocol.NewDecoder(update)
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}

	ops := make([]op, 0, count)
	for i := 0; i < count; i++ {
		var o op
		if o.clientID, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		if o.clock, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		if o.key, err = d.ReadString(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		if o.deleted, err = d.ReadBool(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		if !o.deleted {
			if o.value, err = d.ReadLenBytes(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
			}
		}
		ops = append(ops, o)
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorruptUpdate)
	}
	return ops, nil
}
