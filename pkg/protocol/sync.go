package protocol

import (
	"errors"
	"fmt"
	"sort"
)

// Opcode identifies a binary sync sub-protocol frame.
type Opcode uint8

const (
	// OpSync carries either a state-vector request (step 1) or an
	// update diff (step 2).
	OpSync Opcode = 0

	// OpAwareness carries an encoded set of per-client ephemeral
	// presence changes.
	OpAwareness Opcode = 1

	// OpAuth carries a permission-denied notice. Purely informational.
	OpAuth Opcode = 2

	// OpQueryAwareness requests a full awareness snapshot.
	OpQueryAwareness Opcode = 3
)

// String returns the opcode name.
func (op Opcode) String() string {
	switch op {
	case OpSync:
		return "sync"
	case OpAwareness:
		return "awareness"
	case OpAuth:
		return "auth"
	case OpQueryAwareness:
		return "queryAwareness"
	default:
		return "unknown"
	}
}

// SyncStep distinguishes the two halves of the state-vector exchange.
type SyncStep uint8

const (
	// StepVector announces the sender's state vector (sync step 1).
	StepVector SyncStep = 0

	// StepUpdate carries an update diff (sync step 2).
	StepUpdate SyncStep = 1
)

// Sync frame errors.
var (
	ErrInvalidOpcode = errors.New("protocol: invalid sync opcode")
	ErrInvalidStep   = errors.New("protocol: invalid sync step")
)

// SyncFrame is a decoded binary sub-protocol frame.
type SyncFrame struct {
	Op   Opcode
	Step SyncStep // OpSync only
	Body []byte   // state vector, update, or awareness payload
	Note string   // OpAuth only
}

// EncodeSyncStep1 frames a state-vector request.
func EncodeSyncStep1(stateVector []byte) []byte {
	e := NewEncoder()
	e.WriteByte(byte(OpSync))
	e.WriteByte(byte(StepVector))
	e.WriteLenBytes(stateVector)
	return e.Bytes()
}

// EncodeSyncStep2 frames an update diff.
func EncodeSyncStep2(update []byte) []byte {
	e := NewEncoder()
	e.WriteByte(byte(OpSync))
	e.WriteByte(byte(StepUpdate))
	e.WriteLenBytes(update)
	return e.Bytes()
}

// EncodeAwarenessFrame frames an awareness payload.
func EncodeAwarenessFrame(payload []byte) []byte {
	e := NewEncoder()
	e.WriteByte(byte(OpAwareness))
	e.WriteLenBytes(payload)
	return e.Bytes()
}

// EncodeAuthFrame frames a permission-denied notice.
func EncodeAuthFrame(note string) []byte {
	e := NewEncoder()
	e.WriteByte(byte(OpAuth))
	e.WriteString(note)
	return e.Bytes()
}

// EncodeQueryAwareness frames an awareness snapshot request.
func EncodeQueryAwareness() []byte {
	e := NewEncoder()
	e.WriteByte(byte(OpQueryAwareness))
	return e.Bytes()
}

// DecodeSyncFrame decodes a binary sub-protocol frame.
func DecodeSyncFrame(data []byte) (*SyncFrame, error) {
	d := NewDecoder(data)
	op, err := d.ReadByte()
	if err != nil {
		return nil, err
	}

	f := &SyncFrame{Op: Opcode(op)}
	switch f.Op {
	case OpSync:
		step, err := d.ReadByte()
		if err != nil {
			return nil, err
		}
		if SyncStep(step) != StepVector && SyncStep(step) != StepUpdate {
			return nil, fmt.Errorf("%w: %d", ErrInvalidStep, step)
		}
		f.Step = SyncStep(step)
		f.Body, err = d.ReadLenBytes()
		if err != nil {
			return nil, err
		}

	case OpAwareness:
		f.Body, err = d.ReadLenBytes()
		if err != nil {
			return nil, err
		}

	case OpAuth:
		f.Note, err = d.ReadString()
		if err != nil {
			return nil, err
		}

	case OpQueryAwareness:
		// No body.

	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidOpcode, op)
	}

	return f, nil
}

// AwarenessEntry is one client's presence change. A nil State with
// Removed set prunes the client from the awareness map.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	Removed  bool
	State    []byte // opaque presence payload, JSON by convention
}

// EncodeAwareness encodes presence changes for an OpAwareness frame.
// Entries are written in ascending client id order so encoding is
// deterministic.
func EncodeAwareness(entries []AwarenessEntry) []byte {
	sorted := make([]AwarenessEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ClientID < sorted[j].ClientID })

	e := NewEncoder()
	e.WriteUvarint(uint64(len(sorted)))
	for _, entry := range sorted {
		e.WriteUvarint(entry.ClientID)
		e.WriteUvarint(entry.Clock)
		e.WriteBool(entry.Removed)
		if !entry.Removed {
			e.WriteLenBytes(entry.State)
		}
	}
	return e.Bytes()
}

// DecodeAwareness decodes the body of an OpAwareness frame.
func DecodeAwareness(data []byte) ([]AwarenessEntry, error) {
	d := NewDecoder(data)
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, err
	}

	entries := make([]AwarenessEntry, 0, count)
	for i := 0; i < count; i++ {
		var entry AwarenessEntry
		if entry.ClientID, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
		if entry.Clock, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
		if entry.Removed, err = d.ReadBool(); err != nil {
			return nil, err
		}
		if !entry.Removed {
			if entry.State, err = d.ReadLenBytes(); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// EncodeStateVector encodes a replica's state vector: for each client
// id, the highest clock the replica has applied.
func EncodeStateVector(sv map[uint64]uint64) []byte {
	ids := make([]uint64, 0, len(sv))
	for id := range sv {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	e := NewEncoder()
	e.WriteUvarint(uint64(len(ids)))
	for _, id := range ids {
		e.WriteUvarint(id)
		e.WriteUvarint(sv[id])
	}
	return e.Bytes()
}

// DecodeStateVector decodes a state vector.
func DecodeStateVector(data []byte) (map[uint64]uint64, error) {
	d := NewDecoder(data)
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, err
	}

	sv := make(map[uint64]uint64, count)
	for i := 0; i < count; i++ {
		id, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		sv[id] = clock
	}
	return sv, nil
}
