package broker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/driftsync/driftsync/pkg/crdt"
	"github.com/driftsync/driftsync/pkg/protocol"
)

// awarenessState is one client's current ephemeral presence.
type awarenessState struct {
	clock uint64
	state []byte
}

// SharedDoc is one named document: its replicated state, its
// subscriber set, and its awareness map. All awareness and subscriber
// mutation is serialized under the document's own lock; CRDT merges
// are serialized at update granularity by the document itself.
type SharedDoc struct {
	name   string
	logger *slog.Logger
	doc    *crdt.Document

	mu        sync.Mutex
	subs      map[string]Subscriber
	awareness map[uint64]awarenessState
	// owners maps a session id to the awareness client ids it
	// controls, for automatic cleanup on disconnect.
	owners map[string]map[uint64]struct{}
}

func newSharedDoc(name string, logger *slog.Logger) *SharedDoc {
	d := &SharedDoc{
		name:      name,
		logger:    logger.With("doc", name),
		doc:       crdt.NewDocument(crdt.RandomClientID()),
		subs:      make(map[string]Subscriber),
		awareness: make(map[uint64]awarenessState),
		owners:    make(map[string]map[uint64]struct{}),
	}
	// Single broadcast path: every applied update fans out to all
	// subscribers except its origin. Local mutations have a nil
	// origin and reach everyone.
	d.doc.OnUpdate(d.broadcastUpdate)
	return d
}

// Name returns the document name.
func (d *SharedDoc) Name() string {
	return d.name
}

// Document returns the underlying replicated document. Server-side
// edits made through it are broadcast to every subscriber.
func (d *SharedDoc) Document() *crdt.Document {
	return d.doc
}

// SubscriberCount returns the number of subscribed sessions.
func (d *SharedDoc) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *SharedDoc) subscribe(sub Subscriber) {
	d.mu.Lock()
	d.subs[sub.SessionID()] = sub
	d.mu.Unlock()
	d.logger.Debug("session subscribed", "session_id", sub.SessionID())
}

// snapshotSubs returns the current subscribers, excluding the given
// session id. Sends happen outside the document lock.
func (d *SharedDoc) snapshotSubs(exclude string) []Subscriber {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Subscriber, 0, len(d.subs))
	for id, sub := range d.subs {
		if id == exclude {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// broadcastUpdate is the document's update subscriber: it rebroadcasts
// applied updates to every session other than the one the update came
// from, so an update is never echoed back to its sender.
func (d *SharedDoc) broadcastUpdate(update []byte, origin any) {
	originID, _ := origin.(string)
	frame := protocol.EncodeSyncStep2(update)
	for _, sub := range d.snapshotSubs(originID) {
		if err := sub.SendSync(d.name, frame); err != nil {
			d.logger.Warn("update broadcast failed",
				"session_id", sub.SessionID(),
				"error", err)
		}
	}
}

// handleStepVector answers a sync step 1: compute the diff against the
// sender's state vector and reply with step 2. An up-to-date peer gets
// no reply.
func (d *SharedDoc) handleStepVector(sub Subscriber, body []byte) error {
	sv, err := protocol.DecodeStateVector(body)
	if err != nil {
		return err
	}
	diff := d.doc.DiffSince(sv)
	if diff == nil {
		return nil
	}
	return sub.SendSync(d.name, protocol.EncodeSyncStep2(diff))
}

// handleStepUpdate applies a sync step 2. Corrupt update bytes are
// rejected without touching document state; rebroadcast of applied
// updates happens through the document's update subscription.
func (d *SharedDoc) handleStepUpdate(sub Subscriber, body []byte, m *Metrics) error {
	if _, err := d.doc.ApplyUpdate(body, sub.SessionID()); err != nil {
		m.updateRejected()
		d.logger.Warn("rejected corrupt update",
			"session_id", sub.SessionID(),
			"error", err)
		return fmt.Errorf("%w: %v", ErrRejectedUpdate, err)
	}
	return nil
}

// handleAwareness applies a set of presence changes and rebroadcasts
// them to every other subscriber. Removals also prune the
// session-to-client-id mapping used for cleanup on disconnect.
func (d *SharedDoc) handleAwareness(sub Subscriber, body []byte) error {
	entries, err := protocol.DecodeAwareness(body)
	if err != nil {
		return err
	}
	sessionID := sub.SessionID()

	d.mu.Lock()
	for _, entry := range entries {
		cur, known := d.awareness[entry.ClientID]
		if known && entry.Clock < cur.clock {
			continue // stale change
		}
		if entry.Removed {
			delete(d.awareness, entry.ClientID)
			if owned, ok := d.owners[sessionID]; ok {
				delete(owned, entry.ClientID)
			}
			continue
		}
		d.awareness[entry.ClientID] = awarenessState{clock: entry.Clock, state: entry.State}
		owned, ok := d.owners[sessionID]
		if !ok {
			owned = make(map[uint64]struct{})
			d.owners[sessionID] = owned
		}
		owned[entry.ClientID] = struct{}{}
	}
	d.mu.Unlock()

	frame := protocol.EncodeAwarenessFrame(body)
	for _, other := range d.snapshotSubs(sessionID) {
		if err := other.SendSync(d.name, frame); err != nil {
			d.logger.Warn("awareness broadcast failed",
				"session_id", other.SessionID(),
				"error", err)
		}
	}
	return nil
}

// handleQueryAwareness answers with a full snapshot of every known
// client's current state.
func (d *SharedDoc) handleQueryAwareness(sub Subscriber) error {
	snapshot := d.AwarenessSnapshot()
	payload := protocol.EncodeAwareness(snapshot)
	return sub.SendSync(d.name, protocol.EncodeAwarenessFrame(payload))
}

// AwarenessSnapshot returns every known client's presence, sorted by
// client id.
func (d *SharedDoc) AwarenessSnapshot() []protocol.AwarenessEntry {
	d.mu.Lock()
	entries := make([]protocol.AwarenessEntry, 0, len(d.awareness))
	for id, st := range d.awareness {
		entries = append(entries, protocol.AwarenessEntry{
			ClientID: id,
			Clock:    st.clock,
			State:    st.state,
		})
	}
	d.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	return entries
}

// removeSession drops the session from the subscriber set, removes
// every awareness client id it controlled, and broadcasts exactly one
// awareness message carrying those removals to the remaining
// subscribers. It reports whether the document is now empty.
func (d *SharedDoc) removeSession(sessionID string) bool {
	d.mu.Lock()
	delete(d.subs, sessionID)
	owned := d.owners[sessionID]
	delete(d.owners, sessionID)

	var removals []protocol.AwarenessEntry
	for clientID := range owned {
		st, ok := d.awareness[clientID]
		if !ok {
			continue
		}
		delete(d.awareness, clientID)
		removals = append(removals, protocol.AwarenessEntry{
			ClientID: clientID,
			Clock:    st.clock + 1,
			Removed:  true,
		})
	}
	empty := len(d.subs) == 0
	d.mu.Unlock()

	if len(removals) > 0 {
		frame := protocol.EncodeAwarenessFrame(protocol.EncodeAwareness(removals))
		for _, sub := range d.snapshotSubs(sessionID) {
			if err := sub.SendSync(d.name, frame); err != nil {
				d.logger.Warn("awareness cleanup broadcast failed",
					"session_id", sub.SessionID(),
					"error", err)
			}
		}
	}

	d.logger.Debug("session removed",
		"session_id", sessionID,
		"awareness_pruned", len(removals))
	return empty
}
