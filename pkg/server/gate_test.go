package server

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftsync/driftsync/pkg/broker"
	"github.com/driftsync/driftsync/pkg/crdt"
	"github.com/driftsync/driftsync/pkg/protocol"
)

type gateHarness struct {
	srv     *httptest.Server
	manager *SessionManager
	broker  *broker.Broker
}

func newGateHarness(t *testing.T, opts ...ManagerOption) *gateHarness {
	t.Helper()
	return newGateHarnessConfig(t, DefaultSessionConfig(), opts...)
}

func newGateHarnessConfig(t *testing.T, cfg *SessionConfig, opts ...ManagerOption) *gateHarness {
	t.Helper()
	sm := NewSessionManager(cfg, opts...)
	b := broker.New()
	g := NewGate(sm, b)
	srv := httptest.NewServer(g.Routes())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sm.Shutdown(ctx)
	})
	return &gateHarness{srv: srv, manager: sm, broker: b}
}

func (h *gateHarness) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/sync?" + query
}

func (h *gateHarness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(query), nil)
	if err != nil {
		t.Fatalf("dial %q: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// dialSession connects and consumes the pushed handshake and the
// initial sync request, returning the conn and the handshake message.
func (h *gateHarness) dialSession(t *testing.T, query string) (*websocket.Conn, *protocol.Message) {
	t.Helper()
	conn := h.dial(t, query)

	hs := readEnvelope(t, conn)
	if hs.Type != protocol.MessageHandshake {
		t.Fatalf("first message type = %q, want handshake", hs.Type)
	}
	step1 := readEnvelope(t, conn)
	if step1.Type != protocol.MessageSync {
		t.Fatalf("second message type = %q, want sync", step1.Type)
	}
	return conn, hs
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue // drain anything in flight before the close
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d, want %d", ce.Code, code)
		}
		return
	}
}

func TestConnectPushesHandshake(t *testing.T) {
	h := newGateHarness(t)
	conn := h.dial(t, "doc=notes&user=alice")

	hs := readEnvelope(t, conn)
	if hs.Type != protocol.MessageHandshake {
		t.Fatalf("Type = %q, want handshake", hs.Type)
	}
	if hs.SessionID == "" || hs.Token == "" {
		t.Fatalf("handshake missing identity: %+v", hs)
	}
	if hs.UserID != "alice" {
		t.Fatalf("UserID = %q, want alice", hs.UserID)
	}
	if hs.Handshake == nil || hs.Handshake.Heartbeat == nil || hs.Handshake.Reconnect == nil {
		t.Fatal("handshake missing policies")
	}
	if hs.Handshake.ReadOnly {
		t.Fatal("default session should be writable")
	}
	if hs.Handshake.TokenExpiry <= time.Now().UnixMilli() {
		t.Fatalf("TokenExpiry = %d, already past", hs.Handshake.TokenExpiry)
	}

	step1 := readEnvelope(t, conn)
	frame, err := protocol.DecodeSyncFrame(step1.Payload)
	if err != nil {
		t.Fatalf("decode step1: %v", err)
	}
	if frame.Op != protocol.OpSync || frame.Step != protocol.StepVector {
		t.Fatalf("initial frame = op %v step %v, want sync request", frame.Op, frame.Step)
	}

	s := h.manager.Get(hs.SessionID)
	if s == nil {
		t.Fatal("session not registered")
	}
	if s.UserID != "alice" || s.Anonymous {
		t.Fatalf("session identity = %q anonymous=%v", s.UserID, s.Anonymous)
	}
}

func TestMissingDocParam(t *testing.T) {
	h := newGateHarness(t)
	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("user=alice"), nil)
	if err == nil {
		t.Fatal("dial without doc succeeded")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("resp = %+v, want 400", resp)
	}
	resp.Body.Close()
}

func TestResumeRestoresSession(t *testing.T) {
	h := newGateHarness(t)
	conn, hs := h.dialSession(t, "doc=notes&user=alice")
	conn.Close()

	conn2, hs2 := h.dialSession(t, "doc=notes&session="+hs.SessionID+"&token="+hs.Token)
	defer conn2.Close()

	if hs2.SessionID != hs.SessionID {
		t.Fatalf("resumed session id = %q, want %q", hs2.SessionID, hs.SessionID)
	}
	if hs2.Token == hs.Token {
		t.Fatal("token not rotated on resume")
	}
}

func TestResumeRejected(t *testing.T) {
	h := newGateHarness(t)
	_, hs := h.dialSession(t, "doc=notes&user=alice")

	tests := []struct {
		name  string
		query string
	}{
		{"bad token", "doc=notes&session=" + hs.SessionID + "&token=bogus"},
		{"unknown session", "doc=notes&session=nope&token=" + hs.Token},
		{"wrong doc", "doc=other&session=" + hs.SessionID + "&token=" + hs.Token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := h.dial(t, tt.query)
			expectClose(t, conn, protocol.CloseInvalidSession)
		})
	}
}

func TestUpdateFanout(t *testing.T) {
	h := newGateHarness(t)
	connA, _ := h.dialSession(t, "doc=room&user=alice")
	connB, hsB := h.dialSession(t, "doc=room&user=bob")

	local := crdt.NewDocument(7)
	update := local.Set("title", []byte("launch plan"))

	writeEnvelope(t, connB, &protocol.Message{
		Type:      protocol.MessageSync,
		ID:        "c1",
		SessionID: hsB.SessionID,
		DocName:   "room",
		Payload:   protocol.EncodeSyncStep2(update),
	})

	// The sender gets an ack; the other subscriber gets the update.
	ack := readEnvelope(t, connB)
	if ack.Type != protocol.MessageAck || ack.ID != "c1" {
		t.Fatalf("sender got %q id=%q, want ack c1", ack.Type, ack.ID)
	}

	got := readEnvelope(t, connA)
	if got.Type != protocol.MessageSync {
		t.Fatalf("subscriber got %q, want sync", got.Type)
	}
	frame, err := protocol.DecodeSyncFrame(got.Payload)
	if err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if frame.Op != protocol.OpSync || frame.Step != protocol.StepUpdate {
		t.Fatalf("broadcast frame = op %v step %v", frame.Op, frame.Step)
	}
	mirror := crdt.NewDocument(8)
	if _, err := mirror.ApplyUpdate(frame.Body, nil); err != nil {
		t.Fatalf("apply broadcast: %v", err)
	}
	if v, ok := mirror.Get("title"); !ok || !bytes.Equal(v, []byte("launch plan")) {
		t.Fatalf("mirror title = %q ok=%v", v, ok)
	}
}

func TestReadOnlyWriteRefused(t *testing.T) {
	h := newGateHarness(t, WithAuthorizer(AuthorizerFunc(
		func(context.Context, string, string) (Access, error) {
			return AccessReader, nil
		})))
	conn, hs := h.dialSession(t, "doc=room&user=viewer")

	if !hs.Handshake.ReadOnly {
		t.Fatal("reader handshake not marked read-only")
	}

	local := crdt.NewDocument(9)
	update := local.Set("title", []byte("nope"))
	writeEnvelope(t, conn, &protocol.Message{
		Type:      protocol.MessageSync,
		ID:        "c1",
		SessionID: hs.SessionID,
		Payload:   protocol.EncodeSyncStep2(update),
	})

	// Auto-ack, then the refusal as an auth frame.
	ack := readEnvelope(t, conn)
	if ack.Type != protocol.MessageAck {
		t.Fatalf("got %q, want ack", ack.Type)
	}
	refusal := readEnvelope(t, conn)
	frame, err := protocol.DecodeSyncFrame(refusal.Payload)
	if err != nil {
		t.Fatalf("decode refusal: %v", err)
	}
	if frame.Op != protocol.OpAuth {
		t.Fatalf("refusal op = %v, want auth", frame.Op)
	}

	if doc, ok := h.broker.Lookup("room"); ok {
		if _, exists := doc.Document().Get("title"); exists {
			t.Fatal("read-only write was applied")
		}
	}
}

func TestDestroyLeavesNoGhostPresence(t *testing.T) {
	h := newGateHarness(t)
	connA, hsA := h.dialSession(t, "doc=room&user=alice")
	_, _ = h.dialSession(t, "doc=room&user=bob")

	// Alice announces two awareness clients.
	entries := protocol.EncodeAwareness([]protocol.AwarenessEntry{
		{ClientID: 5, Clock: 1, State: []byte(`{"cursor":1}`)},
		{ClientID: 7, Clock: 1, State: []byte(`{"cursor":2}`)},
	})
	writeEnvelope(t, connA, &protocol.Message{
		Type:      protocol.MessageSync,
		ID:        "c1",
		SessionID: hsA.SessionID,
		DocName:   "room",
		Payload:   protocol.EncodeAwarenessFrame(entries),
	})

	doc, ok := h.broker.Lookup("room")
	if !ok {
		t.Fatal("document not resident")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(doc.AwarenessSnapshot()) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("awareness = %+v, want 2 clients", doc.AwarenessSnapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Destroy her session out-of-band, as the prune loop would.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.manager.Destroy(ctx, hsA.SessionID)

	if got := doc.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d after destroy, want 1", got)
	}
	if snapshot := doc.AwarenessSnapshot(); len(snapshot) != 0 {
		t.Fatalf("ghost presence survives destroy: %+v", snapshot)
	}
}

func TestHeartbeatTerminatesSilentConnection(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.Heartbeat = protocol.HeartbeatPolicy{IntervalMS: 20, TimeoutMS: 20}
	h := newGateHarnessConfig(t, cfg)

	conn := h.dial(t, "doc=notes&user=alice")
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Find the handshake among the early frames; pings may already be
	// interleaved at this cadence. Nothing is ever answered.
	var hs *protocol.Message
	for hs == nil {
		msg := readEnvelope(t, conn)
		if msg.Type == protocol.MessageHandshake {
			hs = msg
		}
	}
	s := h.manager.Get(hs.SessionID)
	if s == nil {
		t.Fatal("session not registered")
	}

	// Swallow everything until the server severs the socket.
	var readErr error
	for readErr == nil {
		_, _, readErr = conn.ReadMessage()
	}
	var ce *websocket.CloseError
	if errors.As(readErr, &ce) && (ce.Code == protocol.CloseNormal || ce.Code == websocket.CloseGoingAway) {
		t.Fatalf("connection closed cleanly (%v), want severed", readErr)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("connection still bound after missed heartbeat")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.IsClosed() {
		t.Fatal("termination destroyed the session; it must survive for reconnect")
	}

	// Exactly once: the detach instant must not be restamped by a
	// second termination or by the read loop's own detach.
	detached := s.DetachedAt()
	if detached.IsZero() {
		t.Fatal("no detach recorded")
	}
	time.Sleep(100 * time.Millisecond)
	if got := s.DetachedAt(); !got.Equal(detached) {
		t.Fatalf("detached again at %v, first was %v", got, detached)
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	h := newGateHarness(t)
	conn, hs := h.dialSession(t, "doc=notes&user=alice")

	writeEnvelope(t, conn, &protocol.Message{
		Type:      protocol.MessageLogout,
		ID:        "c1",
		SessionID: hs.SessionID,
	})

	expectClose(t, conn, protocol.CloseNormal)

	// The close frame is written before teardown completes.
	deadline := time.Now().Add(2 * time.Second)
	for h.manager.Get(hs.SessionID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("session survived logout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
