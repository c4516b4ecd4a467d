package client

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftsync/driftsync/pkg/crdt"
	"github.com/driftsync/driftsync/pkg/protocol"
)

type readResult struct {
	data []byte
	err  error
}

// fakeConn is a scriptable connection: the test feeds inbound frames
// (or read errors) and inspects outbound envelopes.
type fakeConn struct {
	reads  chan readResult
	writes chan *protocol.Message
	closed chan struct{}
	once   sync.Once

	deadlineMu   sync.Mutex
	readDeadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan readResult, 16),
		writes: make(chan *protocol.Message, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-f.reads:
		return websocket.TextMessage, r.data, r.err
	case <-f.closed:
		return 0, nil, errors.New("fake: connection closed")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("fake: connection closed")
	default:
	}
	msg, err := protocol.UnmarshalMessage(data)
	if err != nil {
		return err
	}
	f.writes <- msg
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.deadlineMu.Lock()
	f.readDeadline = t
	f.deadlineMu.Unlock()
	return nil
}

func (f *fakeConn) lastReadDeadline() time.Time {
	f.deadlineMu.Lock()
	defer f.deadlineMu.Unlock()
	return f.readDeadline
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(t *testing.T, msg *protocol.Message) {
	t.Helper()
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.reads <- readResult{data: data}
}

func (f *fakeConn) fail(err error) {
	f.reads <- readResult{err: err}
}

func (f *fakeConn) nextWrite(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg := <-f.writes:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an outbound message")
		return nil
	}
}

// fakeDialer hands out scripted connections in order and records the
// dialed URLs.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
	urls  []string
	err   error
}

func (d *fakeDialer) DialContext(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	if d.next >= len(d.conns) {
		return nil, errors.New("fake: no connection scripted")
	}
	conn := d.conns[d.next]
	d.next++
	return conn, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func serverHandshake(sessionID, token string) *protocol.Message {
	return &protocol.Message{
		Type:      protocol.MessageHandshake,
		ID:        "s1",
		SessionID: sessionID,
		Token:     token,
		UserID:    "alice",
		Handshake: &protocol.Handshake{
			TokenExpiry: time.Now().Add(time.Hour).UnixMilli(),
			Heartbeat:   &protocol.HeartbeatPolicy{IntervalMS: 30_000, TimeoutMS: 10_000},
			Reconnect: &protocol.ReconnectPolicy{
				Auto:      true,
				InitialMS: 1,
				Decay:     1,
				MaxMS:     1,
				AbortMS:   60_000,
				WarnAfter: 2,
			},
		},
	}
}

// startSession builds a client over the fake dialer, scripts the
// handshake on the first connection, and blocks until active.
func startSession(t *testing.T, cfg Config, d *fakeDialer, first *fakeConn, sessionID string) *Session {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ws://gate.test/sync"
	}
	if cfg.DocName == "" {
		cfg.DocName = "notes"
	}
	cfg.Dialer = d
	if cfg.Jitter == nil {
		cfg.Jitter = fixedJitter(1)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)

	first.push(t, serverHandshake(sessionID, "tok-1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectAdoptsServerSession(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := startSession(t, Config{UserID: "alice"}, d, conn, "sess-1")

	if c.State() != StateActive {
		t.Fatalf("State() = %v, want active", c.State())
	}
	if c.SessionID() != "sess-1" {
		t.Fatalf("SessionID() = %q, want sess-1", c.SessionID())
	}

	ack := conn.nextWrite(t)
	if ack.Type != protocol.MessageAck || ack.ID != "s1" {
		t.Fatalf("first write = %q id=%q, want ack s1", ack.Type, ack.ID)
	}
	step1 := conn.nextWrite(t)
	if step1.Type != protocol.MessageSync || step1.SessionID != "sess-1" {
		t.Fatalf("second write = %+v, want sync request", step1)
	}
	frame, err := protocol.DecodeSyncFrame(step1.Payload)
	if err != nil {
		t.Fatalf("decode step1: %v", err)
	}
	if frame.Op != protocol.OpSync || frame.Step != protocol.StepVector {
		t.Fatalf("frame = op %v step %v, want sync request", frame.Op, frame.Step)
	}

	urls := d.dialedURLs()
	if len(urls) != 1 || !strings.Contains(urls[0], "doc=notes") || !strings.Contains(urls[0], "user=alice") {
		t.Fatalf("dialed %v", urls)
	}
}

func TestPingAnsweredWithCorrelation(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	startSession(t, Config{}, d, conn, "sess-1")
	conn.nextWrite(t) // ack
	conn.nextWrite(t) // step1

	conn.push(t, &protocol.Message{
		Type:          protocol.MessagePing,
		SessionID:     "sess-1",
		CorrelationID: "beat-42",
	})

	pong := conn.nextWrite(t)
	if pong.Type != protocol.MessagePong {
		t.Fatalf("Type = %q, want pong", pong.Type)
	}
	if pong.CorrelationID != "beat-42" {
		t.Fatalf("CorrelationID = %q, want beat-42", pong.CorrelationID)
	}
}

func TestDuplicateDeliveryAckedButDispatchedOnce(t *testing.T) {
	var calls atomic.Int32
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	startSession(t, Config{
		OnAwareness: func([]protocol.AwarenessEntry) { calls.Add(1) },
	}, d, conn, "sess-1")
	conn.nextWrite(t) // ack
	conn.nextWrite(t) // step1

	payload := protocol.EncodeAwareness([]protocol.AwarenessEntry{
		{ClientID: 9, Clock: 1, State: []byte(`{"name":"bob"}`)},
	})
	msg := &protocol.Message{
		Type:      protocol.MessageSync,
		ID:        "s2",
		SessionID: "sess-1",
		Payload:   protocol.EncodeAwarenessFrame(payload),
	}
	conn.push(t, msg)
	conn.push(t, msg)

	// Both deliveries are acked so the server can settle its ticket,
	// but the payload reaches the callback once.
	for i := 0; i < 2; i++ {
		ack := conn.nextWrite(t)
		if ack.Type != protocol.MessageAck || ack.ID != "s2" {
			t.Fatalf("write %d = %q id=%q, want ack s2", i, ack.Type, ack.ID)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("awareness callback ran %d times, want 1", got)
	}
}

func TestAnswersSyncRequestWithDiff(t *testing.T) {
	doc := crdt.NewDocument(5)
	doc.Set("title", []byte("draft"))

	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	startSession(t, Config{Document: doc}, d, conn, "sess-1")
	conn.nextWrite(t) // ack
	conn.nextWrite(t) // step1

	conn.push(t, &protocol.Message{
		Type:      protocol.MessageSync,
		ID:        "s2",
		SessionID: "sess-1",
		Payload:   protocol.EncodeSyncStep1(protocol.EncodeStateVector(nil)),
	})

	conn.nextWrite(t) // ack for s2
	reply := conn.nextWrite(t)
	frame, err := protocol.DecodeSyncFrame(reply.Payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if frame.Op != protocol.OpSync || frame.Step != protocol.StepUpdate {
		t.Fatalf("reply = op %v step %v, want update", frame.Op, frame.Step)
	}
	mirror := crdt.NewDocument(6)
	if _, err := mirror.ApplyUpdate(frame.Body, nil); err != nil {
		t.Fatalf("apply reply: %v", err)
	}
	if v, ok := mirror.Get("title"); !ok || !bytes.Equal(v, []byte("draft")) {
		t.Fatalf("mirror title = %q ok=%v", v, ok)
	}
}

func TestRemoteUpdateNotEchoed(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := startSession(t, Config{}, d, conn, "sess-1")
	conn.nextWrite(t) // ack
	conn.nextWrite(t) // step1

	remote := crdt.NewDocument(9)
	update := remote.Set("title", []byte("from server"))
	conn.push(t, &protocol.Message{
		Type:      protocol.MessageSync,
		ID:        "s2",
		SessionID: "sess-1",
		Payload:   protocol.EncodeSyncStep2(update),
	})

	ack := conn.nextWrite(t)
	if ack.Type != protocol.MessageAck {
		t.Fatalf("got %q, want ack only", ack.Type)
	}
	waitFor(t, "update applied", func() bool {
		_, ok := c.Document().Get("title")
		return ok
	})

	// A local edit after the remote one must go out exactly once.
	c.Document().Set("status", []byte("ok"))
	out := conn.nextWrite(t)
	if out.Type != protocol.MessageSync {
		t.Fatalf("got %q, want sync", out.Type)
	}
	select {
	case extra := <-conn.writes:
		t.Fatalf("unexpected extra write: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalEditsQueuedUntilActive(t *testing.T) {
	doc := crdt.NewDocument(3)
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}

	c, err := New(Config{
		URL:      "ws://gate.test/sync",
		DocName:  "notes",
		Document: doc,
		Dialer:   d,
		Jitter:   fixedJitter(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	// Edit while offline; the update must survive until the handshake.
	doc.Set("title", []byte("offline edit"))

	conn.push(t, serverHandshake("sess-1", "tok-1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn.nextWrite(t) // ack for the handshake
	replayed := conn.nextWrite(t)
	if replayed.SessionID != "sess-1" {
		t.Fatalf("replayed SessionID = %q, want the adopted sess-1", replayed.SessionID)
	}
	frame, err := protocol.DecodeSyncFrame(replayed.Payload)
	if err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if frame.Op != protocol.OpSync || frame.Step != protocol.StepUpdate {
		t.Fatalf("replay = op %v step %v, want the queued update", frame.Op, frame.Step)
	}
	step1 := conn.nextWrite(t)
	if f, _ := protocol.DecodeSyncFrame(step1.Payload); f == nil || f.Step != protocol.StepVector {
		t.Fatalf("expected sync request after replay, got %+v", step1)
	}
}

func TestInvalidSessionStartsFresh(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn1, conn2}}
	c := startSession(t, Config{UserID: "alice"}, d, conn1, "sess-1")
	conn1.nextWrite(t) // ack
	conn1.nextWrite(t) // step1

	// An edit the server never acked must survive the re-session.
	c.Document().Set("title", []byte("unacked"))
	conn1.nextWrite(t)

	// Same message id as the first handshake: a fresh session must not
	// treat it as a duplicate.
	conn2.push(t, serverHandshake("sess-2", "tok-2"))
	conn1.fail(&websocket.CloseError{Code: protocol.CloseInvalidSession, Text: "invalid session, restart"})

	waitFor(t, "new session adopted", func() bool { return c.SessionID() == "sess-2" })

	conn2.nextWrite(t) // ack for the new handshake

	// Every replayed envelope must carry the new session id, and the
	// queued edit must be among them.
	sawUpdate := false
	for i := 0; i < 3 && !sawUpdate; i++ {
		msg := conn2.nextWrite(t)
		if msg.Type != protocol.MessageSync || msg.SessionID != "sess-2" {
			t.Fatalf("write %d = type %q session %q, want sync under sess-2", i, msg.Type, msg.SessionID)
		}
		if f, err := protocol.DecodeSyncFrame(msg.Payload); err == nil && f.Op == protocol.OpSync && f.Step == protocol.StepUpdate {
			sawUpdate = true
		}
	}
	if !sawUpdate {
		t.Fatal("queued edit was not replayed")
	}

	urls := d.dialedURLs()
	if len(urls) != 2 {
		t.Fatalf("dialed %d times, want 2", len(urls))
	}
	if strings.Contains(urls[1], "session=") {
		t.Fatalf("redial kept stale session: %s", urls[1])
	}
	if !strings.Contains(urls[1], "user=alice") {
		t.Fatalf("redial lost user id: %s", urls[1])
	}
}

func TestReconnectAbortsAfterWindow(t *testing.T) {
	var warned atomic.Int32
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := startSession(t, Config{
		OnWarning: func(attempts int, err error) { warned.Store(int32(attempts)) },
	}, d, conn, "sess-1")
	conn.nextWrite(t) // ack
	conn.nextWrite(t) // step1

	// Every now() call moves the clock 10s, so the 60s abort window
	// elapses after a handful of failed attempts.
	var mu sync.Mutex
	fake := time.Now()
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		fake = fake.Add(10 * time.Second)
		return fake
	}

	d.setErr(errors.New("gate unreachable"))
	conn.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not give up")
	}
	if c.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", c.State())
	}
	if warned.Load() < 2 {
		t.Fatalf("OnWarning reported %d attempts, want >= 2", warned.Load())
	}
}

func TestNormalCloseEndsSession(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := startSession(t, Config{}, d, conn, "sess-1")

	conn.fail(&websocket.CloseError{Code: protocol.CloseNormal, Text: "logged out"})

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
	if got := d.dialedURLs(); len(got) != 1 {
		t.Fatalf("reconnected after a normal close: %v", got)
	}
}

func TestAwarenessClockIncrements(t *testing.T) {
	doc := crdt.NewDocument(11)
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := startSession(t, Config{Document: doc}, d, conn, "sess-1")
	conn.nextWrite(t) // ack
	conn.nextWrite(t) // step1

	for want := uint64(1); want <= 2; want++ {
		if err := c.SetAwareness([]byte(`{"cursor":3}`)); err != nil {
			t.Fatalf("SetAwareness() error = %v", err)
		}
		out := conn.nextWrite(t)
		frame, err := protocol.DecodeSyncFrame(out.Payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if frame.Op != protocol.OpAwareness {
			t.Fatalf("op = %v, want awareness", frame.Op)
		}
		entries, err := protocol.DecodeAwareness(frame.Body)
		if err != nil {
			t.Fatalf("decode entries: %v", err)
		}
		if len(entries) != 1 || entries[0].ClientID != 11 || entries[0].Clock != want {
			t.Fatalf("entries = %+v, want client 11 clock %d", entries, want)
		}
	}

	if err := c.ClearAwareness(); err != nil {
		t.Fatalf("ClearAwareness() error = %v", err)
	}
	out := conn.nextWrite(t)
	frame, _ := protocol.DecodeSyncFrame(out.Payload)
	entries, _ := protocol.DecodeAwareness(frame.Body)
	if len(entries) != 1 || !entries[0].Removed || entries[0].Clock != 3 {
		t.Fatalf("entries = %+v, want removal at clock 3", entries)
	}
}

func TestReadDeadlineTracksHeartbeat(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	startSession(t, Config{}, d, conn, "sess-1")
	conn.nextWrite(t) // ack
	conn.nextWrite(t) // step1

	// A ping round-trip guarantees the read loop armed a fresh
	// deadline after adopting the handshake's heartbeat policy.
	conn.push(t, &protocol.Message{
		Type:          protocol.MessagePing,
		SessionID:     "sess-1",
		CorrelationID: "beat-1",
	})
	conn.nextWrite(t) // pong

	deadline := conn.lastReadDeadline()
	if deadline.IsZero() {
		t.Fatal("no read deadline armed")
	}
	// Negotiated policy is 30s interval + 10s timeout.
	grace := time.Until(deadline)
	if grace < 35*time.Second || grace > 41*time.Second {
		t.Fatalf("read deadline %v ahead, want about 40s", grace)
	}
}

func TestLogoutClosesLocally(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn}}
	c := startSession(t, Config{}, d, conn, "sess-1")
	conn.nextWrite(t) // ack
	conn.nextWrite(t) // step1

	if err := c.Logout(); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	out := conn.nextWrite(t)
	if out.Type != protocol.MessageLogout {
		t.Fatalf("Type = %q, want logout", out.Type)
	}
	if c.State() != StateClosed {
		t.Fatalf("State() = %v, want closed", c.State())
	}
	c.Close() // idempotent
}
