// Package client implements the gate's counterpart: a session that
// dials the sync endpoint, keeps a local replicated document, and
// survives connection loss with backoff-driven reconnection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftsync/driftsync/pkg/crdt"
	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/driftsync/driftsync/pkg/ticket"
)

// Client errors.
var (
	ErrClosed         = errors.New("client: session closed")
	ErrNotConnected   = errors.New("client: not connected")
	ErrInvalidSession = errors.New("client: session invalidated by server")
	ErrAborted        = errors.New("client: reconnect abandoned")
)

// remoteOrigin marks document updates that arrived from the server, so
// the local update subscription does not echo them back.
const remoteOrigin = "remote"

// serverRecipient is the ticket recipient id for outbound tracking.
const serverRecipient = "server"

// Config configures a client session. URL and DocName are required.
type Config struct {
	// URL is the gate endpoint, e.g. wss://host/sync.
	URL string

	// DocName names the document to join.
	DocName string

	// UserID identifies the user. Empty requests an anonymous session.
	UserID string

	// Document is the local replica. One is created when nil.
	Document *crdt.Document

	// Dialer opens connections. NewDialer() when nil.
	Dialer Dialer

	Logger *slog.Logger

	// Jitter overrides the backoff jitter. Tests only.
	Jitter JitterFunc

	// OnStateChange is invoked on every lifecycle transition.
	OnStateChange func(State)

	// OnWarning is invoked when consecutive reconnect failures reach
	// the policy's WarnAfter threshold.
	OnWarning func(attempts int, err error)

	// OnAwareness receives presence changes from other clients.
	OnAwareness func(entries []protocol.AwarenessEntry)

	// WriteTimeout bounds a single write. Defaults to 10s.
	WriteTimeout time.Duration
}

// Session is a client-side session. It owns the local document replica
// and one connection at a time, reconnecting per the server's policy
// when the connection drops abnormally.
type Session struct {
	cfg    Config
	logger *slog.Logger
	doc    *crdt.Document
	dialer Dialer

	mu          sync.Mutex
	state       State
	conn        Conn
	sessionID   string
	token       string
	tokenExpiry time.Time
	userID      string
	readOnly    bool
	heartbeat   protocol.HeartbeatPolicy
	reconnect   protocol.ReconnectPolicy
	activeCh    chan struct{}

	// awarenessClock is the local presence lamport clock.
	awarenessClock uint64

	ids    *protocol.IDGenerator
	queue  *ticket.Queue
	dedupe *ticket.Dedupe

	unsubscribe func()
	closed      atomic.Bool
	done        chan struct{}

	// now is the clock, injectable for tests.
	now func() time.Time
}

// defaultReconnectPolicy is used until the handshake delivers the
// server's policy.
func defaultReconnectPolicy() protocol.ReconnectPolicy {
	return protocol.ReconnectPolicy{
		Auto:      true,
		InitialMS: 500,
		Decay:     1.5,
		MaxMS:     30_000,
		AbortMS:   60_000,
		WarnAfter: 5,
	}
}

// New creates a client session. Connect starts it.
func New(cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: missing URL")
	}
	if cfg.DocName == "" {
		return nil, errors.New("client: missing DocName")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewDialer()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	doc := cfg.Document
	if doc == nil {
		doc = crdt.NewDocument(crdt.RandomClientID())
	}

	c := &Session{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "client", "doc", cfg.DocName),
		doc:       doc,
		dialer:    cfg.Dialer,
		state:     StateIdle,
		reconnect: defaultReconnectPolicy(),
		activeCh:  make(chan struct{}),
		ids:       protocol.NewIDGenerator(protocol.RoleClient),
		queue:     ticket.NewQueue(ticket.DefaultConfig(), cfg.Logger),
		dedupe:    ticket.NewDedupe(ticket.DefaultDedupeCapacity),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	// Local edits flow to the server; remote updates do not echo back.
	c.unsubscribe = doc.OnUpdate(func(update []byte, origin any) {
		if origin == remoteOrigin {
			return
		}
		if err := c.SendUpdate(update); err != nil && !errors.Is(err, ErrNotConnected) {
			c.logger.Warn("queue local update", "error", err)
		}
	})
	return c, nil
}

// Document returns the local replica.
func (c *Session) Document() *crdt.Document {
	return c.doc
}

// State returns the current lifecycle state.
func (c *Session) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session id, empty before the
// first handshake.
func (c *Session) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ReadOnly reports whether the server granted read-only access.
func (c *Session) ReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly
}

func (c *Session) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("state change", "state", s.String())
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// Connect dials the gate and blocks until the session is active, the
// context expires, or the session closes. The connection is then
// maintained in the background until Close or abort.
func (c *Session) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.setState(StateConnecting)

	conn, err := c.dialer.DialContext(ctx, c.buildURL())
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	active := c.activeCh
	c.mu.Unlock()

	go c.run(conn)

	select {
	case <-active:
		return nil
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// buildURL appends the session query parameters to the endpoint.
func (c *Session) buildURL() string {
	c.mu.Lock()
	sessionID, token := c.sessionID, c.token
	c.mu.Unlock()

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("doc", c.cfg.DocName)
	if sessionID != "" {
		q.Set("session", sessionID)
		q.Set("token", token)
	} else if c.cfg.UserID != "" {
		q.Set("user", c.cfg.UserID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// run serves connections until the session ends, reconnecting with
// backoff after abnormal closes.
func (c *Session) run(conn Conn) {
	for {
		err := c.serve(conn)
		if c.closed.Load() {
			return
		}

		immediate := false
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			switch ce.Code {
			case protocol.CloseNormal, websocket.CloseGoingAway:
				c.logger.Info("connection closed by server")
				c.shutdown()
				return
			case protocol.CloseInvalidSession:
				// The cached session is dead. Forget it and request a
				// brand-new session immediately, without backoff.
				c.logger.Warn("session invalidated, requesting a new session")
				c.clearSession()
				immediate = true
			}
		}

		if !c.reconnectPolicy().Auto {
			c.shutdown()
			return
		}
		c.setState(StateReconnecting)
		conn = c.reconnectLoop(immediate)
		if conn == nil {
			c.shutdown()
			return
		}
	}
}

// serve runs one connection: wait for the pushed handshake, then pump
// inbound messages until the read fails. The returned error is the
// read error.
func (c *Session) serve(conn Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen)
	c.setState(StateAuthenticating)

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		// The server pings every heartbeat interval; a socket silent
		// past interval+timeout is half-open and must be abandoned so
		// reconnection can start.
		_ = conn.SetReadDeadline(time.Now().Add(c.readGrace()))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.UnmarshalMessage(data)
		if err != nil {
			c.logger.Warn("dropped malformed message", "error", err)
			continue
		}
		c.handleMessage(msg)
		if c.closed.Load() {
			return ErrClosed
		}
	}
}

// readGrace is how long the connection may stay silent before it is
// treated as dead. Until the handshake delivers the server's heartbeat
// policy the production defaults apply.
func (c *Session) readGrace() time.Duration {
	c.mu.Lock()
	hb := c.heartbeat
	c.mu.Unlock()
	if hb.IntervalMS <= 0 {
		hb = protocol.HeartbeatPolicy{IntervalMS: 30_000, TimeoutMS: 10_000}
	}
	return hb.Interval() + hb.Timeout()
}

// reconnectLoop dials with exponential backoff until a connection
// opens or the abort window elapses. Returns nil when giving up.
func (c *Session) reconnectLoop(immediate bool) Conn {
	policy := c.reconnectPolicy()
	start := c.now()
	attempts := 0

	for {
		if c.closed.Load() {
			return nil
		}
		if c.now().Sub(start) > policy.Abort() {
			c.logger.Error("reconnect abandoned", "elapsed", c.now().Sub(start))
			return nil
		}

		if !immediate {
			delay := backoffDelay(policy, attempts, c.cfg.Jitter)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-c.done:
				timer.Stop()
				return nil
			}
		}
		immediate = false

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dialer.DialContext(ctx, c.buildURL())
		cancel()
		if err == nil {
			c.logger.Info("reconnected", "attempts", attempts)
			return conn
		}

		attempts++
		c.logger.Warn("reconnect attempt failed", "attempt", attempts, "error", err)
		if c.cfg.OnWarning != nil && policy.WarnAfter > 0 && attempts >= policy.WarnAfter {
			c.cfg.OnWarning(attempts, err)
		}
	}
}

func (c *Session) reconnectPolicy() protocol.ReconnectPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect
}

// clearSession forgets the cached session identity so the next dial
// requests a fresh session.
func (c *Session) clearSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
	c.dedupe = ticket.NewDedupe(ticket.DefaultDedupeCapacity)
}

// handleMessage dispatches one inbound envelope.
func (c *Session) handleMessage(msg *protocol.Message) {
	// Adopt the server-assigned session id on first contact.
	c.mu.Lock()
	if c.sessionID == "" && msg.SessionID != "" {
		c.sessionID = msg.SessionID
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	switch msg.Type {
	case protocol.MessageAck:
		if _, err := c.queue.Ack(msg.ID, serverRecipient); err != nil {
			c.logger.Debug("ack for unknown ticket", "message_id", msg.ID)
		}
		return
	case protocol.MessagePing:
		if err := c.send(protocol.NewPong(sessionID, msg.CorrelationID)); err != nil {
			c.logger.Warn("pong failed", "error", err)
		}
		return
	case protocol.MessagePong:
		return
	}

	if msg.ID != "" {
		dup := c.dedupe.Seen(msg.ID)
		if err := c.send(protocol.NewAck(sessionID, msg.ID)); err != nil {
			c.logger.Warn("ack failed", "message_id", msg.ID, "error", err)
		}
		if dup {
			return
		}
	}

	switch msg.Type {
	case protocol.MessageHandshake:
		c.handleHandshake(msg)
	case protocol.MessageSync:
		c.handleSyncFrame(msg.Payload)
	default:
		c.logger.Warn("unhandled message", "type", string(msg.Type))
	}
}

// handleHandshake stores the session identity and policies and marks
// the session active. Pending outbound messages are replayed, then the
// server is asked for the state we are missing.
func (c *Session) handleHandshake(msg *protocol.Message) {
	c.mu.Lock()
	c.token = msg.Token
	if msg.UserID != "" {
		c.userID = msg.UserID
	}
	if hs := msg.Handshake; hs != nil {
		c.tokenExpiry = time.UnixMilli(hs.TokenExpiry)
		if hs.Heartbeat != nil {
			c.heartbeat = *hs.Heartbeat
		}
		if hs.Reconnect != nil {
			c.reconnect = *hs.Reconnect
		}
		c.readOnly = hs.ReadOnly
	}
	active := c.activeCh
	c.mu.Unlock()

	c.setState(StateActive)
	select {
	case <-active:
	default:
		close(active)
	}

	c.replayPending()
	if err := c.send(&protocol.Message{
		Type:    protocol.MessageSync,
		DocName: c.cfg.DocName,
		Payload: protocol.EncodeSyncStep1(c.doc.EncodedStateVector()),
	}); err != nil {
		c.logger.Warn("sync request failed", "error", err)
	}
}

// replayPending re-sends unacknowledged messages in enqueue order. The
// stored payload was marshaled when the message was queued — possibly
// before any session existed, or under a session the server has since
// invalidated — so the session id is re-stamped at replay time.
func (c *Session) replayPending() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	pending := c.queue.PendingFor(serverRecipient)
	for _, t := range pending {
		var msg protocol.Message
		if err := json.Unmarshal(t.Payload, &msg); err != nil {
			c.logger.Warn("dropping undecodable pending message", "ticket_id", t.ID, "error", err)
			continue
		}
		msg.SessionID = sessionID
		data, err := msg.Marshal()
		if err != nil {
			c.logger.Warn("re-encode pending message", "ticket_id", t.ID, "error", err)
			continue
		}
		if err := c.write(data); err != nil {
			c.logger.Warn("replay write failed", "ticket_id", t.ID, "error", err)
			return
		}
	}
	if len(pending) > 0 {
		c.logger.Debug("replayed pending messages", "count", len(pending))
	}
}

// handleSyncFrame applies one binary sync frame to the local replica.
func (c *Session) handleSyncFrame(frame []byte) {
	f, err := protocol.DecodeSyncFrame(frame)
	if err != nil {
		c.logger.Warn("dropped undecodable sync frame", "error", err)
		return
	}

	switch f.Op {
	case protocol.OpSync:
		if f.Step == protocol.StepVector {
			sv, err := protocol.DecodeStateVector(f.Body)
			if err != nil {
				c.logger.Warn("bad state vector", "error", err)
				return
			}
			if diff := c.doc.DiffSince(sv); diff != nil {
				if err := c.sendSyncFrame(protocol.EncodeSyncStep2(diff)); err != nil {
					c.logger.Warn("sync reply failed", "error", err)
				}
			}
			return
		}
		if _, err := c.doc.ApplyUpdate(f.Body, remoteOrigin); err != nil {
			c.logger.Warn("rejected corrupt update", "error", err)
		}
	case protocol.OpAwareness:
		entries, err := protocol.DecodeAwareness(f.Body)
		if err != nil {
			c.logger.Warn("bad awareness payload", "error", err)
			return
		}
		if c.cfg.OnAwareness != nil {
			c.cfg.OnAwareness(entries)
		}
	case protocol.OpAuth:
		c.logger.Warn("server auth notice", "note", f.Note)
	case protocol.OpQueryAwareness:
		// Server-side only; ignore.
	}
}

// write sends raw bytes on the current connection.
func (c *Session) write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// send marshals and delivers a message. Messages requiring an ack get
// a client-side id and stay queued until the server acknowledges them,
// surviving reconnects.
func (c *Session) send(msg *protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if msg.SessionID == "" {
		c.mu.Lock()
		msg.SessionID = c.sessionID
		c.mu.Unlock()
	}
	if msg.RequiresAck() && msg.ID == "" {
		msg.ID = c.ids.Next()
	}
	data, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	if msg.RequiresAck() {
		c.queue.Track(msg.ID, data, serverRecipient)
	}
	return c.write(data)
}

func (c *Session) sendSyncFrame(frame []byte) error {
	return c.send(&protocol.Message{
		Type:    protocol.MessageSync,
		DocName: c.cfg.DocName,
		Payload: frame,
	})
}

// SendUpdate queues a document update for the server.
func (c *Session) SendUpdate(update []byte) error {
	return c.sendSyncFrame(protocol.EncodeSyncStep2(update))
}

// SetAwareness publishes this client's presence state.
func (c *Session) SetAwareness(state []byte) error {
	c.mu.Lock()
	c.awarenessClock++
	entry := protocol.AwarenessEntry{
		ClientID: c.doc.ClientID(),
		Clock:    c.awarenessClock,
		State:    state,
	}
	c.mu.Unlock()
	payload := protocol.EncodeAwareness([]protocol.AwarenessEntry{entry})
	return c.sendSyncFrame(protocol.EncodeAwarenessFrame(payload))
}

// ClearAwareness withdraws this client's presence.
func (c *Session) ClearAwareness() error {
	c.mu.Lock()
	c.awarenessClock++
	entry := protocol.AwarenessEntry{
		ClientID: c.doc.ClientID(),
		Clock:    c.awarenessClock,
		Removed:  true,
	}
	c.mu.Unlock()
	payload := protocol.EncodeAwareness([]protocol.AwarenessEntry{entry})
	return c.sendSyncFrame(protocol.EncodeAwarenessFrame(payload))
}

// QueryAwareness asks the server for every known client's presence.
// The answer arrives through OnAwareness.
func (c *Session) QueryAwareness() error {
	return c.sendSyncFrame(protocol.EncodeQueryAwareness())
}

// RefreshToken asks the server to rotate the session token. The new
// token arrives in a handshake message.
func (c *Session) RefreshToken() error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	return c.send(&protocol.Message{
		Type:  protocol.MessageHandshake,
		Token: token,
	})
}

// Logout asks the server to destroy the session and closes locally.
func (c *Session) Logout() error {
	err := c.send(&protocol.Message{Type: protocol.MessageLogout})
	c.Close()
	return err
}

// shutdown marks the session closed after the connection ends for
// good.
func (c *Session) shutdown() {
	c.Close()
}

// Close tears the session down. Idempotent.
func (c *Session) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.queue.Close()
	c.setState(StateClosed)
	c.logger.Info("client session closed")
}

// Done returns a channel closed when the session ends.
func (c *Session) Done() <-chan struct{} {
	return c.done
}
