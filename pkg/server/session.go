package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/driftsync/driftsync/pkg/store"
	"github.com/driftsync/driftsync/pkg/ticket"
)

// Handler processes one inbound message of a registered type.
type Handler func(s *Session, msg *protocol.Message) error

// Session is one client's long-lived server-side state. It outlives
// any single websocket connection: a session survives disconnects and
// is destroyed only by logout, token invalidation, or pruning after
// the reconnect abort window.
//
// At most one connection is bound at a time. Binding a new connection
// supersedes and closes the previous one.
type Session struct {
	// Identity, immutable after creation.
	ID        string
	UserID    string
	Anonymous bool
	DocName   string
	Access    Access
	CreatedAt time.Time

	// Connection. mu protects the conn pointer and serializes writes.
	mu       sync.Mutex
	conn     *websocket.Conn
	connDone chan struct{}

	// Token state.
	tokenMu     sync.RWMutex
	token       string
	tokenExpiry time.Time

	// Liveness.
	lastActive atomic.Int64 // unix millis
	detachedAt atomic.Int64 // unix millis, 0 while connected

	closed     atomic.Bool
	terminated atomic.Bool // heartbeat termination fired for current conn
	done       chan struct{}

	// Outbound ids and reliable delivery.
	ids    *protocol.IDGenerator
	queue  *ticket.Queue
	dedupe *ticket.Dedupe

	// pongCh receives correlation ids from inbound pongs.
	pongCh chan string

	// Handler registry for non-builtin message types.
	handlerMu sync.RWMutex
	handlers  map[protocol.MessageType]Handler

	// onDetach is invoked after a connection unbinds.
	onDetach func(*Session)

	config *SessionConfig
	logger *slog.Logger
}

// generateToken generates a cryptographically random session token.
func generateToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// newSession creates a detached session. Bind attaches a connection.
func newSession(docName, userID string, access Access, queue *ticket.Queue, config *SessionConfig, logger *slog.Logger) *Session {
	now := time.Now()
	id := uuid.NewString()
	anonymous := userID == ""
	if anonymous {
		userID = "anon-" + uuid.NewString()
	}

	s := &Session{
		ID:          id,
		UserID:      userID,
		Anonymous:   anonymous,
		DocName:     docName,
		Access:      access,
		CreatedAt:   now,
		token:       generateToken(),
		tokenExpiry: now.Add(config.TokenTTL),
		done:        make(chan struct{}),
		ids:         protocol.NewIDGenerator(protocol.RoleServer),
		queue:       queue,
		dedupe:      ticket.NewDedupe(ticket.DefaultDedupeCapacity),
		pongCh:      make(chan string, 4),
		handlers:    make(map[protocol.MessageType]Handler),
		config:      config,
		logger:      logger.With("session_id", id),
	}
	s.lastActive.Store(now.UnixMilli())
	s.detachedAt.Store(now.UnixMilli())
	return s
}

// On registers the handler for a message type. Ack, ping, and pong are
// handled internally and cannot be overridden.
func (s *Session) On(t protocol.MessageType, h Handler) {
	s.handlerMu.Lock()
	s.handlers[t] = h
	s.handlerMu.Unlock()
}

// SessionID returns the session id.
func (s *Session) SessionID() string {
	return s.ID
}

// Connected reports whether a connection is currently bound.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// DetachedAt returns when the session lost its connection, or the zero
// time while connected.
func (s *Session) DetachedAt() time.Time {
	ms := s.detachedAt.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// LastActive returns the instant of the last inbound message.
func (s *Session) LastActive() time.Time {
	return time.UnixMilli(s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixMilli())
}

// Bind attaches a connection to the session, superseding and closing
// any previous one. The heartbeat loop for the new connection starts
// here. The caller replays pending messages once the handshake is on
// the wire, so the client holds its identity before any replay lands.
func (s *Session) Bind(conn *websocket.Conn) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	old := s.conn
	oldDone := s.connDone
	s.conn = conn
	s.connDone = make(chan struct{})
	connDone := s.connDone
	s.mu.Unlock()

	s.detachedAt.Store(0)
	s.terminated.Store(false)

	if oldDone != nil {
		close(oldDone)
	}
	if old != nil {
		deadline := time.Now().Add(s.config.WriteTimeout)
		_ = old.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseNormal, "superseded"), deadline)
		_ = old.Close()
		s.logger.Info("connection superseded")
	}

	go s.heartbeatLoop(conn, connDone)
	return nil
}

// replayPending rewrites every unacknowledged outbound message in
// enqueue order. Replays are safe: receivers deduplicate by id.
func (s *Session) replayPending() {
	pending := s.queue.PendingFor(s.ID)
	for _, t := range pending {
		if err := s.write(t.Payload); err != nil {
			s.logger.Warn("replay write failed", "ticket_id", t.ID, "error", err)
			return
		}
	}
	if len(pending) > 0 {
		s.logger.Debug("replayed pending messages", "count", len(pending))
	}
}

// detach unbinds the given connection if it is still the bound one.
// Late detaches from a superseded connection are no-ops.
func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.connDone != nil {
		close(s.connDone)
		s.connDone = nil
	}
	s.mu.Unlock()

	s.detachedAt.Store(time.Now().UnixMilli())
	_ = conn.Close()
	s.logger.Debug("connection detached")

	if s.onDetach != nil {
		s.onDetach(s)
	}
}

func (s *Session) setOnDetach(fn func(*Session)) {
	s.onDetach = fn
}

// write sends one marshaled envelope on the bound connection.
func (s *Session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNoConnection
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return NewSessionError(s.ID, "write", err)
	}
	return nil
}

// Send delivers a message to the client. Messages that require
// acknowledgment are assigned a server-side id and tracked until
// acked; a failed write leaves the ticket pending for replay on the
// next connection, so delivery is at-least-once.
func (s *Session) Send(msg *protocol.Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	msg.SessionID = s.ID
	if msg.RequiresAck() && msg.ID == "" {
		msg.ID = s.ids.Next()
	}
	data, err := msg.Marshal()
	if err != nil {
		return NewSessionError(s.ID, "marshal", err)
	}
	if msg.RequiresAck() {
		s.queue.Track(msg.ID, data, s.ID)
	}
	return s.write(data)
}

// sendDirect delivers a message without delivery tracking. Handshake
// and token pushes use it: they are re-derived on every bind, and a
// stale one replayed after reconnect would hand the client a
// superseded token. The client still acks the id; the ack resolves to
// no ticket and is ignored.
func (s *Session) sendDirect(msg *protocol.Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	msg.SessionID = s.ID
	if msg.RequiresAck() && msg.ID == "" {
		msg.ID = s.ids.Next()
	}
	data, err := msg.Marshal()
	if err != nil {
		return NewSessionError(s.ID, "marshal", err)
	}
	return s.write(data)
}

// SendSync delivers a binary sync frame for the named document.
func (s *Session) SendSync(docName string, frame []byte) error {
	return s.Send(&protocol.Message{
		Type:    protocol.MessageSync,
		DocName: docName,
		Payload: frame,
	})
}

// HandleMessage dispatches one validated inbound envelope. Every
// message carrying an id is acknowledged on receipt; duplicates are
// acked again but not re-dispatched.
func (s *Session) HandleMessage(msg *protocol.Message) error {
	s.touch()

	switch msg.Type {
	case protocol.MessageAck:
		s.handleAck(msg)
		return nil
	case protocol.MessagePing:
		return s.Send(protocol.NewPong(s.ID, msg.CorrelationID))
	case protocol.MessagePong:
		select {
		case s.pongCh <- msg.CorrelationID:
		default:
		}
		return nil
	}

	if msg.ID != "" {
		dup := s.dedupe.Seen(msg.ID)
		if err := s.Send(protocol.NewAck(s.ID, msg.ID)); err != nil {
			s.logger.Warn("ack write failed", "message_id", msg.ID, "error", err)
		}
		if dup {
			s.logger.Debug("dropped duplicate message", "message_id", msg.ID)
			return nil
		}
	}

	s.handlerMu.RLock()
	h := s.handlers[msg.Type]
	s.handlerMu.RUnlock()
	if h == nil {
		return fmt.Errorf("%w: %q", ErrUnhandledMessage, msg.Type)
	}
	return h(s, msg)
}

func (s *Session) handleAck(msg *protocol.Message) {
	completed, err := s.queue.Ack(msg.ID, s.ID)
	if err != nil {
		// Already swept or never tracked; late acks are harmless.
		s.logger.Debug("ack for unknown ticket", "message_id", msg.ID)
		return
	}
	if completed {
		s.logger.Debug("message delivered", "message_id", msg.ID)
	}
}

// heartbeatLoop pings the connection on the configured cadence and
// terminates it when no matching pong arrives within interval+timeout
// of a ping. Termination fires at most once per connection and severs
// the socket without a close frame, so the client treats it as an
// abnormal close and reconnects.
func (s *Session) heartbeatLoop(conn *websocket.Conn, connDone <-chan struct{}) {
	interval := s.config.Heartbeat.Interval()
	grace := interval + s.config.Heartbeat.Timeout()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-connDone:
			return
		case <-s.done:
			return
		}

		correlation := uuid.NewString()
		ping := &protocol.Message{
			Type:          protocol.MessagePing,
			SessionID:     s.ID,
			CorrelationID: correlation,
		}
		data, err := ping.Marshal()
		if err != nil {
			s.logger.Error("marshal ping", "error", err)
			return
		}
		if err := s.write(data); err != nil {
			return
		}

		if !s.awaitPong(correlation, grace, connDone) {
			s.terminate(conn)
			return
		}
	}
}

// awaitPong waits for the pong matching the given correlation id.
// Pongs answering older pings are drained and ignored.
func (s *Session) awaitPong(correlation string, grace time.Duration, connDone <-chan struct{}) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	for {
		select {
		case got := <-s.pongCh:
			if got == correlation {
				return true
			}
		case <-timer.C:
			return false
		case <-connDone:
			return true
		case <-s.done:
			return true
		}
	}
}

// terminate severs an unresponsive connection exactly once.
func (s *Session) terminate(conn *websocket.Conn) {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn("heartbeat missed, terminating connection")
	s.detach(conn)
}

// Token returns the current token and its expiry.
func (s *Session) Token() (string, time.Time) {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token, s.tokenExpiry
}

// ValidateToken checks the presented token against the session's
// current token in constant time.
func (s *Session) ValidateToken(presented string) error {
	s.tokenMu.RLock()
	token, expiry := s.token, s.tokenExpiry
	s.tokenMu.RUnlock()

	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	if time.Now().After(expiry) {
		return ErrInvalidToken
	}
	return nil
}

// RotateToken issues a fresh token and returns it with its expiry.
func (s *Session) RotateToken() (string, time.Time) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	s.token = generateToken()
	s.tokenExpiry = time.Now().Add(s.config.TokenTTL)
	return s.token, s.tokenExpiry
}

// TokenExpiresWithin reports whether the token expires within d.
func (s *Session) TokenExpiresWithin(d time.Duration) bool {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return time.Until(s.tokenExpiry) < d
}

// Record returns the session's persistable identity state.
func (s *Session) Record() *store.Record {
	token, expiry := s.Token()
	return &store.Record{
		SessionID:   s.ID,
		UserID:      s.UserID,
		Anonymous:   s.Anonymous,
		DocName:     s.DocName,
		Access:      s.Access.String(),
		Token:       token,
		TokenExpiry: expiry,
		CreatedAt:   s.CreatedAt,
	}
}

// CloseWithCode closes the bound connection with the given close code
// and destroys the session.
func (s *Session) CloseWithCode(code int, text string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		deadline := time.Now().Add(s.config.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), deadline)
	}
	s.Close()
}

// Close destroys the session. Idempotent.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.connDone != nil {
		close(s.connDone)
		s.connDone = nil
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.queue.Drop(s.ID)
	s.logger.Info("session closed")
}

// IsClosed reports whether the session has been destroyed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Done returns a channel closed when the session is destroyed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
