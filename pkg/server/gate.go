package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/driftsync/driftsync/pkg/broker"
	"github.com/driftsync/driftsync/pkg/protocol"
)

// Gate is the websocket entry point. It upgrades connections, resolves
// or creates the session, binds the connection, and pumps inbound
// messages into the session until the socket dies.
type Gate struct {
	manager  *SessionManager
	broker   *broker.Broker
	config   *SessionConfig
	upgrader websocket.Upgrader
	metrics  *Metrics
	logger   *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithGateMetrics sets the Prometheus instruments.
func WithGateMetrics(m *Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithCheckOrigin overrides the upgrade origin check. The default
// accepts same-origin and requests without an Origin header.
func WithCheckOrigin(fn func(*http.Request) bool) GateOption {
	return func(g *Gate) {
		g.upgrader.CheckOrigin = fn
	}
}

// NewGate creates the gate over a session manager and a broker.
func NewGate(manager *SessionManager, b *broker.Broker, opts ...GateOption) *Gate {
	g := &Gate{
		manager: manager,
		broker:  b,
		config:  manager.config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gate")

	// Every destroyed session leaves its document, however it died:
	// logout, prune after the reconnect abort window, or shutdown.
	// Unsubscribing prunes the awareness ids the session controlled
	// and broadcasts their removal to the remaining subscribers.
	manager.SetOnSessionClose(func(s *Session) {
		b.Unsubscribe(s.DocName, s.ID)
	})
	return g
}

// Routes returns the gate's HTTP routes.
func (g *Gate) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/sync", g.HandleSync)
	return r
}

// HandleSync is the websocket endpoint. Query parameters:
//
//	doc     document name (required)
//	session session id to resume (optional)
//	user    user id for a new session (optional; empty is anonymous)
//	token   session token, required when resuming
//
// A resume with an unknown session or a bad token closes the socket
// with the invalid-session code so the client discards its cached
// session instead of retrying.
func (g *Gate) HandleSync(w http.ResponseWriter, r *http.Request) {
	docName := r.URL.Query().Get("doc")
	if docName == "" {
		http.Error(w, "missing doc parameter", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session")
	userID := r.URL.Query().Get("user")
	token := r.URL.Query().Get("token")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", "error", err)
		return
	}

	var s *Session
	if sessionID != "" {
		s, err = g.manager.GetOrRehydrate(r.Context(), sessionID)
		if err == nil && s.DocName != docName {
			err = ErrSessionNotFound
		}
		if err == nil {
			err = s.ValidateToken(token)
		}
		if err != nil {
			g.rejectInvalidSession(conn, sessionID, err)
			return
		}
	} else {
		s, err = g.manager.Create(r.Context(), docName, userID)
		if err != nil {
			g.logger.Warn("session create refused", "doc", docName, "error", err)
			g.closeWith(conn, protocol.CloseInvalidSession, "not authorized")
			return
		}
	}

	g.registerHandlers(s)
	if err := s.Bind(conn); err != nil {
		g.closeWith(conn, protocol.CloseInvalidSession, "session closed")
		return
	}
	g.metrics.connectionOpened()

	// The dial's query parameters carried the handshake request; push
	// the response so the client learns its session id, token, and
	// policies without a round trip.
	if err := g.pushHandshake(s); err != nil {
		g.logger.Warn("handshake push failed", "session_id", s.ID, "error", err)
	}
	s.replayPending()

	doc := g.broker.Subscribe(docName, s)
	// Ask the client for everything we are missing.
	if err := s.SendSync(docName, protocol.EncodeSyncStep1(doc.Document().EncodedStateVector())); err != nil {
		g.logger.Warn("initial sync request failed", "session_id", s.ID, "error", err)
	}

	g.readLoop(conn, s)
}

// rejectInvalidSession tells the client its cached session is
// unrecoverable. The close code is the signal; the client must request
// a new session rather than reconnecting with backoff.
func (g *Gate) rejectInvalidSession(conn *websocket.Conn, sessionID string, err error) {
	g.logger.Warn("rejected session resume", "session_id", sessionID, "error", err)
	g.metrics.sessionRejected()
	g.closeWith(conn, protocol.CloseInvalidSession, "invalid session, restart")
}

func (g *Gate) closeWith(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(g.config.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), deadline)
	_ = conn.Close()
}

// registerHandlers wires the session's message handlers to the broker
// and the manager. Safe to call on every bind; registration overwrites.
func (g *Gate) registerHandlers(s *Session) {
	s.On(protocol.MessageHandshake, g.handleHandshake)
	s.On(protocol.MessageSync, g.handleSyncMessage)
	s.On(protocol.MessageLogout, g.handleLogout)
}

// handleHandshake answers an explicit handshake request, used by
// connected clients to force a token rotation. A request carrying a
// stale token destroys the session.
func (g *Gate) handleHandshake(s *Session, msg *protocol.Message) error {
	if msg.Token != "" {
		if err := s.ValidateToken(msg.Token); err != nil {
			g.logger.Warn("handshake with bad token", "session_id", s.ID)
			s.CloseWithCode(protocol.CloseInvalidSession, "invalid session, restart")
			return err
		}
	}
	return g.pushHandshake(s)
}

// pushHandshake rotates the session token and sends the handshake
// response carrying it along with the negotiated policies. The push is
// deliberately untracked: a fresh one is derived on every bind, and
// replaying an old one would carry a revoked token.
func (g *Gate) pushHandshake(s *Session) error {
	token, expiry := s.RotateToken()
	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	g.manager.persist(ctx, s)

	heartbeat := g.config.Heartbeat
	reconnect := g.config.Reconnect
	return s.sendDirect(&protocol.Message{
		Type:   protocol.MessageHandshake,
		Token:  token,
		UserID: s.UserID,
		Handshake: &protocol.Handshake{
			TokenExpiry: expiry.UnixMilli(),
			Heartbeat:   &heartbeat,
			Reconnect:   &reconnect,
			ReadOnly:    !s.Access.CanWrite(),
		},
	})
}

// handleSyncMessage feeds the binary frame to the broker. Writes from
// read-only sessions are refused with an auth frame instead of being
// applied.
func (g *Gate) handleSyncMessage(s *Session, msg *protocol.Message) error {
	docName := msg.DocName
	if docName == "" {
		docName = s.DocName
	}
	if !s.Access.CanWrite() && isDocWrite(msg.Payload) {
		g.logger.Warn("write from read-only session", "session_id", s.ID, "doc", docName)
		if err := s.SendSync(docName, protocol.EncodeAuthFrame("permission denied")); err != nil {
			g.logger.Warn("send auth frame", "session_id", s.ID, "error", err)
		}
		return ErrReadOnly
	}
	return g.broker.HandleFrame(s, docName, msg.Payload)
}

// isDocWrite reports whether the raw frame would mutate document
// state. Awareness and sync requests are not writes.
func isDocWrite(frame []byte) bool {
	f, err := protocol.DecodeSyncFrame(frame)
	if err != nil {
		return false // broker rejects it with a better error
	}
	return f.Op == protocol.OpSync && f.Step == protocol.StepUpdate
}

// handleLogout destroys the session and closes the socket normally.
// The broker unsubscription rides on the manager's close callback.
func (g *Gate) handleLogout(s *Session, _ *protocol.Message) error {
	g.logger.Info("logout", "session_id", s.ID)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		deadline := time.Now().Add(g.config.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseNormal, "logged out"), deadline)
	}

	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()
	g.manager.Destroy(ctx, s.ID)
	return nil
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// readLoop pumps inbound frames into the session until the connection
// dies. Malformed envelopes are logged and dropped; the connection
// stays open.
func (g *Gate) readLoop(conn *websocket.Conn, s *Session) {
	defer g.metrics.connectionClosed()
	conn.SetReadLimit(g.config.MaxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, protocol.CloseNormal, websocket.CloseGoingAway) {
				g.logger.Debug("read error", "session_id", s.ID, "error", err)
			}
			s.detach(conn)
			return
		}
		g.metrics.messageReceived()

		msg, err := protocol.UnmarshalMessage(data)
		if err != nil {
			g.logger.Warn("dropped malformed message", "session_id", s.ID, "error", err)
			g.metrics.messageRejected()
			continue
		}
		if msg.SessionID != s.ID {
			g.logger.Warn("dropped message for wrong session",
				"session_id", s.ID, "claimed", msg.SessionID)
			g.metrics.messageRejected()
			continue
		}

		if err := s.HandleMessage(msg); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return
			}
			g.logger.Warn("message handling failed",
				"session_id", s.ID, "type", string(msg.Type), "error", err)
		}
		if s.IsClosed() {
			return
		}
	}
}
