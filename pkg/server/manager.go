package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/driftsync/driftsync/pkg/store"
	"github.com/driftsync/driftsync/pkg/ticket"
)

// SessionManager owns every live session. Authenticated and anonymous
// sessions are tracked in disjoint registries; a session id lives in
// exactly one of them.
type SessionManager struct {
	mu        sync.RWMutex
	users     map[string]*Session // authenticated, by session id
	anonUsers map[string]*Session // anonymous, by session id

	config *SessionConfig
	queue  *ticket.Queue
	store  store.SessionStore
	auth   Authorizer

	metrics *Metrics
	logger  *slog.Logger

	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64

	onSessionClose func(*Session)

	done      chan struct{}
	loopsDone sync.WaitGroup
	closeOnce sync.Once
}

// ManagerOption configures a SessionManager.
type ManagerOption func(*SessionManager)

// WithStore sets the persistence backend for session rehydration.
func WithStore(st store.SessionStore) ManagerOption {
	return func(sm *SessionManager) {
		sm.store = st
	}
}

// WithAuthorizer sets the access decision callback.
func WithAuthorizer(a Authorizer) ManagerOption {
	return func(sm *SessionManager) {
		sm.auth = a
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(sm *SessionManager) {
		sm.logger = logger
	}
}

// WithManagerMetrics sets the Prometheus instruments.
func WithManagerMetrics(m *Metrics) ManagerOption {
	return func(sm *SessionManager) {
		sm.metrics = m
	}
}

// NewSessionManager creates a manager and starts its background loops.
func NewSessionManager(config *SessionConfig, opts ...ManagerOption) *SessionManager {
	if config == nil {
		config = DefaultSessionConfig()
	}
	sm := &SessionManager{
		users:     make(map[string]*Session),
		anonUsers: make(map[string]*Session),
		config:    config,
		auth:      AllowAll(),
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sm)
	}
	sm.logger = sm.logger.With("component", "session_manager")
	sm.queue = ticket.NewQueue(ticket.DefaultConfig(), sm.logger)
	if sm.store == nil {
		sm.store = store.NewMemoryStore()
	}

	sm.loopsDone.Add(2)
	go sm.pruneLoop()
	go sm.tokenRefreshLoop()

	return sm
}

// Queue returns the shared outbound delivery queue.
func (sm *SessionManager) Queue() *ticket.Queue {
	return sm.queue
}

// Create authorizes the user on the document and registers a new
// detached session. An empty userID creates an anonymous session.
func (sm *SessionManager) Create(ctx context.Context, docName, userID string) (*Session, error) {
	access, err := sm.auth.Authorize(ctx, docName, userID)
	if err != nil {
		return nil, err
	}
	if !access.CanRead() {
		return nil, ErrAccessDenied
	}

	sm.mu.Lock()
	if sm.config.MaxSessions > 0 && len(sm.users)+len(sm.anonUsers) >= sm.config.MaxSessions {
		sm.mu.Unlock()
		return nil, ErrMaxSessionsReached
	}
	s := newSession(docName, userID, access, sm.queue, sm.config, sm.logger)
	s.setOnDetach(sm.onDetach)
	sm.registerLocked(s)
	sm.mu.Unlock()

	sm.totalCreated.Add(1)
	sm.metrics.sessionCreated(s.Anonymous)
	sm.persist(ctx, s)

	sm.logger.Info("session created",
		"session_id", s.ID,
		"user_id", s.UserID,
		"doc", docName,
		"anonymous", s.Anonymous,
		"access", s.Access.String(),
		"active_sessions", sm.Count())
	return s, nil
}

func (sm *SessionManager) registerLocked(s *Session) {
	if s.Anonymous {
		sm.anonUsers[s.ID] = s
	} else {
		sm.users[s.ID] = s
	}
}

func (sm *SessionManager) removeLocked(id string) *Session {
	if s, ok := sm.users[id]; ok {
		delete(sm.users, id)
		return s
	}
	if s, ok := sm.anonUsers[id]; ok {
		delete(sm.anonUsers, id)
		return s
	}
	return nil
}

// Get returns the in-memory session for the id, or nil.
func (sm *SessionManager) Get(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if s, ok := sm.users[id]; ok {
		return s
	}
	return sm.anonUsers[id]
}

// GetOrRehydrate returns the session for the id, rebuilding it from
// the store when the gate restarted since it was created. A rehydrated
// session keeps its identity, access, and token but starts detached.
func (sm *SessionManager) GetOrRehydrate(ctx context.Context, id string) (*Session, error) {
	if s := sm.Get(id); s != nil {
		return s, nil
	}
	if sm.store == nil {
		return nil, ErrSessionNotFound
	}

	data, err := sm.store.Load(ctx, id)
	if err != nil {
		return nil, NewSessionError(id, "load", err)
	}
	if data == nil {
		return nil, ErrSessionNotFound
	}
	rec, err := store.UnmarshalRecord(data)
	if err != nil {
		return nil, NewSessionError(id, "decode record", err)
	}

	s := newSession(rec.DocName, rec.UserID, ParseAccess(rec.Access), sm.queue, sm.config, sm.logger)
	s.ID = rec.SessionID
	s.Anonymous = rec.Anonymous
	s.CreatedAt = rec.CreatedAt
	s.token = rec.Token
	s.tokenExpiry = rec.TokenExpiry
	s.logger = sm.logger.With("session_id", s.ID)
	s.setOnDetach(sm.onDetach)

	sm.mu.Lock()
	// Lost a race with a concurrent rehydrate; keep the winner.
	if existing := sm.users[s.ID]; existing != nil {
		sm.mu.Unlock()
		return existing, nil
	}
	if existing := sm.anonUsers[s.ID]; existing != nil {
		sm.mu.Unlock()
		return existing, nil
	}
	sm.registerLocked(s)
	sm.mu.Unlock()

	sm.logger.Info("session rehydrated", "session_id", s.ID, "doc", s.DocName)
	return s, nil
}

// Destroy removes the session everywhere and closes it.
func (sm *SessionManager) Destroy(ctx context.Context, id string) {
	sm.mu.Lock()
	s := sm.removeLocked(id)
	sm.mu.Unlock()
	if s == nil {
		return
	}

	if err := sm.store.Delete(ctx, id); err != nil {
		sm.logger.Warn("delete session record", "session_id", id, "error", err)
	}
	s.Close()
	sm.totalClosed.Add(1)
	sm.metrics.sessionClosed(s.Anonymous)
	if sm.onSessionClose != nil {
		sm.onSessionClose(s)
	}
	sm.logger.Info("session destroyed", "session_id", id, "active_sessions", sm.Count())
}

// Count returns the number of live sessions across both registries.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.users) + len(sm.anonUsers)
}

// AnonymousCount returns the number of live anonymous sessions.
func (sm *SessionManager) AnonymousCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.anonUsers)
}

// ForEach iterates over all sessions. The callback must not block; it
// holds the read lock.
func (sm *SessionManager) ForEach(fn func(*Session) bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, s := range sm.users {
		if !fn(s) {
			return
		}
	}
	for _, s := range sm.anonUsers {
		if !fn(s) {
			return
		}
	}
}

// SetOnSessionClose sets the callback invoked after a session is
// destroyed. Call before serving traffic.
func (sm *SessionManager) SetOnSessionClose(fn func(*Session)) {
	sm.onSessionClose = fn
}

// onDetach persists the session record when its connection unbinds so
// a gate restart during the disconnect window stays resumable.
func (sm *SessionManager) onDetach(s *Session) {
	// A detach caused by Destroy must not re-save the deleted record.
	if s.IsClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sm.persist(ctx, s)
	sm.metrics.sessionDetached()
}

func (sm *SessionManager) persist(ctx context.Context, s *Session) {
	data, err := s.Record().Marshal()
	if err != nil {
		sm.logger.Warn("encode session record", "session_id", s.ID, "error", err)
		return
	}
	expires := time.Now().Add(sm.config.SessionTTL)
	if err := sm.store.Save(ctx, s.ID, data, expires); err != nil {
		sm.logger.Warn("save session record", "session_id", s.ID, "error", err)
	}
}

// pruneLoop destroys sessions whose connection has been gone longer
// than the reconnect abort window. A client that has given up will not
// come back; its ghost should not linger.
func (sm *SessionManager) pruneLoop() {
	defer sm.loopsDone.Done()
	ticker := time.NewTicker(sm.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.refreshStoreTTL()
			sm.pruneDisconnected()
		case <-sm.done:
			return
		}
	}
}

// refreshStoreTTL extends every registered session's record expiry so
// a record never lapses out of the store while its session is still
// alive on this gate. Cheaper than re-saving: only the TTL moves.
func (sm *SessionManager) refreshStoreTTL() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	expires := time.Now().Add(sm.config.SessionTTL)
	sm.ForEach(func(s *Session) bool {
		if err := sm.store.Touch(ctx, s.ID, expires); err != nil {
			sm.logger.Warn("touch session record", "session_id", s.ID, "error", err)
		}
		return true
	})
}

func (sm *SessionManager) pruneDisconnected() {
	cutoff := sm.config.Reconnect.Abort() + sm.config.PruneInterval
	now := time.Now()

	var expired []string
	sm.ForEach(func(s *Session) bool {
		if detached := s.DetachedAt(); !detached.IsZero() && now.Sub(detached) > cutoff {
			expired = append(expired, s.ID)
		}
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range expired {
		sm.Destroy(ctx, id)
	}
	if len(expired) > 0 {
		sm.logger.Info("pruned abandoned sessions", "count", len(expired))
	}
}

// tokenRefreshLoop proactively rotates tokens nearing expiry on
// connected sessions and pushes the new token in a handshake message,
// so an uninterrupted client never holds an expired token.
func (sm *SessionManager) tokenRefreshLoop() {
	defer sm.loopsDone.Done()
	ticker := time.NewTicker(sm.config.TokenRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sm.refreshExpiringTokens()
		case <-sm.done:
			return
		}
	}
}

func (sm *SessionManager) refreshExpiringTokens() {
	threshold := 2 * sm.config.TokenRefreshInterval

	var stale []*Session
	sm.ForEach(func(s *Session) bool {
		if s.Connected() && s.TokenExpiresWithin(threshold) {
			stale = append(stale, s)
		}
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range stale {
		token, expiry := s.RotateToken()
		sm.persist(ctx, s)
		err := s.sendDirect(&protocol.Message{
			Type:  protocol.MessageHandshake,
			Token: token,
			Handshake: &protocol.Handshake{
				TokenExpiry: expiry.UnixMilli(),
			},
		})
		if err != nil {
			sm.logger.Warn("push refreshed token", "session_id", s.ID, "error", err)
		}
		sm.metrics.tokenRefreshed()
	}
	if len(stale) > 0 {
		sm.logger.Debug("rotated expiring tokens", "count", len(stale))
	}
}

// Stats returns aggregated manager statistics.
func (sm *SessionManager) Stats() ManagerStats {
	sm.mu.RLock()
	users, anon := len(sm.users), len(sm.anonUsers)
	sm.mu.RUnlock()
	return ManagerStats{
		Active:       users + anon,
		Anonymous:    anon,
		TotalCreated: sm.totalCreated.Load(),
		TotalClosed:  sm.totalClosed.Load(),
	}
}

// ManagerStats contains aggregated session statistics.
type ManagerStats struct {
	Active       int
	Anonymous    int
	TotalCreated uint64
	TotalClosed  uint64
}

// Shutdown stops the background loops and closes every session. The
// store is left open; the caller owns it.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.closeOnce.Do(func() { close(sm.done) })
	sm.loopsDone.Wait()

	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.users)+len(sm.anonUsers))
	for _, s := range sm.users {
		sessions = append(sessions, s)
	}
	for _, s := range sm.anonUsers {
		sessions = append(sessions, s)
	}
	sm.users = make(map[string]*Session)
	sm.anonUsers = make(map[string]*Session)
	sm.mu.Unlock()

	for _, s := range sessions {
		sm.persist(ctx, s)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
			if sm.onSessionClose != nil {
				sm.onSessionClose(s)
			}
		}(s)
	}
	wg.Wait()

	sm.queue.Close()
	sm.logger.Info("session manager shutdown", "closed_sessions", len(sessions))
	return nil
}
