package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common session and gate error conditions.
var (
	// ErrSessionClosed is returned when an operation is attempted on a
	// destroyed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrSessionNotFound is returned when a session id cannot be found
	// in memory or rehydrated from the store.
	ErrSessionNotFound = errors.New("server: session not found")

	// ErrNoConnection is returned when a write is attempted while no
	// connection is bound.
	ErrNoConnection = errors.New("server: no connection")

	// ErrMaxSessionsReached is returned when the session cap is hit.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrInvalidToken is returned when a presented token does not
	// match the session's current token or has expired.
	ErrInvalidToken = errors.New("server: invalid token")

	// ErrUnhandledMessage is returned when no handler is registered
	// for a message type.
	ErrUnhandledMessage = errors.New("server: unhandled message type")

	// ErrReadOnly is returned when a read-only session attempts a
	// document write.
	ErrReadOnly = errors.New("server: session is read-only")

	// ErrAccessDenied is returned when the authorizer refuses a
	// session for a document.
	ErrAccessDenied = errors.New("server: access denied")
)

// SessionError wraps an error with session context for debugging.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

// Error returns the error message with session context.
func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(sessionID, op string, err error) *SessionError {
	return &SessionError{
		SessionID: sessionID,
		Op:        op,
		Err:       err,
	}
}
