// Package store persists session identity so a session can be
// rehydrated by id after a gate restart. Document content is never
// stored here; only the session's identity and token state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store errors.
var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// Record is the serialized session state.
type Record struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	Anonymous   bool      `json:"anonymous"`
	DocName     string    `json:"docName"`
	Access      string    `json:"access"`
	Token       string    `json:"token"`
	TokenExpiry time.Time `json:"tokenExpiry"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Marshal encodes the record for storage.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord decodes a stored record.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("store: decode record: %w", err)
	}
	return &r, nil
}

// SessionStore is the persistence backend for session records.
// Load returns (nil, nil) when the id is unknown or expired.
type SessionStore interface {
	Save(ctx context.Context, sessionID string, data []byte, expiresAt time.Time) error
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Delete(ctx context.Context, sessionID string) error
	Touch(ctx context.Context, sessionID string, expiresAt time.Time) error
	Close() error
}
