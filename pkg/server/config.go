package server

import (
	"time"

	"github.com/driftsync/driftsync/pkg/protocol"
)

// SessionConfig holds the tunables for session behavior. The heartbeat
// and reconnect policies are sent to the client in the handshake
// response, so changing them here changes negotiated client behavior.
type SessionConfig struct {
	// Heartbeat is the liveness probe policy. A connection that does
	// not answer a ping within Interval+Timeout is terminated.
	Heartbeat protocol.HeartbeatPolicy

	// Reconnect is the backoff policy handed to clients.
	Reconnect protocol.ReconnectPolicy

	// TokenTTL is how long an issued session token stays valid.
	TokenTTL time.Duration

	// TokenRefreshInterval is how often the manager scans for tokens
	// nearing expiry and rotates them proactively.
	TokenRefreshInterval time.Duration

	// SessionTTL is how long a session record survives in the store
	// without being touched.
	SessionTTL time.Duration

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration

	// MaxMessageSize is the read limit applied to inbound frames.
	MaxMessageSize int64

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	// PruneInterval is how often disconnected sessions past the
	// reconnect abort threshold are destroyed.
	PruneInterval time.Duration
}

// DefaultSessionConfig returns the production defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Heartbeat: protocol.HeartbeatPolicy{
			IntervalMS: 30_000,
			TimeoutMS:  10_000,
		},
		Reconnect: protocol.ReconnectPolicy{
			Auto:      true,
			InitialMS: 500,
			Decay:     1.5,
			MaxMS:     30_000,
			AbortMS:   60_000,
			WarnAfter: 5,
		},
		TokenTTL:             1 * time.Hour,
		TokenRefreshInterval: 5 * time.Minute,
		SessionTTL:           24 * time.Hour,
		WriteTimeout:         10 * time.Second,
		MaxMessageSize:       1 << 20,
		PruneInterval:        30 * time.Second,
	}
}

// Clone returns a copy of the config safe to mutate independently.
func (c *SessionConfig) Clone() *SessionConfig {
	out := *c
	return &out
}
