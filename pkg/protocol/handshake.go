package protocol

import "time"

// HeartbeatPolicy configures the liveness probe. The socket is
// terminated when no pong answers a ping within Interval+Timeout.
// Durations are carried as milliseconds on the wire.
type HeartbeatPolicy struct {
	IntervalMS int64 `json:"interval"`
	TimeoutMS  int64 `json:"timeout"`
}

// Interval returns the ping cadence as a duration.
func (p HeartbeatPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// Timeout returns the pong grace period as a duration.
func (p HeartbeatPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// ReconnectPolicy configures client-side reconnection after an
// abnormal close: delay = min(max, jitter * initial * decay^attempts),
// abandoned once the elapsed disconnected time exceeds Abort.
type ReconnectPolicy struct {
	Auto      bool    `json:"auto"`
	InitialMS int64   `json:"initial"`
	Decay     float64 `json:"decay"`
	MaxMS     int64   `json:"max"`
	AbortMS   int64   `json:"abort"`

	// WarnAfter is the number of consecutive failed attempts before a
	// user-visible warning is raised. Zero means warn on every failure.
	WarnAfter int `json:"warnAfter,omitempty"`
}

// Initial returns the base delay as a duration.
func (p ReconnectPolicy) Initial() time.Duration {
	return time.Duration(p.InitialMS) * time.Millisecond
}

// Max returns the delay ceiling as a duration.
func (p ReconnectPolicy) Max() time.Duration {
	return time.Duration(p.MaxMS) * time.Millisecond
}

// Abort returns the give-up threshold as a duration.
func (p ReconnectPolicy) Abort() time.Duration {
	return time.Duration(p.AbortMS) * time.Millisecond
}

// Handshake is the payload of a MessageHandshake envelope. The client
// request carries only the token it holds; the server response returns
// a refreshed token, its expiry, and the session policies.
type Handshake struct {
	// TokenExpiry is the unix-millisecond instant the token in the
	// envelope expires. Server responses only.
	TokenExpiry int64 `json:"tokenExpiry,omitempty"`

	// Heartbeat and Reconnect are the negotiated policies. Server
	// responses only.
	Heartbeat *HeartbeatPolicy `json:"heartbeat,omitempty"`
	Reconnect *ReconnectPolicy `json:"reconnect,omitempty"`

	// ReadOnly tells the client its access level permits no writes.
	ReadOnly bool `json:"readOnly,omitempty"`
}
