package client

// State is the client session's lifecycle phase.
type State int

const (
	// StateIdle is the initial state before Connect.
	StateIdle State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateOpen means the socket is open and the handshake is about
	// to be sent.
	StateOpen

	// StateAuthenticating means the handshake was sent and the client
	// is waiting for the server's response.
	StateAuthenticating

	// StateActive means the handshake completed; the session is live.
	StateActive

	// StateReconnecting means the connection dropped abnormally and
	// the backoff loop is running.
	StateReconnecting

	// StateClosed is terminal: logout, abort, or an unrecoverable
	// session.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
