package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// MessageType identifies a message envelope's kind.
type MessageType string

// Reserved message types.
const (
	// MessageHandshake is sent by the client after the socket opens and
	// answered by the server with a refreshed token, expiry, and the
	// negotiated heartbeat/reconnect policies.
	MessageHandshake MessageType = "handshake"

	// MessagePing and MessagePong implement the liveness heartbeat.
	// A pong must echo the correlation id of the ping it answers.
	MessagePing MessageType = "ping"
	MessagePong MessageType = "pong"

	// MessageAck acknowledges receipt of a message by id.
	// An ack is never itself acknowledged.
	MessageAck MessageType = "ack"

	// MessageSync carries a binary sync/awareness frame in Payload.
	MessageSync MessageType = "y"

	// MessageLogout asks the server to destroy the session. The socket
	// is then closed with the normal close code.
	MessageLogout MessageType = "logout"
)

// Known reports whether t is a reserved message type.
func (t MessageType) Known() bool {
	switch t {
	case MessageHandshake, MessagePing, MessagePong, MessageAck, MessageSync, MessageLogout:
		return true
	}
	return false
}

// Application close codes. Codes in the 4000+ range are reserved for
// application use by RFC 6455.
const (
	// CloseNormal is the transport's standard normal closure code.
	CloseNormal = websocket.CloseNormalClosure

	// CloseInvalidSession tells the client its session is unrecoverable:
	// drop cached session state and request a new session rather than
	// reconnecting with backoff.
	CloseInvalidSession = 4023
)

// Envelope errors.
var (
	ErrUnknownType      = errors.New("protocol: unknown message type")
	ErrMissingSessionID = errors.New("protocol: missing session id")
	ErrMissingID        = errors.New("protocol: missing message id")
)

// Message is the JSON envelope exchanged over websocket text frames.
//
// ID is present on every message that requires acknowledgment; for an
// ack it names the message being acknowledged instead. Payload carries
// the binary sync sub-protocol frame for MessageSync (base64 on the
// wire via encoding/json).
type Message struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id,omitempty"`
	SessionID string      `json:"sessionId"`
	DocName   string      `json:"docName,omitempty"`
	Token     string      `json:"token,omitempty"`
	UserID    string      `json:"userId,omitempty"`

	// CorrelationID ties a pong to the ping that prompted it.
	CorrelationID string `json:"correlationId,omitempty"`

	// Payload is the binary sync/awareness frame for MessageSync.
	Payload []byte `json:"payload,omitempty"`

	// Handshake is present on handshake requests and responses.
	Handshake *Handshake `json:"handshake,omitempty"`
}

// RequiresAck reports whether the message must be tracked until the
// peer acknowledges it. Acks, pings, and pongs are fire-and-forget.
func (m *Message) RequiresAck() bool {
	switch m.Type {
	case MessageAck, MessagePing, MessagePong:
		return false
	}
	return true
}

// Validate checks the envelope invariants that hold for every message.
func (m *Message) Validate() error {
	if !m.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if m.SessionID == "" {
		return ErrMissingSessionID
	}
	if m.RequiresAck() && m.ID == "" {
		return ErrMissingID
	}
	if m.Type == MessageAck && m.ID == "" {
		return ErrMissingID
	}
	return nil
}

// Marshal encodes the message for a websocket text frame.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage decodes a websocket text frame into a Message and
// validates it. Malformed envelopes are reported, not fatal: callers
// drop the single message and keep the connection open.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewAck builds the acknowledgment for the given message id.
func NewAck(sessionID, id string) *Message {
	return &Message{
		Type:      MessageAck,
		ID:        id,
		SessionID: sessionID,
	}
}

// NewPong builds the pong answering a ping with the given correlation id.
func NewPong(sessionID, correlationID string) *Message {
	return &Message{
		Type:          MessagePong,
		SessionID:     sessionID,
		CorrelationID: correlationID,
	}
}
