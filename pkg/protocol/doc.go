// Package protocol defines the wire protocol for driftsync connections.
//
// Two layers are involved:
//
//  1. A JSON message envelope carried over websocket text frames. Every
//     message identifies its session, target document, and bearer token,
//     and most messages carry a monotonically assigned id that the peer
//     acknowledges (see Message and RequiresAck).
//
//  2. A compact binary sub-protocol for document synchronisation and
//     awareness, carried in the envelope's payload field. Binary frames
//     are encoded with the varint Encoder/Decoder in this package and
//     dispatched by opcode (see Opcode and the helpers in sync.go).
//
// Message ids are namespaced by role prefix so two peers counting
// independently can never collide: client-origin ids look like "c42",
// server-origin ids like "s17".
//
// The handshake response additionally negotiates the heartbeat and
// reconnect policies (HeartbeatPolicy, ReconnectPolicy) so server-side
// policy changes propagate to connected clients without a redeploy.
package protocol
