// Package server implements the connection gate and session layer.
//
// A Session is the durable unit: it holds identity, document access,
// and the token, and it survives connection loss. The Gate upgrades
// websockets, resolves or creates sessions, and pumps messages between
// the socket and the session. The SessionManager owns the registries,
// persistence, token rotation, and pruning of abandoned sessions.
package server
