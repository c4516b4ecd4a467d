package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// RandomClientID returns a cryptographically random 53-bit client id.
// The 53-bit bound keeps ids exactly representable in IEEE 754 doubles
// for interoperability with JSON-based peers.
func RandomClientID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Weak client ids break replica identity. Fail loudly.
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	id := binary.BigEndian.Uint64(b[:]) & ((1 << 53) - 1)
	if id == 0 {
		id = 1
	}
	return id
}
