package client

import (
	"math"
	"math/rand"
	"time"

	"github.com/driftsync/driftsync/pkg/protocol"
)

// JitterFunc returns a multiplier in [0.5, 1.5). Injectable for tests.
type JitterFunc func() float64

// defaultJitter spreads reconnect attempts so clients that lost the
// same server do not stampede it on the way back.
func defaultJitter() float64 {
	return 0.5 + rand.Float64()
}

// backoffDelay computes the wait before reconnect attempt number
// attempts (zero-based for the first retry):
//
//	delay = min(max, jitter * initial * decay^attempts)
func backoffDelay(p protocol.ReconnectPolicy, attempts int, jitter JitterFunc) time.Duration {
	if jitter == nil {
		jitter = defaultJitter
	}
	base := float64(p.Initial()) * math.Pow(p.Decay, float64(attempts))
	d := time.Duration(jitter() * base)
	if max := p.Max(); d > max {
		d = max
	}
	return d
}
