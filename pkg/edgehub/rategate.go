package edgehub

import (
	"errors"
	"sync"
)

// ErrConfig reports an invalid EdgeHub or RateGate construction argument:
// a non-positive replay capacity, or a zero burst or refill_per_sec.
var ErrConfig = errors.New("edgehub: invalid construction parameter")

type bucket struct {
	tokens float64
	lastMs uint64
}

// RateGate is a per-device token bucket. hit is the only mutating
// operation; first presentation of a device starts its bucket full.
type RateGate struct {
	mu       sync.Mutex
	burst    float64
	refill   float64
	buckets  map[string]*bucket
}

// NewRateGate constructs a RateGate with the given capacity and refill
// rate (tokens per wall-clock second). Both must be non-zero.
func NewRateGate(burst, refillPerSec float64) (*RateGate, error) {
	if burst == 0 || refillPerSec == 0 {
		return nil, ErrConfig
	}
	return &RateGate{
		burst:   burst,
		refill:  refillPerSec,
		buckets: make(map[string]*bucket),
	}, nil
}

// Hit charges one token against dev's bucket at nowMs, creating the bucket
// full on first use. It reports whether the request is allowed.
func (g *RateGate) Hit(dev string, nowMs uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.buckets[dev]
	if !ok {
		b = &bucket{tokens: g.burst, lastMs: nowMs}
		g.buckets[dev] = b
	} else {
		dt := int64(nowMs) - int64(b.lastMs)
		if dt < 0 {
			dt = 0
		}
		b.tokens = minFloat(g.burst, b.tokens+float64(dt)/1000*g.refill)
		b.lastMs = nowMs
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
