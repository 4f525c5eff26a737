package engine

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: exponential growth with equal jitter.
// The jittered delay for attempt n lies in [2^(n-2)*base, 2^(n-1)*base],
// so an attempt never waits less than the previous attempt's maximum.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next run after the given failed
// attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	// Equal jitter: keep half, randomize the other half.
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
