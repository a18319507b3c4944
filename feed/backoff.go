package feed

import (
	"math/rand"
	"sync"
	"time"
)

// backoff computes reconnection delays: base*2^(attempt-1) plus jitter,
// capped at max. Jitter is drawn from a seeded PRNG so tests can fix the
// sequence; keeping it below one doubling step makes consecutive delays
// non-decreasing.
type backoff struct {
	base time.Duration
	max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func newBackoff(base, max time.Duration, seed int64) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &backoff{base: base, max: max, rng: rand.New(rand.NewSource(seed))}
}

// Delay returns the wait before the given attempt, starting at 1.
func (b *backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.max {
			return b.max
		}
	}

	b.mu.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(b.base)))
	b.mu.Unlock()

	if delay > b.max-jitter {
		return b.max
	}
	return delay + jitter
}
