package main

import (
	"math/rand/v2"
	"time"
)

const jitterWindow = 250 * time.Millisecond

// backoff doubles the wait after each failed batch up to max and adds jitter
// so restarted relays do not poll in lockstep.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
	jitter  func(n int64) int64
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, current: base, jitter: rand.Int64N}
}

func (b *backoff) reset() {
	b.current = b.base
}

// fail returns the wait before the next attempt and doubles the step.
func (b *backoff) fail() time.Duration {
	next := b.current * 2
	if next > b.max {
		next = b.max
	}
	b.current = next
	return b.withJitter(next)
}

func (b *backoff) idle() time.Duration {
	return b.withJitter(b.base)
}

func (b *backoff) withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(b.jitter(int64(jitterWindow)))
}
