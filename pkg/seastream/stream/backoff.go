package stream

import (
	"math/rand"
	"sync"
	"time"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffJitter  = 1 * time.Second
)

// Backoff produces the reconnect delay schedule: doubling from the initial
// delay up to the cap, with uniform jitter added on top. Reset returns it
// to the initial delay after a clean connection.
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	next    time.Duration
	last    time.Duration

	// jitter returns the random component added to each delay.
	// Overridable in tests.
	jitter func() time.Duration
}

// NewBackoff returns a Backoff with the standard 1s..30s doubling schedule.
func NewBackoff() *Backoff {
	return &Backoff{
		initial: backoffInitial,
		max:     backoffMax,
		next:    backoffInitial,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(backoffJitter)))
		},
	}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.next
	b.last = d
	b.next = min(b.next*2, b.max)

	return d + b.jitter()
}

// Reset returns the schedule to the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = b.initial
}

// Last returns the most recently issued pre-jitter delay.
func (b *Backoff) Last() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
