// Package queue provides the dispatcher's waiting list: a bounded FIFO
// with head re-insertion for contention retries, and a Guard that
// applies depth and rate backpressure at submit time.
package queue

import (
	"golang.org/x/time/rate"
)

// FIFO is a first-in-first-out list of queued entries. It is not safe
// for concurrent use; the dispatcher serializes access under its own
// lock.
type FIFO[T any] struct {
	entries []T
}

// NewFIFO creates an empty FIFO.
func NewFIFO[T any]() *FIFO[T] {
	return &FIFO[T]{}
}

// Len returns the number of queued entries.
func (q *FIFO[T]) Len() int { return len(q.entries) }

// Push appends an entry at the tail.
func (q *FIFO[T]) Push(e T) {
	q.entries = append(q.entries, e)
}

// PushFront inserts an entry at the head. Used to re-enqueue a job that
// observed lock contention: it re-enters ahead of anything submitted
// after it, so a writer that keeps losing the lock cannot be starved by
// later writers.
func (q *FIFO[T]) PushFront(e T) {
	q.entries = append(q.entries, e)
	copy(q.entries[1:], q.entries)
	q.entries[0] = e
}

// Pop removes and returns the head entry. The second return is false
// when the queue is empty.
func (q *FIFO[T]) Pop() (T, bool) {
	var zero T
	if len(q.entries) == 0 {
		return zero, false
	}
	e := q.entries[0]
	q.entries[0] = zero // release the reference
	q.entries = q.entries[1:]
	return e, true
}

// Drain removes and returns all queued entries in order.
func (q *FIFO[T]) Drain() []T {
	out := q.entries
	q.entries = nil
	return out
}

// GuardConfig bounds what a Guard admits.
type GuardConfig struct {
	// MaxDepth is the maximum number of queued entries. Zero means
	// unbounded.
	MaxDepth int

	// RateLimit is the maximum sustained submissions per second.
	// Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// Guard applies submit-time backpressure: a depth bound on the queue
// and an optional token-bucket rate limit. It is safe for concurrent
// use.
type Guard struct {
	config  GuardConfig
	limiter *rate.Limiter
}

// NewGuard creates a Guard with the given configuration.
func NewGuard(cfg GuardConfig) *Guard {
	g := &Guard{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// AdmitDepth reports whether a queue currently holding depth entries
// may accept one more.
func (g *Guard) AdmitDepth(depth int) bool {
	return g.config.MaxDepth <= 0 || depth < g.config.MaxDepth
}

// AdmitRate reports whether the rate limiter allows a submission now.
func (g *Guard) AdmitRate() bool {
	return g.limiter == nil || g.limiter.Allow()
}
