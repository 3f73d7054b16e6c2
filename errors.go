package asynqlite

import "errors"

var (
	// Lifecycle errors.
	ErrDispatcherClosed = errors.New("asynqlite: dispatcher closed")
	ErrShuttingDown     = errors.New("asynqlite: dispatcher shutting down")

	// Backpressure errors.
	ErrQueueFull   = errors.New("asynqlite: queue full")
	ErrRateLimited = errors.New("asynqlite: submission rate limit exceeded")

	// Construction-time errors.
	ErrUnknownDriver = errors.New("asynqlite: unknown driver")
)
