package asynqlite

import "time"

// DriverSQLite is the built-in pure-Go driver.
const DriverSQLite = "sqlite"

// Config holds configuration for a DB and its Dispatcher.
type Config struct {
	// Filename is an absolute path, a relative path, or ":memory:".
	Filename string

	// Driver selects the SQLite backend. A trailing "sqlite3" is
	// normalized to "sqlite"; anything else fails with ErrUnknownDriver.
	Driver string

	// Workers is the worker pool size. Zero picks a per-driver default:
	// 1 for a driver requested under its native-binding name, the
	// host's CPU count for ":memory:" databases (each worker gets an
	// independent in-memory database), and 2 otherwise.
	Workers int

	// MaxQueue bounds the number of jobs waiting for an idle worker.
	// Zero means unbounded. Exceeding it fails the submit with
	// ErrQueueFull.
	MaxQueue int

	// SubmitRate is the maximum sustained submissions per second.
	// Zero disables rate limiting.
	SubmitRate float64

	// SubmitBurst is the burst size for the submission rate limiter.
	SubmitBurst int

	// MaxRetries bounds how often a job that lost the database lock is
	// retried before the contention error surfaces to the caller.
	MaxRetries int

	// BusyTimeout is the engine-level busy handler timeout, passed to
	// each worker connection. The default of zero surfaces contention
	// immediately so the dispatcher's backoff policy owns the waiting.
	BusyTimeout time.Duration

	// Pragmas are applied to each worker connection at open time.
	// foreign_keys is always enabled; journal_mode defaults to WAL for
	// file databases. Entries here override both.
	Pragmas map[string]string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Filename:   ":memory:",
		Driver:     DriverSQLite,
		MaxRetries: 10,
	}
}
