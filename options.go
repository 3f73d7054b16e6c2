package asynqlite

import (
	"log/slog"
	"time"

	"github.com/xraph/asynqlite/backoff"
	"github.com/xraph/asynqlite/hook"
	"github.com/xraph/asynqlite/middleware"
	"github.com/xraph/asynqlite/proto"
)

// Option configures a DB at Open time.
type Option func(*DB) error

// WithDriver selects the SQLite backend by name. A trailing "sqlite3"
// is normalized to "sqlite".
func WithDriver(name string) Option {
	return func(db *DB) error {
		db.cfg.Driver = name
		return nil
	}
}

// WithWorkers sets the worker pool size. For a writable file database
// the safe size is 1: SQLite serializes writers at the file level, and
// larger pools mostly benefit read-heavy mixes. For ":memory:" each
// worker owns an independent in-memory database.
func WithWorkers(n int) Option {
	return func(db *DB) error {
		db.cfg.Workers = n
		return nil
	}
}

// WithMaxQueue bounds the number of jobs waiting for an idle worker.
func WithMaxQueue(n int) Option {
	return func(db *DB) error {
		db.cfg.MaxQueue = n
		return nil
	}
}

// WithSubmitRate applies a token-bucket rate limit to submissions.
func WithSubmitRate(perSecond float64, burst int) Option {
	return func(db *DB) error {
		db.cfg.SubmitRate = perSecond
		db.cfg.SubmitBurst = burst
		return nil
	}
}

// WithMaxRetries bounds how often a job that lost the database lock is
// retried before the contention error surfaces.
func WithMaxRetries(n int) Option {
	return func(db *DB) error {
		db.cfg.MaxRetries = n
		return nil
	}
}

// WithBusyTimeout sets the engine-level busy handler timeout on each
// worker connection.
func WithBusyTimeout(d time.Duration) Option {
	return func(db *DB) error {
		db.cfg.BusyTimeout = d
		return nil
	}
}

// WithPragma applies a PRAGMA to each worker connection at open time.
func WithPragma(name, value string) Option {
	return func(db *DB) error {
		if db.cfg.Pragmas == nil {
			db.cfg.Pragmas = make(map[string]string)
		}
		db.cfg.Pragmas[name] = value
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) error {
		db.logger = l
		return nil
	}
}

// WithCodec sets the codec that carries jobs and replies across the
// worker boundary. The default is MessagePack.
func WithCodec(c proto.Codec) Option {
	return func(db *DB) error {
		db.codec = c
		return nil
	}
}

// WithBackoff sets the delay strategy for lock-contention retries.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is
// used.
func WithBackoff(b backoff.Strategy) Option {
	return func(db *DB) error {
		db.bo = b
		return nil
	}
}

// WithExtension registers a lifecycle extension.
func WithExtension(e hook.Extension) Option {
	return func(db *DB) error {
		db.extensions = append(db.extensions, e)
		return nil
	}
}

// WithMiddleware appends middleware to each worker's execution chain,
// after the default Recover and Logging stages.
func WithMiddleware(m middleware.Middleware) Option {
	return func(db *DB) error {
		db.mws = append(db.mws, m)
		return nil
	}
}
