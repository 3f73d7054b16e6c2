// Package hook defines the extension system for asynqlite.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, writing audit logs, surfacing diagnostics. Each
// lifecycle hook is a separate interface so extensions opt in only to
// the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, m *proto.Message, elapsed time.Duration) error {
//	    log.Printf("job %d completed in %s", m.ID, elapsed)
//	    return nil
//	}
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package hook

import (
	"context"
	"time"

	"github.com/xraph/asynqlite/proto"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after a job is accepted by the dispatcher.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, m *proto.Message) error
}

// JobStarted is called when a job is handed to a worker.
type JobStarted interface {
	OnJobStarted(ctx context.Context, m *proto.Message) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, m *proto.Message, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally.
type JobFailed interface {
	OnJobFailed(ctx context.Context, m *proto.Message, err error) error
}

// JobRetrying is called when a job lost the database lock and will be
// retried from the head of the queue.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, m *proto.Message, attempt int, delay time.Duration) error
}

// ──────────────────────────────────────────────────
// Worker diagnostics hooks
// ──────────────────────────────────────────────────

// StrayReply is called when a handle receives a reply whose id does not
// match its inflight job. Stray replies are discarded, but a nonzero
// rate of them indicates a runtime that replied twice or a handle that
// sent a job after cancellation.
type StrayReply interface {
	OnStrayReply(ctx context.Context, handleID int, jobID int64) error
}

// WorkerCrashed is called when a worker runtime dies with an
// unrecoverable error. The handle is closed and never reused.
type WorkerCrashed interface {
	OnWorkerCrashed(ctx context.Context, handleID int, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
