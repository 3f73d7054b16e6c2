// Package middleware provides composable middleware for job execution
// inside a worker runtime. Middleware wraps the execution of one job
// synchronously and can modify it (recover from panics, log, trace,
// record metrics).
package middleware

import (
	"context"

	"github.com/xraph/asynqlite/proto"
)

// Handler is the terminal function that executes the job against the
// connection.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the job being executed, and the next handler to
// call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, m *proto.Message, next Handler) error

// Chain composes middleware into a single Middleware. The first
// middleware in the list is the outermost wrapper:
//
//	Chain(logging, recover)
//
// runs logging, then recover, then the handler. Composition happens
// once, here; per-job execution allocates only the closures that
// re-bind the message to each layer's next handler.
func Chain(mws ...Middleware) Middleware {
	switch len(mws) {
	case 0:
		return func(ctx context.Context, _ *proto.Message, next Handler) error {
			return next(ctx)
		}
	case 1:
		return mws[0]
	}

	outer, inner := mws[0], Chain(mws[1:]...)
	return func(ctx context.Context, m *proto.Message, next Handler) error {
		return outer(ctx, m, func(ctx context.Context) error {
			return inner(ctx, m, next)
		})
	}
}
