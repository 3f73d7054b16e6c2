package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/asynqlite/proto"
)

// Recover returns middleware that recovers from panics during job
// execution, so a bad statement cannot take the worker runtime down
// with it.
//
// A recovered panic is converted into the same by-value error form
// that SQL failures take (*proto.SQLiteError), carrying the stack of
// the panic site. The runtime forwards that form across the context
// boundary unchanged, so the submitter sees where the panic happened
// rather than where the reply was assembled.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, m *proto.Message, next Handler) (retErr error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			stack := string(debug.Stack())
			logger.Error("panic during job execution",
				slog.Int64("job_id", m.ID),
				slog.String("method", string(m.Method)),
				slog.Any("panic", r),
			)
			retErr = &proto.SQLiteError{
				Name:    "PanicError",
				Message: fmt.Sprintf("panic in job %d: %v", m.ID, r),
				Stack:   stack,
			}
		}()
		return next(ctx)
	}
}
