package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/asynqlite/proto"
)

// Logging returns middleware that logs job start and completion. Jobs
// run at debug level; failures at warn, since a SQL error is the
// submitter's problem, not the worker's.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, m *proto.Message, next Handler) error {
		logger.Debug("job started",
			slog.Int64("job_id", m.ID),
			slog.String("method", string(m.Method)),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("job failed",
				slog.Int64("job_id", m.ID),
				slog.String("method", string(m.Method)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("job completed",
				slog.Int64("job_id", m.ID),
				slog.String("method", string(m.Method)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
