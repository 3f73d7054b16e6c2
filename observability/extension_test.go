package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/asynqlite/observability"
	"github.com/xraph/asynqlite/proto"
)

// Without a configured MeterProvider the instruments are noops; every
// hook must still accept events without error.
func TestMetricsExtension_NoopWithoutProvider(t *testing.T) {
	ext := observability.NewMetricsExtension()
	if got := ext.Name(); got != "observability-metrics" {
		t.Errorf("Name() = %q, want observability-metrics", got)
	}

	ctx := context.Background()
	m := &proto.Message{ID: 1, Method: proto.MethodRun}

	if err := ext.OnJobSubmitted(ctx, m); err != nil {
		t.Errorf("OnJobSubmitted: %v", err)
	}
	if err := ext.OnJobCompleted(ctx, m, time.Millisecond); err != nil {
		t.Errorf("OnJobCompleted: %v", err)
	}
	if err := ext.OnJobFailed(ctx, m, errors.New("x")); err != nil {
		t.Errorf("OnJobFailed: %v", err)
	}
	if err := ext.OnJobRetrying(ctx, m, 1, time.Millisecond); err != nil {
		t.Errorf("OnJobRetrying: %v", err)
	}
	if err := ext.OnStrayReply(ctx, 0, 9); err != nil {
		t.Errorf("OnStrayReply: %v", err)
	}
	if err := ext.OnWorkerCrashed(ctx, 0, errors.New("dead")); err != nil {
		t.Errorf("OnWorkerCrashed: %v", err)
	}
}
