package asynqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/asynqlite"
	"github.com/xraph/asynqlite/proto"
)

// slowCountSQL keeps a worker visibly busy for a while.
const slowCountSQL = "WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM c WHERE x < 500000) SELECT COUNT(*) AS n FROM c"

func openTest(t *testing.T, filename string, opts ...asynqlite.Option) *asynqlite.DB {
	t.Helper()
	db, err := asynqlite.Open(filename, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Close(ctx)
	})
	return db
}

func TestDispatcher_SubmitAssignsIncreasingIDs(t *testing.T) {
	db := openTest(t, ":memory:", asynqlite.WithWorkers(1))
	ctx := context.Background()
	d := db.Dispatcher()

	var last int64
	for i := 0; i < 5; i++ {
		m := &proto.Message{Method: proto.MethodGet, SQL: "SELECT 1 AS one"}
		if _, err := d.Submit(ctx, m); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if m.ID <= last {
			t.Errorf("job id %d not greater than previous %d", m.ID, last)
		}
		last = m.ID
	}
}

func TestDispatcher_ReplyMatchesJobID(t *testing.T) {
	db := openTest(t, ":memory:", asynqlite.WithWorkers(1))
	ctx := context.Background()

	// The handle resolves an awaiter only on an id match, so any
	// completed submission implies the ids lined up; stray counters
	// must stay at zero.
	for i := 0; i < 10; i++ {
		if _, err := db.Get(ctx, "SELECT 1 AS one"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	for _, h := range db.Dispatcher().Handles() {
		if n := h.StrayReplies(); n != 0 {
			t.Errorf("handle %d stray replies = %d, want 0", h.ID(), n)
		}
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	db := openTest(t, ":memory:", asynqlite.WithWorkers(1), asynqlite.WithMaxQueue(1))
	ctx := context.Background()

	// Occupy the only worker.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = db.Get(ctx, slowCountSQL)
	}()

	waitBusy(t, db)

	// Fill the single queue slot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = db.Get(ctx, "SELECT 1")
	}()
	waitQueued(t, db, 50*time.Millisecond)

	// The next submission must bounce.
	_, err := db.Get(ctx, "SELECT 2")
	if !errors.Is(err, asynqlite.ErrQueueFull) {
		t.Errorf("Get error = %v, want ErrQueueFull", err)
	}

	wg.Wait()
}

func TestDispatcher_RateLimit(t *testing.T) {
	db := openTest(t, ":memory:", asynqlite.WithWorkers(1), asynqlite.WithSubmitRate(1, 1))
	ctx := context.Background()

	if _, err := db.Get(ctx, "SELECT 1"); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := db.Get(ctx, "SELECT 1"); !errors.Is(err, asynqlite.ErrRateLimited) {
		t.Errorf("second Get error = %v, want ErrRateLimited", err)
	}
}

func TestDispatcher_SubmitAfterClose(t *testing.T) {
	db := openTest(t, ":memory:", asynqlite.WithWorkers(1))
	ctx := context.Background()

	if err := db.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := db.Get(ctx, "SELECT 1"); !errors.Is(err, asynqlite.ErrDispatcherClosed) {
		t.Errorf("Get after Close error = %v, want ErrDispatcherClosed", err)
	}
	if err := db.Exec(ctx, "SELECT 1"); !errors.Is(err, asynqlite.ErrDispatcherClosed) {
		t.Errorf("Exec after Close error = %v, want ErrDispatcherClosed", err)
	}
}

func TestDispatcher_CloseDrainsBusyWorker(t *testing.T) {
	db := openTest(t, ":memory:", asynqlite.WithWorkers(1))
	ctx := context.Background()

	type result struct {
		rows []map[string]any
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		rows, err := db.All(ctx, slowCountSQL)
		resCh <- result{rows, err}
	}()
	waitBusy(t, db)

	if err := db.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The in-flight job completed rather than being cut off.
	res := <-resCh
	if res.err != nil {
		t.Fatalf("busy job failed during shutdown: %v", res.err)
	}
	if len(res.rows) != 1 || res.rows[0]["n"] != int64(500000) {
		t.Errorf("rows = %v, want the full count", res.rows)
	}
}

func TestDispatcher_QueuedJobsRejectedOnClose(t *testing.T) {
	db := openTest(t, ":memory:", asynqlite.WithWorkers(1))
	ctx := context.Background()

	go func() { _, _ = db.Get(ctx, slowCountSQL) }()
	waitBusy(t, db)

	queuedErr := make(chan error, 1)
	go func() {
		_, err := db.Get(ctx, "SELECT 1")
		queuedErr <- err
	}()
	waitQueued(t, db, 50*time.Millisecond)

	if err := db.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := <-queuedErr; !errors.Is(err, asynqlite.ErrShuttingDown) {
		t.Errorf("queued job error = %v, want ErrShuttingDown", err)
	}
}

func TestDispatcher_AllHandlesClosedAfterClose(t *testing.T) {
	db := openTest(t, ":memory:", asynqlite.WithWorkers(3))
	ctx := context.Background()

	if err := db.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, h := range db.Dispatcher().Handles() {
		if !h.Closed() {
			t.Errorf("handle %d not closed after Close", h.ID())
		}
	}
	if !db.Dispatcher().Closed() {
		t.Error("Dispatcher.Closed() = false after Close")
	}
}

func TestDispatcher_CloseIsIdempotent(t *testing.T) {
	db := openTest(t, ":memory:", asynqlite.WithWorkers(1))
	ctx := context.Background()

	if err := db.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDispatcher_LeaseReservesHandle(t *testing.T) {
	db := openTest(t, ":memory:", asynqlite.WithWorkers(1))
	ctx := context.Background()
	d := db.Dispatcher()

	lease, err := d.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	res, err := lease.Submit(ctx, &proto.Message{Method: proto.MethodGet, SQL: "SELECT 7 AS n"})
	if err != nil {
		t.Fatalf("lease Submit: %v", err)
	}
	if res.Row["n"] != int64(7) {
		t.Errorf("Row = %v, want n=7", res.Row)
	}

	// With the only worker leased, pool submissions wait in the queue.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := db.Get(ctx, "SELECT 1"); err != nil {
			t.Errorf("queued Get: %v", err)
		}
	}()

	select {
	case <-done:
		t.Fatal("pool submission ran while the only worker was leased")
	case <-time.After(50 * time.Millisecond):
	}

	lease.Release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool submission did not run after lease release")
	}

	if _, err := lease.Submit(ctx, &proto.Message{Method: proto.MethodGet, SQL: "SELECT 1"}); !errors.Is(err, asynqlite.ErrLeaseReleased) {
		t.Errorf("Submit after Release error = %v, want ErrLeaseReleased", err)
	}
}

// waitBusy blocks until some handle reports busy.
func waitBusy(t *testing.T, db *asynqlite.DB) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, h := range db.Dispatcher().Handles() {
			if h.Busy() {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("no handle became busy")
		}
		time.Sleep(time.Millisecond)
	}
}

// waitQueued gives a concurrent submission time to reach the queue.
func waitQueued(t *testing.T, _ *asynqlite.DB, d time.Duration) {
	t.Helper()
	time.Sleep(d)
}
