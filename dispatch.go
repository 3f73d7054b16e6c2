package asynqlite

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/asynqlite/backoff"
	"github.com/xraph/asynqlite/hook"
	"github.com/xraph/asynqlite/middleware"
	"github.com/xraph/asynqlite/proto"
	"github.com/xraph/asynqlite/queue"
	"github.com/xraph/asynqlite/worker"
)

// outcome is the resolution of one queued entry.
type outcome struct {
	result *proto.Result
	lease  *Lease
	err    error
}

// entry is a queued unit of work: either a job waiting for an idle
// worker, or a lease request waiting to reserve one.
type entry struct {
	msg      *proto.Message
	isLease  bool
	attempts int
	res      chan outcome

	// claimed arbitrates between delivery and abandonment of a lease
	// request. Whoever flips it first owns the entry.
	claimed atomic.Bool
}

// claim marks the entry as owned by the caller. It returns false if
// the other side got there first.
func (e *entry) claim() bool {
	return e.claimed.CompareAndSwap(false, true)
}

// Dispatcher owns a fixed set of worker handles and a FIFO waiting
// queue, routes submitted jobs to idle handles, retries jobs that lost
// the database lock, and drains cleanly on shutdown.
type Dispatcher struct {
	cfg    Config
	codec  proto.Codec
	logger *slog.Logger
	hooks  *hook.Registry
	bo     backoff.Strategy
	guard  *queue.Guard

	mu      sync.Mutex
	cond    *sync.Cond
	handles []*worker.Handle
	leased  map[int]bool
	waiting *queue.FIFO[*entry]
	nextID  int64
	closed  bool
}

// newDispatcher eagerly spawns cfg.Workers handles. If any worker fails
// to open its connection, the already-spawned ones are terminated and
// the error is returned.
func newDispatcher(
	cfg Config,
	codec proto.Codec,
	mw middleware.Middleware,
	logger *slog.Logger,
	hooks *hook.Registry,
	bo backoff.Strategy,
) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:    cfg,
		codec:  codec,
		logger: logger,
		hooks:  hooks,
		bo:     bo,
		guard: queue.NewGuard(queue.GuardConfig{
			MaxDepth:  cfg.MaxQueue,
			RateLimit: cfg.SubmitRate,
			RateBurst: cfg.SubmitBurst,
		}),
		leased:  make(map[int]bool),
		waiting: queue.NewFIFO[*entry](),
	}
	d.cond = sync.NewCond(&d.mu)

	wcfg := worker.Config{
		Filename:    cfg.Filename,
		Pragmas:     cfg.Pragmas,
		BusyTimeout: cfg.BusyTimeout,
	}
	for i := 0; i < cfg.Workers; i++ {
		h, err := worker.NewHandle(i, wcfg, codec, mw, logger, hooks)
		if err != nil {
			for _, spawned := range d.handles {
				_ = spawned.Terminate(context.Background())
			}
			return nil, err
		}
		d.handles = append(d.handles, h)
	}

	logger.Debug("dispatcher started",
		slog.Int("workers", cfg.Workers),
		slog.String("filename", cfg.Filename),
	)
	return d, nil
}

// Submit routes one job to the worker pool and blocks until its reply
// arrives. A cancelled context abandons the wait but not the job: the
// SQL still runs to completion on the worker.
func (d *Dispatcher) Submit(ctx context.Context, m *proto.Message) (*proto.Result, error) {
	e, err := d.enqueue(m, false)
	if err != nil {
		return nil, err
	}
	d.hooks.EmitJobSubmitted(ctx, m)

	select {
	case out := <-e.res:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lease reserves an idle handle for exclusive use, queueing behind
// earlier submissions if none is free. Transactions lease a handle so
// every statement between BEGIN and COMMIT runs on one connection.
func (d *Dispatcher) Lease(ctx context.Context) (*Lease, error) {
	e, err := d.enqueue(nil, true)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-e.res:
		return out.lease, out.err
	case <-ctx.Done():
		if e.claim() {
			// Still queued; the drain loop will skip it.
			return nil, ctx.Err()
		}
		// Delivery won the race; take the lease and hand it back.
		out := <-e.res
		if out.lease != nil {
			out.lease.Release()
		}
		return nil, ctx.Err()
	}
}

// enqueue admits one entry under the backpressure guard, assigns the
// job id, and routes it.
func (d *Dispatcher) enqueue(m *proto.Message, isLease bool) (*entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDispatcherClosed
	}
	if !d.guard.AdmitRate() {
		return nil, ErrRateLimited
	}
	if !d.guard.AdmitDepth(d.waiting.Len()) {
		return nil, ErrQueueFull
	}

	if m != nil {
		d.nextID++
		m.ID = d.nextID
	}

	e := &entry{msg: m, isLease: isLease, res: make(chan outcome, 1)}
	if h := d.idleHandleLocked(); h != nil {
		d.startLocked(h, e)
	} else {
		d.waiting.Push(e)
	}
	return e, nil
}

// idleHandleLocked returns the first handle that is neither busy,
// closed, nor leased. Caller holds d.mu.
func (d *Dispatcher) idleHandleLocked() *worker.Handle {
	for _, h := range d.handles {
		if d.leased[h.ID()] || h.Closed() || h.Busy() {
			continue
		}
		return h
	}
	return nil
}

// startLocked hands an entry to an idle handle. Caller holds d.mu.
func (d *Dispatcher) startLocked(h *worker.Handle, e *entry) {
	if e.isLease {
		if !e.claim() {
			// Abandoned while queued; nothing to start.
			return
		}
		d.leased[h.ID()] = true
		e.res <- outcome{lease: &Lease{d: d, h: h}}
		return
	}

	ch, err := h.Run(e.msg)
	if err != nil {
		// The handle closed between the idle check and Run (runtime
		// crash). It is skipped from now on; route the entry again.
		if errors.Is(err, worker.ErrClosed) {
			if next := d.idleHandleLocked(); next != nil {
				d.startLocked(next, e)
			} else {
				d.waiting.PushFront(e)
			}
			return
		}
		e.res <- outcome{err: err}
		return
	}

	d.hooks.EmitJobStarted(context.Background(), e.msg)
	go d.await(e, ch, time.Now())
}

// await receives one job's outcome. Contention re-enqueues the entry at
// the head of the queue after a backoff delay. It re-enters ahead of
// anything submitted later, so a writer that keeps losing the lock is
// never starved. Everything else resolves the submitter.
func (d *Dispatcher) await(e *entry, ch <-chan worker.Outcome, started time.Time) {
	out := <-ch

	if out.Err != nil && d.retryable(e, out.Err) {
		e.attempts++
		delay := d.bo.Delay(e.attempts)
		d.hooks.EmitJobRetrying(context.Background(), e.msg, e.attempts, delay)
		d.logger.Debug("database locked, retrying",
			slog.Int64("job_id", e.msg.ID),
			slog.Int("attempt", e.attempts),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			e.res <- outcome{err: ErrShuttingDown}
		} else {
			d.waiting.PushFront(e)
			d.mu.Unlock()
		}
		d.drain()
		return
	}

	if out.Err != nil {
		d.hooks.EmitJobFailed(context.Background(), e.msg, out.Err)
	} else {
		d.hooks.EmitJobCompleted(context.Background(), e.msg, time.Since(started))
	}
	e.res <- outcome{result: out.Result, err: out.Err}
	d.drain()
}

// retryable reports whether the error is lock contention with retry
// budget remaining.
func (d *Dispatcher) retryable(e *entry, err error) bool {
	var se *proto.SQLiteError
	return errors.As(err, &se) && se.Contended() && e.attempts < d.cfg.MaxRetries
}

// drain matches queued entries to idle handles in FIFO order.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for !d.closed && d.waiting.Len() > 0 {
		h := d.idleHandleLocked()
		if h == nil {
			return
		}
		e, _ := d.waiting.Pop()
		if e.isLease && e.claimed.Load() {
			// Abandoned lease request; drop it.
			continue
		}
		d.startLocked(h, e)
	}
}

// nextMsgID assigns the next job id. Ids are strictly increasing over
// the dispatcher's lifetime, whichever path a job takes.
func (d *Dispatcher) nextMsgID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

// releaseLease returns a leased handle to the pool.
func (d *Dispatcher) releaseLease(h *worker.Handle) {
	d.mu.Lock()
	delete(d.leased, h.ID())
	d.cond.Broadcast()
	d.mu.Unlock()
	d.drain()
}

// Closed reports whether Shutdown has begun.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Handles returns the pool's handles. Exposed for inspection; routing
// stays the dispatcher's job.
func (d *Dispatcher) Handles() []*worker.Handle {
	return d.handles
}

// Shutdown stops the dispatcher gracefully:
//
//  1. New submissions fail immediately.
//  2. Queued entries are rejected with ErrShuttingDown. Queued but
//     not-yet-started jobs are lost; this is the deliberate contract.
//  3. Busy workers finish their current job, and leased workers their
//     transaction, before terminating. Shutdown returns when every
//     handle has closed.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	dropped := d.waiting.Drain()

	// Wait for open leases; a mid-flight transaction must not lose its
	// connection.
	for len(d.leased) > 0 {
		d.cond.Wait()
	}
	d.mu.Unlock()

	for _, e := range dropped {
		if e.isLease && !e.claim() {
			continue
		}
		e.res <- outcome{err: ErrShuttingDown}
	}

	d.logger.Debug("dispatcher stopping",
		slog.Int("dropped_jobs", len(dropped)),
	)
	d.hooks.EmitShutdown(ctx)

	var firstErr error
	for _, h := range d.handles {
		if err := h.Terminate(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
