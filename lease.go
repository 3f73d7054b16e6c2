package asynqlite

import (
	"context"
	"errors"
	"sync"

	"github.com/xraph/asynqlite/proto"
	"github.com/xraph/asynqlite/worker"
)

// ErrLeaseReleased is returned by Lease.Submit after Release.
var ErrLeaseReleased = errors.New("asynqlite: lease released")

// Lease is the exclusive reservation of one worker handle. While held,
// the dispatcher routes nothing else to that handle, so a sequence of
// jobs submitted through the lease (a transaction's BEGIN, statements,
// and COMMIT) all execute on the same connection in order.
//
// A Lease must be released exactly once; Release is idempotent.
type Lease struct {
	d *Dispatcher
	h *worker.Handle

	mu       sync.Mutex
	released bool
}

// Submit runs one job on the leased handle and blocks until its reply.
// Jobs submitted through a lease bypass the dispatcher's queue; they
// still receive dispatcher-assigned ids.
func (l *Lease) Submit(ctx context.Context, m *proto.Message) (*proto.Result, error) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil, ErrLeaseReleased
	}
	m.ID = l.d.nextMsgID()
	ch, err := l.h.Run(m)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		return out.Result, out.Err
	case <-ctx.Done():
		// The job still runs to completion on the worker.
		return nil, ctx.Err()
	}
}

// Handle returns the reserved handle.
func (l *Lease) Handle() *worker.Handle { return l.h }

// Release returns the handle to the pool.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.d.releaseLease(l.h)
}
