package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xraph/asynqlite/hook"
	"github.com/xraph/asynqlite/middleware"
	"github.com/xraph/asynqlite/proto"
)

// Outcome is the resolution of one job: a result or an error, never
// both.
type Outcome struct {
	Result *proto.Result
	Err    error
}

// inflight tracks the single outstanding job on a handle.
type inflight struct {
	id int64
	ch chan Outcome
}

// Handle is the dispatcher-side proxy for one Runtime. It tracks at
// most one in-flight job, forwards the reply to the job's awaiter, and
// converts a dead runtime into ErrCrashed. All methods are safe for
// concurrent use.
type Handle struct {
	id     int
	codec  proto.Codec
	logger *slog.Logger
	hooks  *hook.Registry

	send chan []byte

	mu       sync.Mutex
	cond     *sync.Cond
	busy     bool
	closed   bool
	sendDone bool // send channel closed; runtime draining
	current  *inflight

	strays atomic.Int64
	exited chan struct{}
}

// NewHandle spawns a Runtime for cfg and returns its handle. The
// runtime's connection is opened eagerly; an open failure is returned
// here and no goroutines are left behind.
func NewHandle(
	id int,
	cfg Config,
	codec proto.Codec,
	mw middleware.Middleware,
	logger *slog.Logger,
	hooks *hook.Registry,
) (*Handle, error) {
	in := make(chan []byte)
	out := make(chan []byte)

	rt, err := NewRuntime(cfg, codec, mw, logger, in, out)
	if err != nil {
		return nil, err
	}

	h := newHandle(id, codec, logger, hooks, in)
	go rt.Run()
	go h.receiveLoop(out)
	return h, nil
}

// newHandle wires a handle to its send channel. Split out so tests can
// stand in for the runtime.
func newHandle(
	id int,
	codec proto.Codec,
	logger *slog.Logger,
	hooks *hook.Registry,
	send chan []byte,
) *Handle {
	h := &Handle{
		id:     id,
		codec:  codec,
		logger: logger,
		hooks:  hooks,
		send:   send,
		exited: make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// ID returns the handle's index within its dispatcher.
func (h *Handle) ID() int { return h.id }

// Busy reports whether a job is in flight.
func (h *Handle) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy
}

// Closed reports whether the handle will never accept another job.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// StrayReplies returns how many replies were discarded because their id
// did not match the in-flight job.
func (h *Handle) StrayReplies() int64 { return h.strays.Load() }

// Run sends one job to the runtime and returns a channel that yields
// its outcome. The channel is buffered; the caller may abandon it.
// Calling Run while a job is in flight fails with ErrBusy; on a
// terminated or crashed handle it fails with ErrClosed.
func (h *Handle) Run(m *proto.Message) (<-chan Outcome, error) {
	data, err := h.codec.EncodeMessage(m)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.sendDone {
		return nil, ErrClosed
	}
	if h.busy {
		return nil, ErrBusy
	}

	ch := make(chan Outcome, 1)
	h.busy = true
	h.current = &inflight{id: m.ID, ch: ch}

	// The runtime is idle whenever busy was false, so this send cannot
	// block for long. Holding the lock keeps Terminate from closing the
	// channel mid-send; exited guards against a runtime that died
	// between jobs.
	select {
	case h.send <- data:
	case <-h.exited:
		h.busy = false
		h.current = nil
		return nil, ErrClosed
	}
	return ch, nil
}

// receiveLoop forwards replies to the current awaiter. It owns the
// closed transition when the runtime exits.
func (h *Handle) receiveLoop(recv <-chan []byte) {
	for data := range recv {
		reply, err := h.codec.DecodeReply(data)
		if err != nil {
			h.logger.Error("undecodable reply",
				slog.Int("handle_id", h.id),
				slog.String("error", err.Error()),
			)
			continue
		}
		h.deliver(reply)
	}

	// Runtime exited: normal after Terminate, a crash otherwise.
	// Closing exited first unblocks a Run caught mid-send; it holds
	// the lock this section needs.
	close(h.exited)

	h.mu.Lock()
	wasShutdown := h.sendDone
	h.closed = true
	inf := h.current
	h.current = nil
	h.busy = false
	h.cond.Broadcast()
	h.mu.Unlock()

	if inf != nil {
		err := fmt.Errorf("%w: runtime exited with job %d in flight", ErrCrashed, inf.id)
		inf.ch <- Outcome{Err: err}
		h.hooks.EmitWorkerCrashed(context.Background(), h.id, err)
	} else if !wasShutdown {
		h.logger.Error("runtime exited unexpectedly", slog.Int("handle_id", h.id))
		h.hooks.EmitWorkerCrashed(context.Background(), h.id, ErrCrashed)
	}
}

// deliver resolves the in-flight job with a matching reply. Replies
// whose id does not match are discarded, counted, and reported; they
// indicate a runtime that replied twice or a job sent after
// cancellation.
func (h *Handle) deliver(reply *proto.Reply) {
	h.mu.Lock()
	inf := h.current
	if inf == nil || inf.id != reply.ID {
		h.mu.Unlock()
		h.strays.Add(1)
		h.logger.Warn("stray reply discarded",
			slog.Int("handle_id", h.id),
			slog.Int64("job_id", reply.ID),
		)
		h.hooks.EmitStrayReply(context.Background(), h.id, reply.ID)
		return
	}
	h.current = nil
	h.busy = false
	h.cond.Broadcast()
	h.mu.Unlock()

	if reply.Error != nil {
		inf.ch <- Outcome{Err: reply.Error.Err()}
		return
	}
	inf.ch <- Outcome{Result: reply.Result}
}

// Terminate asks the runtime to shut down and waits for it to exit.
// A job in flight is allowed to finish first. Terminate is idempotent;
// the context bounds only the final wait for the runtime to exit.
func (h *Handle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	for h.busy && !h.closed {
		h.cond.Wait()
	}
	if !h.closed && !h.sendDone {
		h.sendDone = true
		close(h.send)
	}
	h.mu.Unlock()

	select {
	case <-h.exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}
