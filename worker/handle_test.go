package worker

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/asynqlite/hook"
	"github.com/xraph/asynqlite/proto"
)

// fakeRuntime drives a handle without a real connection behind it.
type fakeRuntime struct {
	h     *Handle
	codec proto.Codec
	send  chan []byte
	recv  chan []byte
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	t.Helper()
	logger := slog.Default()
	codec := proto.GetCodec(proto.CodecNameMsgpack)
	send := make(chan []byte, 1)
	recv := make(chan []byte)

	h := newHandle(0, codec, logger, hook.NewRegistry(logger), send)
	go h.receiveLoop(recv)
	return &fakeRuntime{h: h, codec: codec, send: send, recv: recv}
}

func (f *fakeRuntime) reply(t *testing.T, r *proto.Reply) {
	t.Helper()
	data, err := f.codec.EncodeReply(r)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	f.recv <- data
}

func TestHandle_StrayReplyDiscarded(t *testing.T) {
	f := newFakeRuntime(t)

	ch, err := f.h.Run(&proto.Message{ID: 10, Method: proto.MethodGet, SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-f.send // drain what the handle sent

	// A reply for a different id must be dropped, not resolved.
	f.reply(t, &proto.Reply{ID: 99, Result: &proto.Result{}})

	select {
	case out := <-ch:
		t.Fatalf("stray reply resolved the awaiter: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
	if got := f.h.StrayReplies(); got != 1 {
		t.Errorf("StrayReplies() = %d, want 1", got)
	}
	if !f.h.Busy() {
		t.Error("handle went idle on a stray reply")
	}

	// The matching reply still resolves the job.
	f.reply(t, &proto.Reply{ID: 10, Result: &proto.Result{Changes: 1}})
	out := <-ch
	if out.Err != nil || out.Result.Changes != 1 {
		t.Errorf("outcome = %+v, want Changes 1", out)
	}
}

func TestHandle_ReplyAfterResolutionIsStray(t *testing.T) {
	f := newFakeRuntime(t)

	ch, err := f.h.Run(&proto.Message{ID: 1, Method: proto.MethodGet, SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-f.send

	f.reply(t, &proto.Reply{ID: 1, Result: &proto.Result{}})
	<-ch

	// A duplicate reply lands with no inflight job.
	f.reply(t, &proto.Reply{ID: 1, Result: &proto.Result{}})

	deadline := time.Now().Add(time.Second)
	for f.h.StrayReplies() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("StrayReplies() = %d, want 1", f.h.StrayReplies())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandle_ErrorReplyRebuildsError(t *testing.T) {
	f := newFakeRuntime(t)

	ch, err := f.h.Run(&proto.Message{ID: 5, Method: proto.MethodRun, SQL: "INSERT"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-f.send

	f.reply(t, &proto.Reply{ID: 5, Error: &proto.ErrorDetail{
		Name:    "SQLITE_CONSTRAINT",
		Message: "UNIQUE constraint failed: t.n",
		Stack:   "worker.go:1",
	}})

	out := <-ch
	var se *proto.SQLiteError
	if !errors.As(out.Err, &se) {
		t.Fatalf("error = %T, want *proto.SQLiteError", out.Err)
	}
	if se.Name != "SQLITE_CONSTRAINT" || se.Stack != "worker.go:1" {
		t.Errorf("error = %+v, want name and stack preserved", se)
	}
}

func TestHandle_RuntimeExitWithInflightIsCrash(t *testing.T) {
	f := newFakeRuntime(t)

	ch, err := f.h.Run(&proto.Message{ID: 3, Method: proto.MethodGet, SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-f.send

	// The runtime dies without replying.
	close(f.recv)

	out := <-ch
	if !errors.Is(out.Err, ErrCrashed) {
		t.Errorf("outcome error = %v, want ErrCrashed", out.Err)
	}
	if !f.h.Closed() {
		t.Error("handle not closed after runtime crash")
	}
	if _, err := f.h.Run(&proto.Message{ID: 4}); !errors.Is(err, ErrClosed) {
		t.Errorf("Run after crash error = %v, want ErrClosed", err)
	}
}
