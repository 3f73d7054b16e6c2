// Package worker provides the execution side of the driver: a Runtime
// that owns exactly one SQLite connection and executes jobs against it
// one at a time, and a Handle that the dispatcher uses to talk to a
// runtime across the context boundary.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/xraph/asynqlite/middleware"
	"github.com/xraph/asynqlite/proto"
)

var (
	// ErrBusy is returned by Handle.Run while a job is already in flight.
	ErrBusy = errors.New("worker: handle busy")

	// ErrClosed is returned by Handle.Run after the handle terminated.
	ErrClosed = errors.New("worker: handle closed")

	// ErrCrashed reports that a runtime died with a job in flight.
	ErrCrashed = errors.New("worker: runtime crashed")
)

// Config describes the connection a Runtime opens on startup.
type Config struct {
	// Filename is an absolute path, a relative path, or ":memory:".
	Filename string

	// Pragmas are applied in key order after the connection opens.
	// foreign_keys is always enabled; journal_mode defaults to WAL for
	// file databases. Entries here override both defaults.
	Pragmas map[string]string

	// BusyTimeout is the engine-level busy handler timeout. The default
	// of zero surfaces contention immediately so the dispatcher's retry
	// policy owns the waiting.
	BusyTimeout time.Duration
}

// Runtime owns one SQLite connection and executes jobs against it in
// arrival order. It reads encoded messages from in and writes exactly
// one encoded reply per message to out. When in closes, the runtime
// finishes the current job, closes the connection, and closes out.
type Runtime struct {
	conn   *sqlite.Conn
	codec  proto.Codec
	mw     middleware.Middleware
	logger *slog.Logger
	in     <-chan []byte
	out    chan<- []byte
}

// NewRuntime opens the connection described by cfg and wires a runtime
// to the given channels. The caller starts the receive loop with Run.
func NewRuntime(
	cfg Config,
	codec proto.Codec,
	mw middleware.Middleware,
	logger *slog.Logger,
	in <-chan []byte,
	out chan<- []byte,
) (*Runtime, error) {
	conn, err := openConn(cfg)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		conn:   conn,
		codec:  codec,
		mw:     mw,
		logger: logger,
		in:     in,
		out:    out,
	}, nil
}

func openConn(cfg Config) (*sqlite.Conn, error) {
	filename := cfg.Filename
	if filename == "" {
		filename = ":memory:"
	}

	flags := sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenURI | sqlite.OpenNoMutex
	if filename == ":memory:" {
		flags |= sqlite.OpenMemory
	}

	conn, err := sqlite.OpenConn(filename, flags)
	if err != nil {
		return nil, fmt.Errorf("worker: open %s: %w", filename, err)
	}
	conn.SetBusyTimeout(cfg.BusyTimeout)

	pragmas := map[string]string{"foreign_keys": "ON"}
	if filename != ":memory:" {
		pragmas["journal_mode"] = "WAL"
	}
	for k, v := range cfg.Pragmas {
		pragmas[k] = v
	}

	keys := make([]string, 0, len(pragmas))
	for k := range pragmas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		stmt := fmt.Sprintf("PRAGMA %s = %s;", k, pragmas[k])
		if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("worker: %s: %w", strings.TrimSuffix(stmt, ";"), err)
		}
	}

	return conn, nil
}

// Run is the receive loop. Messages are processed strictly in arrival
// order; the runtime never dequeues a new message before replying to
// the current one. Run returns when in closes.
func (r *Runtime) Run() {
	defer func() {
		if err := r.conn.Close(); err != nil {
			r.logger.Warn("connection close error", slog.String("error", err.Error()))
		}
		close(r.out)
	}()

	for data := range r.in {
		msg, err := r.codec.DecodeMessage(data)
		if err != nil {
			// No id to reply to; record and keep serving.
			r.logger.Error("undecodable job message", slog.String("error", err.Error()))
			continue
		}
		reply, ok := r.encodeReply(r.execute(msg))
		if !ok {
			// A codec that cannot encode even a bare error detail is a
			// fatal internal error; exiting lets the handle reject the
			// job as a crash.
			return
		}
		r.out <- reply
	}
}

// encodeReply serializes a reply, downgrading to an error reply if the
// result itself cannot cross the boundary.
func (r *Runtime) encodeReply(reply *proto.Reply) ([]byte, bool) {
	data, err := r.codec.EncodeReply(reply)
	if err == nil {
		return data, true
	}
	r.logger.Error("unencodable reply",
		slog.Int64("job_id", reply.ID),
		slog.String("error", err.Error()),
	)
	fallback := &proto.Reply{
		ID:    reply.ID,
		Error: &proto.ErrorDetail{Name: "EncodeError", Message: err.Error()},
	}
	data, err = r.codec.EncodeReply(fallback)
	if err != nil {
		r.logger.Error("codec cannot encode error reply", slog.String("error", err.Error()))
		return nil, false
	}
	return data, true
}

// execute runs one job through the middleware chain and converts the
// outcome into a reply. SQL failures become error replies; they never
// terminate the runtime.
func (r *Runtime) execute(m *proto.Message) *proto.Reply {
	var res *proto.Result
	terminal := func(context.Context) error {
		var err error
		res, err = r.apply(m)
		return err
	}

	if err := r.mw(context.Background(), m, terminal); err != nil {
		return &proto.Reply{ID: m.ID, Error: errorDetail(err)}
	}
	return &proto.Reply{ID: m.ID, Result: res}
}

// apply dispatches on the method. The switch is exhaustive over
// proto.Method.
func (r *Runtime) apply(m *proto.Message) (*proto.Result, error) {
	switch m.Method {
	case proto.MethodExec:
		if len(m.Values) > 0 {
			return nil, fmt.Errorf("worker: exec does not accept parameters")
		}
		return nil, sqlitex.ExecuteScript(r.conn, m.SQL, nil)
	case proto.MethodRun:
		return r.run(m)
	case proto.MethodGet:
		return r.get(m)
	case proto.MethodAll:
		return r.all(m)
	case proto.MethodBegin:
		return nil, r.control("BEGIN IMMEDIATE;")
	case proto.MethodCommit:
		return nil, r.control("COMMIT;")
	case proto.MethodRollback:
		return nil, r.control("ROLLBACK;")
	case proto.MethodTransaction:
		return r.steps(m.Steps)
	default:
		return nil, fmt.Errorf("worker: unknown method %q", m.Method)
	}
}

// control executes a transaction-control statement outside the
// prepared-statement cache.
func (r *Runtime) control(sql string) error {
	return sqlitex.ExecuteTransient(r.conn, sql, nil)
}

// prepare returns the cached prepared statement for the SQL text with
// surrounding whitespace trimmed, bound with the message's values. The
// connection's statement cache is keyed on that text and lives for the
// connection's lifetime.
func (r *Runtime) prepare(m *proto.Message) (*sqlite.Stmt, error) {
	stmt, err := r.conn.Prepare(strings.TrimSpace(m.SQL))
	if err != nil {
		return nil, err
	}
	if got := stmt.BindParamCount(); got != len(m.Values) {
		resetStmt(stmt)
		return nil, fmt.Errorf("worker: statement wants %d parameters, got %d values", got, len(m.Values))
	}
	for i, v := range m.Values {
		pos := i + 1
		switch x := v.(type) {
		case nil:
			stmt.BindNull(pos)
		case int64:
			stmt.BindInt64(pos, x)
		case float64:
			stmt.BindFloat(pos, x)
		case string:
			stmt.BindText(pos, x)
		case []byte:
			stmt.BindBytes(pos, x)
		case bool:
			stmt.BindBool(pos, x)
		default:
			resetStmt(stmt)
			return nil, fmt.Errorf("worker: cannot bind %T at position %d", v, pos)
		}
	}
	return stmt, nil
}

// resetStmt returns a cached statement to its reusable state.
func resetStmt(stmt *sqlite.Stmt) {
	stmt.ClearBindings()
	stmt.Reset()
}

func (r *Runtime) run(m *proto.Message) (*proto.Result, error) {
	stmt, err := r.prepare(m)
	if err != nil {
		return nil, err
	}
	defer resetStmt(stmt)

	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
	}
	return &proto.Result{
		Changes:         int64(r.conn.Changes()),
		LastInsertRowID: r.conn.LastInsertRowID(),
	}, nil
}

func (r *Runtime) get(m *proto.Message) (*proto.Result, error) {
	stmt, err := r.prepare(m)
	if err != nil {
		return nil, err
	}
	defer resetStmt(stmt)

	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		// Absent row, not an empty mapping.
		return &proto.Result{}, nil
	}
	return &proto.Result{Row: readRow(stmt)}, nil
}

func (r *Runtime) all(m *proto.Message) (*proto.Result, error) {
	stmt, err := r.prepare(m)
	if err != nil {
		return nil, err
	}
	defer resetStmt(stmt)

	rows := []map[string]any{}
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		rows = append(rows, readRow(stmt))
	}
	return &proto.Result{Rows: rows}, nil
}

// steps executes nested jobs in order inside one BEGIN IMMEDIATE/COMMIT
// bracket on this runtime's own connection. The first failure rolls the
// bracket back. The reply carries the last step's result.
func (r *Runtime) steps(steps []proto.Message) (*proto.Result, error) {
	if err := r.control("BEGIN IMMEDIATE;"); err != nil {
		return nil, err
	}
	var last *proto.Result
	for i := range steps {
		res, err := r.apply(&steps[i])
		if err != nil {
			if rbErr := r.control("ROLLBACK;"); rbErr != nil {
				r.logger.Warn("rollback after failed step",
					slog.String("error", rbErr.Error()),
				)
			}
			return nil, err
		}
		last = res
	}
	if err := r.control("COMMIT;"); err != nil {
		if rbErr := r.control("ROLLBACK;"); rbErr != nil {
			r.logger.Warn("rollback after failed commit",
				slog.String("error", rbErr.Error()),
			)
		}
		return nil, err
	}
	return last, nil
}

// readRow materializes the current row as a column-name keyed mapping.
func readRow(stmt *sqlite.Stmt) map[string]any {
	n := stmt.ColumnCount()
	row := make(map[string]any, n)
	for i := 0; i < n; i++ {
		name := stmt.ColumnName(i)
		switch stmt.ColumnType(i) {
		case sqlite.TypeInteger:
			row[name] = stmt.ColumnInt64(i)
		case sqlite.TypeFloat:
			row[name] = stmt.ColumnFloat(i)
		case sqlite.TypeText:
			row[name] = stmt.ColumnText(i)
		case sqlite.TypeBlob:
			buf := make([]byte, stmt.ColumnLen(i))
			stmt.ColumnBytes(i, buf)
			row[name] = buf
		default:
			row[name] = nil
		}
	}
	return row
}

// errorDetail flattens an execution error into the by-value form that
// crosses the context boundary. Engine errors keep their result-code
// name; lock contention is normalized to the engine's canonical message
// so the dispatcher's retry detection sees it regardless of wrapping.
func errorDetail(err error) *proto.ErrorDetail {
	// Errors already in by-value form (a recovered panic from the
	// Recover middleware) keep their name and original stack.
	var se *proto.SQLiteError
	if errors.As(err, &se) {
		return &proto.ErrorDetail{Name: se.Name, Message: se.Message, Stack: se.Stack}
	}

	d := &proto.ErrorDetail{
		Name:    "Error",
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
	code := sqlite.ErrCode(err)
	if code != sqlite.ResultOK {
		d.Name = code.String()
	}
	if code.ToPrimary() == sqlite.ResultBusy || code.ToPrimary() == sqlite.ResultLocked {
		d.Message = proto.LockedMessage
	}
	return d
}
