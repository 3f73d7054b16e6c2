package asynqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xraph/asynqlite/backoff"
	"github.com/xraph/asynqlite/compose"
	"github.com/xraph/asynqlite/hook"
	"github.com/xraph/asynqlite/middleware"
	"github.com/xraph/asynqlite/proto"
)

// Result reports the effect of a Run: how many rows changed and the
// rowid of the last insert on the worker's connection.
type Result struct {
	Changes         int64
	LastInsertRowID int64
}

// DB is the application surface of the driver. All query methods block
// the calling goroutine until the reply arrives but never block other
// goroutines: the SQL runs on a worker's own connection.
type DB struct {
	cfg    Config
	logger *slog.Logger
	codec  proto.Codec
	bo     backoff.Strategy

	extensions []hook.Extension
	mws        []middleware.Middleware

	hooks   *hook.Registry
	d       *Dispatcher
	txDepth atomic.Int32
}

// Open creates the worker pool for the given database and returns the
// DB handle. An empty filename means ":memory:". Workers open their
// connections eagerly, so a bad path or pragma fails here.
func Open(filename string, opts ...Option) (*DB, error) {
	db := &DB{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	if filename != "" {
		db.cfg.Filename = filename
	}
	for _, opt := range opts {
		if err := opt(db); err != nil {
			return nil, err
		}
	}

	requested := db.cfg.Driver
	normalized, err := normalizeDriver(requested)
	if err != nil {
		return nil, err
	}
	db.cfg.Driver = normalized

	if db.cfg.Workers <= 0 {
		db.cfg.Workers = defaultWorkers(requested, db.cfg.Filename)
	}
	if db.cfg.MaxRetries < 0 {
		db.cfg.MaxRetries = 0
	}
	if db.codec == nil {
		db.codec = proto.GetCodec(proto.CodecNameMsgpack)
	}
	if db.bo == nil {
		db.bo = backoff.DefaultStrategy()
	}

	db.hooks = hook.NewRegistry(db.logger)
	for _, e := range db.extensions {
		db.hooks.Register(e)
	}

	// Default execution chain: recover → logging, then user middleware.
	mws := append([]middleware.Middleware{
		middleware.Recover(db.logger),
		middleware.Logging(db.logger),
	}, db.mws...)

	d, err := newDispatcher(db.cfg, db.codec, middleware.Chain(mws...), db.logger, db.hooks, db.bo)
	if err != nil {
		return nil, err
	}
	db.d = d
	return db, nil
}

// normalizeDriver maps a requested driver name onto a known backend.
// A trailing "sqlite3" (the native binding's name) normalizes to
// "sqlite".
func normalizeDriver(name string) (string, error) {
	if name == "" {
		return DriverSQLite, nil
	}
	norm := name
	if strings.HasSuffix(norm, "sqlite3") {
		norm = strings.TrimSuffix(norm, "sqlite3") + "sqlite"
	}
	if norm != DriverSQLite {
		return "", fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return norm, nil
}

// defaultWorkers picks the pool size when the caller did not. Native
// bindings get a single worker; in-memory databases one per CPU (each
// worker's database is independent); file databases two.
func defaultWorkers(requestedDriver, filename string) int {
	if strings.HasSuffix(requestedDriver, "sqlite3") {
		return 1
	}
	if filename == ":memory:" {
		return runtime.NumCPU()
	}
	return 2
}

// Dispatcher exposes the underlying dispatcher for advanced use
// (leases, direct message submission, handle inspection).
func (db *DB) Dispatcher() *Dispatcher { return db.d }

// InTransaction reports whether a Transaction callback is currently
// running. The flag is process-local observability, not coordination;
// correctness of transactions comes from leasing.
func (db *DB) InTransaction() bool { return db.txDepth.Load() > 0 }

// Close shuts the pool down gracefully. Busy workers finish their
// current job; queued jobs are rejected; later submissions fail with
// ErrDispatcherClosed.
func (db *DB) Close(ctx context.Context) error {
	return db.d.Shutdown(ctx)
}

// ── Query methods ───────────────────────────────────

// Exec runs a script of one or more ";"-separated statements with no
// parameters.
func (db *DB) Exec(ctx context.Context, sql string) error {
	return db.execOn(ctx, db.d.Submit, sql)
}

// Run executes a single statement with positional parameters and
// reports its effect. The value count must match the statement's "?"
// placeholders.
func (db *DB) Run(ctx context.Context, sql string, args ...any) (Result, error) {
	q, err := compose.Bind(sql, args)
	if err != nil {
		return Result{}, err
	}
	return db.RunQuery(ctx, q)
}

// Get executes a single statement and returns the first row as a
// column-name keyed mapping, or nil if the result set is empty.
func (db *DB) Get(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	q, err := compose.Bind(sql, args)
	if err != nil {
		return nil, err
	}
	return db.GetQuery(ctx, q)
}

// All executes a single statement and returns every row in result
// order. An empty result set yields an empty, non-nil slice.
func (db *DB) All(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	q, err := compose.Bind(sql, args)
	if err != nil {
		return nil, err
	}
	return db.AllQuery(ctx, q)
}

// ── Composed-query forms ────────────────────────────

// ExecQuery is Exec for a composed query. Parameters are rejected with
// compose.ErrInvalidQuery: a multi-statement script cannot bind values.
func (db *DB) ExecQuery(ctx context.Context, q compose.Query) error {
	if len(q.Args) > 0 {
		return compose.ErrInvalidQuery
	}
	return db.Exec(ctx, q.SQL)
}

// RunQuery is Run for a composed query.
func (db *DB) RunQuery(ctx context.Context, q compose.Query) (Result, error) {
	return runOn(ctx, db.d.Submit, q)
}

// GetQuery is Get for a composed query.
func (db *DB) GetQuery(ctx context.Context, q compose.Query) (map[string]any, error) {
	return getOn(ctx, db.d.Submit, q)
}

// AllQuery is All for a composed query.
func (db *DB) AllQuery(ctx context.Context, q compose.Query) ([]map[string]any, error) {
	return allOn(ctx, db.d.Submit, q)
}

// ── Transactions ────────────────────────────────────

// Tx is the transaction-scoped query surface handed to a Transaction
// callback. Every statement runs on the one connection the transaction
// leased.
type Tx struct {
	db    *DB
	lease *Lease
}

// Transaction leases a worker for the whole transaction, runs BEGIN
// IMMEDIATE, invokes fn, and commits, or rolls back if fn returns an
// error or panics, re-raising the original failure. Rollback errors
// are swallowed; the caller's error is the one that matters.
//
// BEGIN IMMEDIATE takes the reserved lock up front, so statements
// inside the transaction cannot fail with contention midway; the lock
// race is paid at BEGIN, where it is retried with backoff.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	lease, err := db.d.Lease(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := db.beginWithRetry(ctx, lease); err != nil {
		return err
	}
	db.txDepth.Add(1)

	rollback := func() {
		if _, rbErr := lease.Submit(ctx, &proto.Message{Method: proto.MethodRollback}); rbErr != nil {
			db.logger.Warn("rollback failed", slog.String("error", rbErr.Error()))
		}
	}

	committed := false
	defer func() {
		db.txDepth.Add(-1)
		if !committed {
			rollback()
		}
	}()

	if err := fn(&Tx{db: db, lease: lease}); err != nil {
		return err
	}

	committed = true
	if _, err := lease.Submit(ctx, &proto.Message{Method: proto.MethodCommit}); err != nil {
		return err
	}
	return nil
}

// beginWithRetry issues BEGIN IMMEDIATE on the leased worker, retrying
// lock contention under the configured backoff budget.
func (db *DB) beginWithRetry(ctx context.Context, lease *Lease) error {
	attempts := 0
	for {
		_, err := lease.Submit(ctx, &proto.Message{Method: proto.MethodBegin})
		if err == nil {
			return nil
		}
		var se *proto.SQLiteError
		if !errors.As(err, &se) || !se.Contended() || attempts >= db.cfg.MaxRetries {
			return err
		}
		attempts++
		delay := db.bo.Delay(attempts)
		db.logger.Debug("begin lost the lock, retrying",
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Transaction on a Tx degrades to direct execution inside the outer
// transaction: fn runs with the same Tx and no new BEGIN. Savepoints
// are out of scope.
func (tx *Tx) Transaction(_ context.Context, fn func(tx *Tx) error) error {
	return fn(tx)
}

// Exec runs a script inside the transaction.
func (tx *Tx) Exec(ctx context.Context, sql string) error {
	return tx.db.execOn(ctx, tx.lease.Submit, sql)
}

// Run executes a single statement inside the transaction.
func (tx *Tx) Run(ctx context.Context, sql string, args ...any) (Result, error) {
	q, err := compose.Bind(sql, args)
	if err != nil {
		return Result{}, err
	}
	return runOn(ctx, tx.lease.Submit, q)
}

// Get returns the first row inside the transaction, or nil.
func (tx *Tx) Get(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	q, err := compose.Bind(sql, args)
	if err != nil {
		return nil, err
	}
	return getOn(ctx, tx.lease.Submit, q)
}

// All returns every row inside the transaction.
func (tx *Tx) All(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	q, err := compose.Bind(sql, args)
	if err != nil {
		return nil, err
	}
	return allOn(ctx, tx.lease.Submit, q)
}

// ── Shared plumbing ─────────────────────────────────

// submitFunc abstracts over pool submission and lease submission so
// DB and Tx share the result plumbing.
type submitFunc func(ctx context.Context, m *proto.Message) (*proto.Result, error)

func (db *DB) execOn(ctx context.Context, submit submitFunc, sql string) error {
	_, err := submit(ctx, &proto.Message{Method: proto.MethodExec, SQL: sql})
	return err
}

func runOn(ctx context.Context, submit submitFunc, q compose.Query) (Result, error) {
	res, err := submit(ctx, &proto.Message{
		Method: proto.MethodRun,
		SQL:    q.SQL,
		Values: q.Args,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Changes: res.Changes, LastInsertRowID: res.LastInsertRowID}, nil
}

func getOn(ctx context.Context, submit submitFunc, q compose.Query) (map[string]any, error) {
	res, err := submit(ctx, &proto.Message{
		Method: proto.MethodGet,
		SQL:    q.SQL,
		Values: q.Args,
	})
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

func allOn(ctx context.Context, submit submitFunc, q compose.Query) ([]map[string]any, error) {
	res, err := submit(ctx, &proto.Message{
		Method: proto.MethodAll,
		SQL:    q.SQL,
		Values: q.Args,
	})
	if err != nil {
		return nil, err
	}
	if res.Rows == nil {
		return []map[string]any{}, nil
	}
	return res.Rows, nil
}
