// Package asynqlite is an asynchronous, worker-pool-backed SQLite
// driver. SQL statements, transactions included, are submitted from
// any goroutine without blocking it on disk I/O or on SQLite's locks:
// each worker owns one SQLite connection in its own goroutine, and a
// dispatcher routes jobs to idle workers through a FIFO queue.
//
// # Quick Start
//
//	db, err := asynqlite.Open("app.db", asynqlite.WithWorkers(2))
//	if err != nil { ... }
//	defer db.Close(ctx)
//
//	res, err := db.Run(ctx, "INSERT INTO users (name) VALUES (?)", "alice")
//	row, err := db.Get(ctx, "SELECT * FROM users WHERE id = ?", res.LastInsertRowID)
//
// # Guarantees
//
// Jobs are matched to workers in submission order. A given worker
// executes its jobs serially, so a transaction leased to one worker
// sees its statements in order on one connection. Writes that lose the
// database lock are retried from the head of the queue with backoff;
// callers never see "database is locked" unless the retry budget is
// exhausted.
//
// # Shutdown
//
// Close drains busy workers before terminating them: a job that already
// reached a worker runs to completion. Jobs still waiting in the queue
// are rejected. Submissions after Close fail immediately.
package asynqlite
