// Package sqlite opens a file-backed spoolcache backend on the pure-Go
// sqlite driver (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/spoolcache/spoolcache/backend/sqlkv"
)

type Options struct {
	// Path of the database file. ":memory:" gives an ephemeral store.
	Path string

	// BusyTimeout is how long a locked database is retried before
	// SQLITE_BUSY surfaces. 0 => 5s.
	BusyTimeout time.Duration
}

// Open opens (creating if needed) the database and ensures the schema.
// The connection pool is pinned to one connection: the queue is
// single-writer anyway, and a second connection only buys SQLITE_BUSY
// churn under WAL.
func Open(ctx context.Context, opts Options) (*sqlkv.Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		opts.Path, busy.Milliseconds())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	store, err := sqlkv.New(ctx, db, sqlkv.DialectSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
