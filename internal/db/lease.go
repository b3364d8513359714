package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
)

// DBTX is the query surface shared by a Lease and a transaction opened on
// it. It satisfies sqlx.QueryerContext and sqlx.ExecerContext, so
// repositories can use sqlx.GetContext and sqlx.SelectContext with either.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
}

// Lease is an exclusively owned connection checked out from a Pool. It must
// not be shared across goroutines, and must be released exactly once;
// further Release or Discard calls are no-ops.
type Lease struct {
	pool       *Pool
	conn       *sqlx.Conn
	acquiredAt time.Time
	released   atomic.Bool
}

var _ DBTX = (*Lease)(nil)

// Release returns the connection to the pool.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	_ = l.conn.Close()
	l.pool.release()
}

// Discard drops the physical connection instead of returning it to the idle
// set. Use it when the connection may be in an unknown state.
func (l *Lease) Discard() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = l.conn.Close()
	l.pool.release()
}

// Held reports how long the lease has been checked out.
func (l *Lease) Held() time.Duration {
	return time.Since(l.acquiredAt)
}

func (l *Lease) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return l.conn.ExecContext(ctx, query, args...)
}

func (l *Lease) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return l.conn.QueryContext(ctx, query, args...)
}

func (l *Lease) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	return l.conn.QueryxContext(ctx, query, args...)
}

func (l *Lease) QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row {
	return l.conn.QueryRowxContext(ctx, query, args...)
}

// WithTx begins a transaction on the leased connection, runs fn with it and
// commits when fn returns nil. Any error or panic rolls back; panics are
// rethrown after the rollback.
func (l *Lease) WithTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := l.conn.BeginTxx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}
