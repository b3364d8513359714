// Package dbtest provides sqlmock-backed pools for tests in other packages.
package dbtest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/notesd/apiserver/config"
	"github.com/notesd/apiserver/internal/db"
	"github.com/stretchr/testify/require"
)

// Config returns a small pool configuration suitable for unit tests.
func Config(maxConns int) config.DatabaseConfig {
	return config.DatabaseConfig{
		Driver:         "postgres",
		MinConns:       1,
		MaxConns:       maxConns,
		AcquireTimeout: time.Second,
		InitRetries:    1,
		InitBackoff:    time.Millisecond,
		ShutdownGrace:  time.Second,
	}
}

// NewPool returns an initialized pool over a fresh sqlmock connection. The
// pool is shut down when the test ends.
func NewPool(t testing.TB, cfg config.DatabaseConfig, opts ...db.Option) (*db.Pool, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)

	open := func(context.Context, config.DatabaseConfig) (*sql.DB, error) { return raw, nil }
	p := db.NewPool(cfg, append([]db.Option{db.WithOpener(open)}, opts...)...)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, mock
}
