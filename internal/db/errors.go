package db

import "errors"

var (
	// ErrNotInitialized is returned by Acquire when the pool is not ready:
	// it was never initialized, is draining or has been shut down.
	ErrNotInitialized = errors.New("db pool not initialized")

	// ErrAcquireTimeout is returned when no lease became available before
	// the acquire deadline. Callers should treat it as retriable overload.
	ErrAcquireTimeout = errors.New("db pool acquire timeout")

	// ErrPoolInitFatal is returned when initialization exhausted its retries.
	ErrPoolInitFatal = errors.New("db pool initialization failed")

	// ErrTestTargetIsLive is returned by NewTestPool when the test database
	// points at the same server and database as the live one.
	ErrTestTargetIsLive = errors.New("test database targets the live database")

	// ErrPoolClosed is returned by Initialize on a pool that was shut down.
	ErrPoolClosed = errors.New("db pool closed")
)
