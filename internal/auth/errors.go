package auth

import "errors"

var (
	// ErrUnauthorized is the single error a caller sees for any token
	// problem: bad signature, missing subject, expiry or malformed input.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrHashFailure means a password could not be hashed.
	ErrHashFailure = errors.New("password hash failure")

	// ErrHasherClosed is returned once the hasher's workers have stopped.
	ErrHasherClosed = errors.New("hasher closed")
)
