package auth

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// VerifyResult is the outcome of a password check. Denied and
// InternalFailure look the same to a client; the distinction is kept for
// logging.
type VerifyResult int

const (
	Denied VerifyResult = iota
	Verified
	InternalFailure
)

func (r VerifyResult) String() string {
	switch r {
	case Verified:
		return "verified"
	case Denied:
		return "denied"
	default:
		return "internal_failure"
	}
}

// OK reports whether the password matched.
func (r VerifyResult) OK() bool {
	return r == Verified
}

type hashJob struct {
	run  func()
	done chan struct{}
}

// Hasher runs bcrypt on a fixed set of worker goroutines so that a burst of
// logins cannot occupy more than the configured number of CPUs.
type Hasher struct {
	cost int
	jobs chan hashJob

	closeOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// NewHasher starts workers goroutines hashing at cost. Zero values select
// bcrypt.DefaultCost and one worker per CPU.
func NewHasher(cost, workers int) *Hasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	h := &Hasher{
		cost: cost,
		jobs: make(chan hashJob),
		quit: make(chan struct{}),
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	return h
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.quit:
			return
		case job := <-h.jobs:
			job.run()
			close(job.done)
		}
	}
}

// submit hands fn to a worker and waits for it. If ctx ends first the
// caller returns immediately; a job already picked up still runs to
// completion on its worker.
func (h *Hasher) submit(ctx context.Context, fn func()) error {
	job := hashJob{run: fn, done: make(chan struct{})}
	select {
	case h.jobs <- job:
	case <-h.quit:
		return ErrHasherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hash returns the bcrypt hash of plain. Every failure wraps ErrHashFailure.
func (h *Hasher) Hash(ctx context.Context, plain string) (string, error) {
	var (
		out []byte
		err error
	)
	if serr := h.submit(ctx, func() {
		out, err = bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	}); serr != nil {
		return "", fmt.Errorf("%w: %w", ErrHashFailure, serr)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHashFailure, err)
	}
	return string(out), nil
}

// Verify compares plain against hash. It never returns an error: malformed
// hashes, cancellation and closed hashers all report InternalFailure.
func (h *Hasher) Verify(ctx context.Context, plain, hash string) VerifyResult {
	var err error
	if serr := h.submit(ctx, func() {
		err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	}); serr != nil {
		return InternalFailure
	}
	switch {
	case err == nil:
		return Verified
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return Denied
	default:
		return InternalFailure
	}
}

// Close stops the workers. In-flight jobs finish first.
func (h *Hasher) Close() {
	h.closeOnce.Do(func() {
		close(h.quit)
	})
	h.wg.Wait()
}
