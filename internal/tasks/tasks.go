// Package tasks runs best-effort background work after a response has been
// written: welcome notes, registration events, mail and exports.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/notesd/apiserver/config"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Close when called more than once.
var ErrQueueClosed = errors.New("task queue closed")

// Task is a unit of background work. Name is used only for logging.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is a bounded FIFO drained by a fixed set of workers. Tasks never
// share the request context; each gets its own timeout.
type Queue struct {
	log     *zap.Logger
	timeout time.Duration
	jobs    chan Task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(cfg config.TasksConfig, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	q := &Queue{
		log:     log.Named("tasks"),
		timeout: timeout,
		jobs:    make(chan Task, size),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

// Enqueue schedules t without blocking. It reports false when the queue is
// full or closed; the task is dropped in that case.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed || t.Run == nil {
		return false
	}
	select {
	case q.jobs <- t:
		return true
	default:
		q.log.Warn("task dropped, queue full", zap.String("task", t.Name))
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish or for ctx
// to end, whichever comes first.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.jobs {
		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			q.log.Error("task panicked", zap.String("task", t.Name), zap.Any("panic", p))
		}
	}()

	if err := t.Run(ctx); err != nil {
		q.log.Error("task failed", zap.String("task", t.Name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	q.log.Debug("task done", zap.String("task", t.Name), zap.Duration("elapsed", time.Since(start)))
}
