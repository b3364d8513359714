package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/notesd/apiserver/config"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDBDriver       = "postgres"
	defaultPingTimeout    = 5 * time.Second
	defaultConnMaxIdle    = 2 * time.Minute
	defaultConnMaxLife    = 30 * time.Minute
	defaultMaxConns       = 10
	defaultShutdownGrace  = 15 * time.Second
	defaultAcquireTimeout = 10 * time.Second
	minInitBackoff        = time.Millisecond
)

// State is the lifecycle phase of a Pool.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Opener establishes the underlying *sql.DB. It is called once per
// initialization attempt.
type Opener func(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error)

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithOpener replaces the default sql.Open based connector.
func WithOpener(open Opener) Option {
	return func(p *Pool) {
		if open != nil {
			p.open = open
		}
	}
}

// WithName labels the pool in logs and metrics.
func WithName(name string) Option {
	return func(p *Pool) {
		p.name = name
	}
}

// Pool is a bounded set of database connections handed out as exclusive
// leases. At most Capacity leases are outstanding at any time.
type Pool struct {
	cfg  config.DatabaseConfig
	name string
	open Opener
	log  *zap.Logger

	capacity int64
	sem      *semaphore.Weighted

	// mu guards lifecycle transitions, db and drained.
	mu      sync.Mutex
	state   atomic.Int32
	db      *sqlx.DB
	active  int64
	drained chan struct{}

	inUse    atomic.Int64
	acquired atomic.Uint64
	timeouts atomic.Uint64
	attempts atomic.Int64
}

// NewPool constructs an uninitialized pool for cfg.
func NewPool(cfg config.DatabaseConfig, opts ...Option) *Pool {
	if cfg.MaxConns < 1 {
		cfg.MaxConns = defaultMaxConns
	}
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	if cfg.Driver == "" {
		cfg.Driver = defaultDBDriver
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}

	p := &Pool{
		cfg:      cfg,
		name:     "main",
		open:     openSQL,
		log:      zap.NewNop(),
		capacity: int64(cfg.MaxConns),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConns)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(zap.String("pool", p.name))
	return p
}

// NewTestPool constructs the pool used by test suites. It is built from the
// TestDatabase section, never shares capacity with the live pool, and
// refuses a target equal to the live database.
func NewTestPool(cfg config.Config, opts ...Option) (*Pool, error) {
	if SameTarget(cfg.Database, cfg.TestDatabase) {
		return nil, fmt.Errorf("%w: %s", ErrTestTargetIsLive, cfg.TestDatabase.DBName)
	}
	return NewPool(cfg.TestDatabase, append([]Option{WithName("test")}, opts...)...), nil
}

// SameTarget reports whether a and b address the same database on the same
// server.
func SameTarget(a, b config.DatabaseConfig) bool {
	return strings.EqualFold(strings.TrimSpace(a.Host), strings.TrimSpace(b.Host)) &&
		a.Port == b.Port &&
		a.DBName == b.DBName
}

// Open builds and initializes a pool in one step.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (*Pool, error) {
	p := NewPool(cfg, opts...)
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Initialize connects the pool, retrying up to InitRetries attempts with
// InitBackoff between them. It is a no-op on a ready pool. On exhaustion the
// pool stays uninitialized and the error wraps ErrPoolInitFatal.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case StateReady:
		return nil
	case StateDraining, StateClosed:
		return ErrPoolClosed
	}
	p.state.Store(int32(StateInitializing))

	retries := p.cfg.InitRetries
	if retries < 1 {
		retries = 1
	}
	delay := p.cfg.InitBackoff
	if delay < minInitBackoff {
		delay = minInitBackoff
	}
	backoff := retry.WithMaxRetries(uint64(retries-1), retry.NewConstant(delay))

	var attempts int64
	var conn *sql.DB
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		db, err := p.open(ctx, p.cfg)
		if err != nil {
			p.log.Warn("db pool init attempt failed",
				zap.Int64("attempt", attempts),
				zap.Int("max_attempts", retries),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		conn = db
		return nil
	})
	p.attempts.Store(attempts)
	if err != nil {
		p.state.Store(int32(StateUninitialized))
		return fmt.Errorf("%w after %d attempts: %w", ErrPoolInitFatal, attempts, err)
	}

	conn.SetMaxOpenConns(p.cfg.MaxConns)
	conn.SetMaxIdleConns(max(p.cfg.MinConns, 2))
	p.db = sqlx.NewDb(conn, p.cfg.Driver)
	p.state.Store(int32(StateReady))

	p.log.Info("db pool initialized",
		zap.Int("max_size", p.cfg.MaxConns),
		zap.Int("min_size", p.cfg.MinConns),
		zap.Int64("attempts", attempts),
	)
	return nil
}

// State returns the current lifecycle phase.
func (p *Pool) State() State {
	return State(p.state.Load())
}

// Attempts reports how many connection attempts the last Initialize made.
func (p *Pool) Attempts() int {
	return int(p.attempts.Load())
}

// Name returns the pool label.
func (p *Pool) Name() string {
	return p.name
}

// AcquireTimeout is the default wait used by Do and by callers that pass a
// zero timeout to Acquire.
func (p *Pool) AcquireTimeout() time.Duration {
	return p.cfg.AcquireTimeout
}

// Acquire waits up to timeout for a free slot and returns an exclusive
// lease. A zero timeout uses the configured default. The wait honors ctx:
// cancellation returns ctx.Err() and leaves no reservation behind.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if p.State() != StateReady {
		return nil, ErrNotInitialized
	}
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sem.Acquire(actx, 1); err != nil {
		return nil, p.acquireErr(ctx, err)
	}

	p.mu.Lock()
	if p.State() != StateReady {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrNotInitialized
	}
	sqlDB := p.db
	p.active++
	p.inUse.Add(1)
	p.mu.Unlock()

	conn, err := sqlDB.Connx(actx)
	if err != nil {
		p.release()
		return nil, p.acquireErr(ctx, err)
	}

	p.acquired.Add(1)
	return &Lease{pool: p, conn: conn, acquiredAt: time.Now()}, nil
}

func (p *Pool) acquireErr(parent context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		p.timeouts.Add(1)
		return ErrAcquireTimeout
	}
	return fmt.Errorf("acquire connection: %w", err)
}

// release returns one slot. It is called exactly once per successful
// reservation.
func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	p.inUse.Add(-1)
	if p.active == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
	p.mu.Unlock()
	p.sem.Release(1)
}

// Do runs fn with a leased connection and releases it on every exit path.
// A connection reported bad by fn is discarded rather than reused.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, l *Lease) error) (err error) {
	lease, err := p.Acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer func() {
		if errors.Is(err, driver.ErrBadConn) {
			lease.Discard()
			return
		}
		lease.Release()
	}()
	return fn(ctx, lease)
}

// Status is a point-in-time view of pool saturation.
type Status struct {
	State      string  `json:"state"`
	Capacity   int64   `json:"capacity"`
	InUse      int64   `json:"in_use"`
	Idle       int64   `json:"idle"`
	Saturation float64 `json:"saturation"`
}

// Status reads counters only and never waits on pool contention.
func (p *Pool) Status() Status {
	inUse := p.inUse.Load()
	idle := p.capacity - inUse
	if idle < 0 {
		idle = 0
	}
	var saturation float64
	if p.capacity > 0 {
		saturation = float64(inUse) / float64(p.capacity)
	}
	return Status{
		State:      p.State().String(),
		Capacity:   p.capacity,
		InUse:      inUse,
		Idle:       idle,
		Saturation: saturation,
	}
}

// Acquired is the total number of leases handed out.
func (p *Pool) Acquired() uint64 {
	return p.acquired.Load()
}

// Timeouts is the total number of acquire calls that hit their deadline.
func (p *Pool) Timeouts() uint64 {
	return p.timeouts.Load()
}

// Ping performs one trivial round trip through a leased connection.
func (p *Pool) Ping(ctx context.Context) error {
	return p.Do(ctx, func(ctx context.Context, l *Lease) error {
		ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
		defer cancel()
		var one int
		return l.QueryRowxContext(ctx, "SELECT 1").Scan(&one)
	})
}

// Shutdown stops handing out leases, waits for outstanding ones up to the
// configured grace period (or ctx), then closes every connection. Acquire
// fails with ErrNotInitialized from the moment Shutdown starts.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.State() != StateReady {
		p.mu.Unlock()
		return nil
	}
	p.state.Store(int32(StateDraining))
	var drained chan struct{}
	if p.active > 0 {
		drained = make(chan struct{})
		p.drained = drained
	}
	outstanding := p.active
	p.mu.Unlock()

	if drained != nil {
		grace := p.cfg.ShutdownGrace
		if grace <= 0 {
			grace = defaultShutdownGrace
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()

		p.log.Info("db pool draining", zap.Int64("outstanding", outstanding))
		select {
		case <-drained:
		case <-timer.C:
			p.log.Warn("db pool drain grace period elapsed", zap.Int64("outstanding", p.inUse.Load()))
		case <-ctx.Done():
			p.log.Warn("db pool drain interrupted", zap.Error(ctx.Err()))
		}
	}

	p.mu.Lock()
	sqlDB := p.db
	p.drained = nil
	p.state.Store(int32(StateClosed))
	p.mu.Unlock()

	if sqlDB == nil {
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		p.log.Warn("db pool close failed", zap.Error(err))
		return err
	}
	p.log.Info("db pool closed")
	return nil
}

func openSQL(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, DSN(cfg))
	if err != nil {
		return nil, err
	}

	db.SetConnMaxIdleTime(defaultConnMaxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLife)
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(max(cfg.MinConns, 2))

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Warm the idle set up to the configured minimum.
	conns := make([]*sql.Conn, 0, cfg.MinConns)
	for i := 0; i < cfg.MinConns; i++ {
		c, err := db.Conn(pingCtx)
		if err != nil {
			break
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		_ = c.Close()
	}

	return db, nil
}
