package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/notesd/apiserver/config"
	"github.com/notesd/apiserver/internal/auth"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/db/dbtest"
	"github.com/notesd/apiserver/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	srv   *Server
	pool  *db.Pool
	mock  sqlmock.Sqlmock
	clock *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, mock := dbtest.NewPool(t, dbtest.Config(2))
	clk := &clock{now: time.Now()}

	cfg := config.Config{
		Auth: config.AuthConfig{JWTSecret: "secret", JWTAlg: "HS256", TokenTTL: time.Minute},
	}
	hasher := auth.NewHasher(bcrypt.MinCost, 1)
	c := Components{
		Config: cfg,
		Pool:   pool,
		Hasher: hasher,
		Tokens: auth.NewTokenService(auth.KeySource(cfg.Auth.Keys), auth.WithClock(clk.Now)),
		Queue:  tasks.NewQueue(config.TasksConfig{Workers: 1}, nil),
	}
	srv, err := NewWithComponents(c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &fixture{srv: srv, pool: pool, mock: mock, clock: clk}
}

func (f *fixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

var userColumns = []string{"id", "email", "password_hash", "created_at"}

func TestAuthenticatedLifecycle(t *testing.T) {
	f := newFixture(t)
	u1 := uuid.New()
	now := time.Now()

	f.mock.ExpectQuery("FROM users").WillReturnRows(sqlmock.NewRows(userColumns))
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(u1.String(), "u1@example.com", "$2a$x", now))
	f.mock.ExpectCommit()
	f.mock.ExpectQuery("FROM users").WithArgs(u1).
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(u1.String(), "u1@example.com", "$2a$x", now))

	reg := f.do(http.MethodPost, "/auth/register", `{"email":"u1@example.com","password":"pw"}`, "")
	require.Equal(t, http.StatusCreated, reg.Code, reg.Body.String())
	var body struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(reg.Body.Bytes(), &body))
	t1 := body.AccessToken

	me := f.do(http.MethodGet, "/auth/me", "", t1)
	require.Equal(t, http.StatusOK, me.Code, me.Body.String())
	assert.Contains(t, me.Body.String(), u1.String())

	f.clock.Advance(time.Minute + time.Second)
	expired := f.do(http.MethodGet, "/auth/me", "", t1)
	assert.Equal(t, http.StatusUnauthorized, expired.Code)

	before := f.pool.Acquired()
	anonymous := f.do(http.MethodGet, "/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, anonymous.Code)
	assert.Equal(t, before, f.pool.Acquired())

	require.NoError(t, f.mock.ExpectationsWereMet())
	assert.Equal(t, int64(0), f.pool.Status().InUse)
}

func TestRoutes(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "", "").Code)

	metrics := f.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "notesd_db_pool_capacity")

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/notes", "", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/nope", "", "").Code)
}

func TestNewWithComponents_WriteDeadlineOutlivesRequestTimeout(t *testing.T) {
	f := newFixture(t)
	hs := f.srv.httpServer
	assert.Greater(t, hs.WriteTimeout, requestTimeout)
	assert.GreaterOrEqual(t, hs.ReadTimeout, time.Second)
	assert.Less(t, hs.ReadTimeout, requestTimeout)
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(context.Background(), config.Config{}, nil)
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestShutdown_ClosesPool(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.srv.c.Queue.Close(context.Background()))
	_ = f.srv.Shutdown(context.Background())
	assert.Equal(t, db.StateClosed, f.pool.State())

	_, err := f.pool.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, db.ErrNotInitialized)
}
