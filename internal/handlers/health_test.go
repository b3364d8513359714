package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthRouter(p PoolProbe) http.Handler {
	r := chi.NewRouter()
	r.Route("/health", func(r chi.Router) {
		HealthRouter(r, NewHealthHandler(p, nil))
	})
	return r
}

func TestHealth_Live(t *testing.T) {
	rec := httptest.NewRecorder()
	healthRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestHealth_Database(t *testing.T) {
	pool, mock := dbtest.NewPool(t, dbtest.Config(4))
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	rec := httptest.NewRecorder()
	healthRouter(pool).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reachable":true,"pool":{"state":"ready","capacity":4,"in_use":0,"idle":4,"saturation":0}}`, rec.Body.String())
}

type downPool struct{}

func (downPool) Ping(context.Context) error { return errors.New("connection refused") }
func (downPool) Status() db.Status { return db.Status{State: "ready", Capacity: 2, Idle: 2} }

func TestHealth_DatabaseUnreachable(t *testing.T) {
	rec := httptest.NewRecorder()
	healthRouter(downPool{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reachable":false`)
}
