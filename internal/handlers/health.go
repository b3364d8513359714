package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PoolProbe is the health view of a pool. *db.Pool implements it.
type PoolProbe interface {
	Ping(ctx context.Context) error
	Status() db.Status
}

// HealthHandler serves liveness and database reachability checks.
type HealthHandler struct {
	pool PoolProbe
	log  *zap.Logger
	// probes collapses concurrent reachability checks into one round trip.
	probes singleflight.Group
}

func NewHealthHandler(pool PoolProbe, log *zap.Logger) *HealthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthHandler{pool: pool, log: log}
}

// HealthRouter registers health routes on the given router.
func HealthRouter(r chi.Router, handler *HealthHandler) {
	r.Get("/", handler.Live)
	r.Get("/db", handler.Database)
}

type DBHealthResponse struct {
	Reachable bool      `json:"reachable"`
	Pool      db.Status `json:"pool"`
}

func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Database reports pool saturation and whether one trivial query succeeds.
func (h *HealthHandler) Database(w http.ResponseWriter, r *http.Request) {
	_, err, _ := h.probes.Do("ping", func() (any, error) {
		return nil, h.pool.Ping(context.WithoutCancel(r.Context()))
	})

	resp := DBHealthResponse{Reachable: err == nil, Pool: h.pool.Status()}
	if err != nil {
		logger.From(r.Context(), h.log).Warn("database probe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
