package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/notesd/apiserver/internal/db"
)

const maxBodyBytes = 1 << 20

type contextKey string

const (
	contextSubjectKey contextKey = "sub"
	contextLeaseKey   contextKey = "lease"
)

// ErrorResponse is a simple error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubjectFromContext returns the caller identity set by RequireAuth.
func SubjectFromContext(ctx context.Context) (uuid.UUID, bool) {
	subject, ok := ctx.Value(contextSubjectKey).(uuid.UUID)
	return subject, ok && subject != uuid.Nil
}

// LeaseFromContext returns the connection scoped to the current request by
// RequireAuth. The lease is released by the middleware; handlers must not
// release it themselves.
func LeaseFromContext(ctx context.Context) (*db.Lease, bool) {
	lease, ok := ctx.Value(contextLeaseKey).(*db.Lease)
	return lease, ok && lease != nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

// writePoolError maps pool failures to responses. It reports false when the
// client has gone away and nothing should be written.
func writePoolError(w http.ResponseWriter, err error, fallback string) bool {
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, db.ErrAcquireTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "service busy, retry later")
	case errors.Is(err, db.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
	return true
}

// decodeJSON reads one JSON document of at most maxBodyBytes into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body too large")
		}
		return errors.New("invalid request")
	}
	return nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
