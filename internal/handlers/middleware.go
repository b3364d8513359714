package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/logger"
	"go.uber.org/zap"
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// LeaseSource hands out pooled connections. *db.Pool implements it.
type LeaseSource interface {
	Acquire(ctx context.Context, timeout time.Duration) (*db.Lease, error)
}

// RequireAuth authenticates the request and scopes one pooled connection to
// it. A missing or malformed header is rejected before the pool is touched.
// The lease is released when next returns, including when it panics.
func RequireAuth(tokens TokenValidator, pool LeaseSource, base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.From(r.Context(), base)

			subject, ok := authenticate(w, r, tokens, log)
			if !ok {
				return
			}

			lease, err := pool.Acquire(r.Context(), 0)
			if err != nil {
				log.Warn("acquire connection for request", zap.Error(err))
				writePoolError(w, err, "internal error")
				return
			}
			defer lease.Release()

			ctx := context.WithValue(r.Context(), contextSubjectKey, subject)
			ctx = context.WithValue(ctx, contextLeaseKey, lease)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSubject authenticates the request like RequireAuth but holds no
// connection. It guards routes that never query the database.
func RequireSubject(tokens TokenValidator, base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := authenticate(w, r, tokens, logger.From(r.Context(), base))
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextSubjectKey, subject)))
		})
	}
}

func authenticate(w http.ResponseWriter, r *http.Request, tokens TokenValidator, log *zap.Logger) (uuid.UUID, bool) {
	tokenString, err := bearerToken(r)
	if err != nil {
		writeUnauthorized(w)
		return uuid.Nil, false
	}
	raw, err := tokens.Validate(tokenString)
	if err != nil {
		writeUnauthorized(w)
		return uuid.Nil, false
	}
	subject, err := uuid.Parse(raw)
	if err != nil {
		log.Debug("token subject is not a user id")
		writeUnauthorized(w)
		return uuid.Nil, false
	}
	return subject, true
}
