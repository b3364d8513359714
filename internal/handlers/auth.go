package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/notesd/apiserver/internal/auth"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/logger"
	"github.com/notesd/apiserver/internal/services"
	"github.com/notesd/apiserver/internal/store"
	"github.com/notesd/apiserver/internal/tasks"
	"github.com/notesd/apiserver/types"
	"go.uber.org/zap"
)

const (
	tokenType         = "bearer"
	maxPasswordBytes  = 72
	dummyPasswordSeed = "notesd-timing-equalizer"
)

// PasswordHasher is implemented by *auth.Hasher.
type PasswordHasher interface {
	Hash(ctx context.Context, plain string) (string, error)
	Verify(ctx context.Context, plain, hash string) auth.VerifyResult
}

// TokenIssuer is implemented by *auth.TokenService.
type TokenIssuer interface {
	Issue(subject string, ttl time.Duration) (string, error)
}

// Leaser runs fn on a pooled connection. *db.Pool implements it.
type Leaser interface {
	Do(ctx context.Context, fn func(ctx context.Context, l *db.Lease) error) error
}

// TaskQueue is implemented by *tasks.Queue.
type TaskQueue interface {
	Enqueue(t tasks.Task) bool
}

// AuthHandler provides registration, login and identity endpoints.
type AuthHandler struct {
	users      *services.UserService
	hasher     PasswordHasher
	tokens     TokenIssuer
	pool       Leaser
	queue      TaskQueue
	onboarding *services.OnboardingService
	tokenTTL   time.Duration
	log        *zap.Logger

	dummyHash atomic.Pointer[string]
}

// AuthDeps groups the collaborators of AuthHandler. Queue and Onboarding are
// optional.
type AuthDeps struct {
	Users      *services.UserService
	Hasher     PasswordHasher
	Tokens     TokenIssuer
	Pool       Leaser
	Queue      TaskQueue
	Onboarding *services.OnboardingService
	TokenTTL   time.Duration
	Logger     *zap.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(deps AuthDeps) *AuthHandler {
	ttl := deps.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &AuthHandler{
		users:      deps.Users,
		hasher:     deps.Hasher,
		tokens:     deps.Tokens,
		pool:       deps.Pool,
		queue:      deps.Queue,
		onboarding: deps.Onboarding,
		tokenTTL:   ttl,
		log:        log,
	}
	if h.hasher != nil {
		if hash, err := h.hasher.Hash(context.Background(), dummyPasswordSeed); err == nil {
			h.dummyHash.Store(&hash)
		} else {
			log.Warn("dummy password hash unavailable", zap.Error(err))
		}
	}
	return h
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, handler *AuthHandler, requireAuth func(http.Handler) http.Handler) {
	r.Post("/register", handler.Register)
	r.Post("/login", handler.Login)
	r.With(requireAuth).Get("/me", handler.Me)
}

type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type MeResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (req *CredentialsRequest) normalize() error {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return errors.New("email and password are required")
	}
	return nil
}

func (req *CredentialsRequest) validate() error {
	if err := req.normalize(); err != nil {
		return err
	}
	addr, err := mail.ParseAddress(req.Email)
	if err != nil || addr.Address != req.Email {
		return errors.New("invalid email")
	}
	if len(req.Password) > maxPasswordBytes {
		return errors.New("password must be at most 72 bytes")
	}
	return nil
}

// Register creates a new user account and returns an access token.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	log := logger.From(r.Context(), h.log)

	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Hashing happens before a connection is leased.
	hashed, err := h.hasher.Hash(r.Context(), req.Password)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error("hash password", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	var user types.User
	err = h.pool.Do(r.Context(), func(ctx context.Context, l *db.Lease) error {
		if _, err := h.users.GetByEmail(ctx, l, req.Email); err == nil {
			return store.ErrConflict
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		user, err = h.users.Create(ctx, l, req.Email, hashed)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusBadRequest, "email already registered")
			return
		}
		log.Error("create user", zap.Error(err))
		writePoolError(w, err, "failed to create user")
		return
	}

	token, err := h.tokens.Issue(user.ID.String(), h.tokenTTL)
	if err != nil {
		log.Error("issue token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	h.scheduleOnboarding(user)

	writeJSON(w, http.StatusCreated, RegisterResponse{
		ID:          user.ID.String(),
		Email:       user.Email,
		AccessToken: token,
		TokenType:   tokenType,
	})
}

func (h *AuthHandler) scheduleOnboarding(user types.User) {
	if h.queue == nil || h.onboarding == nil {
		return
	}
	h.queue.Enqueue(tasks.Task{
		Name: "after_register",
		Run: func(ctx context.Context) error {
			return h.onboarding.AfterRegister(ctx, user)
		},
	})
}

// Login verifies credentials and returns an access token. Unknown emails and
// wrong passwords produce the same response after the same amount of work.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	log := logger.From(r.Context(), h.log)

	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		user  types.User
		found bool
	)
	err := h.pool.Do(r.Context(), func(ctx context.Context, l *db.Lease) error {
		var err error
		user, err = h.users.GetByEmail(ctx, l, req.Email)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		log.Error("load user", zap.Error(err))
		writePoolError(w, err, "failed to authenticate")
		return
	}

	if !found {
		h.burnDummy(r.Context(), req.Password)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	result := h.hasher.Verify(r.Context(), req.Password, user.PasswordHash)
	if result == auth.InternalFailure {
		log.Warn("password verification failed internally", zap.String("user_id", user.ID.String()))
	}
	if !result.OK() {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.tokens.Issue(user.ID.String(), h.tokenTTL)
	if err != nil {
		log.Error("issue token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: tokenType})
}

// burnDummy spends one bcrypt operation for an unknown email: a Verify
// against the dummy hash, or a Hash that also fills it in when the
// constructor could not.
func (h *AuthHandler) burnDummy(ctx context.Context, plain string) {
	if hash := h.dummyHash.Load(); hash != nil {
		h.hasher.Verify(ctx, plain, *hash)
		return
	}
	hash, err := h.hasher.Hash(ctx, dummyPasswordSeed)
	if err != nil {
		return
	}
	h.dummyHash.CompareAndSwap(nil, &hash)
}

// Me returns the current authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := SubjectFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	lease, ok := LeaseFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := h.users.GetByID(r.Context(), lease, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeUnauthorized(w)
			return
		}
		logger.From(r.Context(), h.log).Error("load user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, MeResponse{ID: user.ID.String(), Email: user.Email})
}
