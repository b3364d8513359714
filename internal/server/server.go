package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/notesd/apiserver/config"
	"github.com/notesd/apiserver/internal/auth"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/email"
	"github.com/notesd/apiserver/internal/handlers"
	"github.com/notesd/apiserver/internal/logger"
	"github.com/notesd/apiserver/internal/metrics"
	"github.com/notesd/apiserver/internal/mq"
	"github.com/notesd/apiserver/internal/services"
	"github.com/notesd/apiserver/internal/storage"
	"github.com/notesd/apiserver/internal/store"
	"github.com/notesd/apiserver/internal/tasks"
	"go.uber.org/zap"
)

const (
	requestTimeout = 30 * time.Second
	// The write deadline outlives the request timeout so its 504 can still
	// be written.
	writeTimeout = requestTimeout + 5*time.Second
)

// Components are the long-lived collaborators behind the router. MQ,
// Storage and Mailer are optional.
type Components struct {
	Config  config.Config
	Logger  *zap.Logger
	Pool    *db.Pool
	Hasher  *auth.Hasher
	Tokens  *auth.TokenService
	Queue   *tasks.Queue
	MQ      *mq.MQ
	Storage *storage.Storage
	Mailer  email.Sender
	Metrics *metrics.Metrics
}

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	c          Components
}

// New builds every component from cfg. The pool is initialized with retry
// before anything listens; exhaustion returns an error wrapping
// db.ErrPoolInitFatal.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	pool, err := db.Open(ctx, cfg.Database, db.WithLogger(log.Named("db")))
	if err != nil {
		return nil, err
	}

	c := Components{
		Config:  cfg,
		Logger:  log,
		Pool:    pool,
		Hasher:  auth.NewHasher(cfg.Auth.BcryptCost, cfg.Auth.HashWorker),
		Tokens:  auth.NewTokenService(auth.KeySource(cfg.Auth.Keys), auth.WithTokenLogger(log.Named("token"))),
		Queue:   tasks.NewQueue(cfg.Tasks, log),
		Mailer:  email.NewSender(cfg.SMTP, log),
		Metrics: metrics.New(),
	}

	if c.MQ, err = mq.Open(ctx, cfg.MQ); err != nil {
		log.Warn("message queue disabled", zap.Error(err))
	}
	if c.Storage, err = storage.Open(ctx, cfg.Storage); err != nil {
		log.Warn("object storage disabled", zap.Error(err))
	}

	srv, err := NewWithComponents(c)
	if err != nil {
		_ = srv.Shutdown(ctx)
		return nil, err
	}
	return srv, nil
}

// NewWithComponents wires the router over already constructed components.
func NewWithComponents(c Components) (*Server, error) {
	router, err := NewRouter(c)

	port := c.Config.ServerPort
	if port == 0 {
		port = 8080
	}
	srv := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: writeTimeout,
			IdleTimeout:  60 * time.Second,
		},
		router: router,
		c:      c,
	}
	return srv, err
}

// NewRouter registers every route and middleware.
func NewRouter(c Components) (*chi.Mux, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := c.Metrics
	if m == nil {
		m = metrics.New()
	}
	if err := m.RegisterPool(c.Pool); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}

	userService := services.NewUserService(store.NewUserRepository())
	noteService := services.NewNoteService(store.NewNoteRepository())

	var events services.EventPublisher
	if c.MQ.Enabled() {
		events = c.MQ
	}
	onboarding := services.NewOnboardingService(c.Pool, noteService, events, c.Mailer, services.OnboardingConfig{
		Topic:       c.Config.MQ.RegisterTopic,
		WelcomeNote: c.Config.Tasks.WelcomeNote,
	})

	var objects services.ObjectStore
	if c.Storage.Enabled() {
		objects = c.Storage
	}
	exports := services.NewExportService(c.Pool, noteService, objects)

	var queue handlers.TaskQueue
	if c.Queue != nil {
		queue = c.Queue
	}

	requireAuth := handlers.RequireAuth(c.Tokens, c.Pool, log)
	authHandler := handlers.NewAuthHandler(handlers.AuthDeps{
		Users:      userService,
		Hasher:     c.Hasher,
		Tokens:     c.Tokens,
		Pool:       c.Pool,
		Queue:      queue,
		Onboarding: onboarding,
		TokenTTL:   c.Config.Auth.TokenTTL,
		Logger:     log,
	})
	noteHandler := handlers.NewNoteHandler(noteService, exports, queue, log)
	healthHandler := handlers.NewHealthHandler(c.Pool, log)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logger.Middleware(log),
		middleware.Recoverer,
		m.Middleware,
		middleware.Timeout(requestTimeout),
	)
	router.Route("/health", func(r chi.Router) {
		handlers.HealthRouter(r, healthHandler)
	})
	router.Method(http.MethodGet, "/metrics", m.Handler())
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authHandler, requireAuth)
	})
	router.Route("/notes", func(r chi.Router) {
		handlers.NoteRouter(r, noteHandler, requireAuth, handlers.RequireSubject(c.Tokens, log))
	})
	return router, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.c.Logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops intake in dependency order: HTTP, background tasks,
// brokers, the pool, then the hasher workers.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if s.c.Queue != nil {
		if err := s.c.Queue.Close(ctx); err != nil && !errors.Is(err, tasks.ErrQueueClosed) {
			errs = append(errs, fmt.Errorf("tasks: %w", err))
		}
	}
	if s.c.MQ.Enabled() {
		if err := s.c.MQ.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mq: %w", err))
		}
	}
	if err := s.c.Storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if s.c.Pool != nil {
		if err := s.c.Pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("db: %w", err))
		}
	}
	if s.c.Hasher != nil {
		s.c.Hasher.Close()
	}
	return errors.Join(errs...)
}
