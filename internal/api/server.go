package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/router"
	"github.com/wardenhq/warden/internal/task"
)

// Submitter accepts new tasks and direct cancellations.
type Submitter interface {
	Submit(ctx context.Context, sub router.Submission) (string, error)
	Cancel(ctx context.Context, taskID string) error
}

// TaskReader reads persisted tasks and their ledgers.
type TaskReader interface {
	Get(ctx context.Context, id string) (*task.Task, error)
}

// StepReader reads a task's recorded steps.
type StepReader interface {
	Steps(ctx context.Context, taskID string) ([]ledger.Step, error)
}

// ApprovalLister lists undecided approval requests.
type ApprovalLister interface {
	Pending(ctx context.Context) ([]*approval.Request, error)
}

// ApprovalResolver applies an operator decision and resumes or unwinds the
// owning task.
type ApprovalResolver interface {
	ResolveApproval(ctx context.Context, requestID string, decision approval.Decision, decidedBy string) (*approval.Request, error)
}

// Fleet exposes worker registry state and liveness signals.
type Fleet interface {
	Snapshot() []registry.WorkerInfo
	Heartbeat(workerID string) error
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is a single bearer token with admin/full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server is the operator console boundary: task submission and inspection,
// approval decisions, worker state and the SSE event stream.
type Server struct {
	config    Config
	submitter Submitter
	tasks     TaskReader
	steps     StepReader
	approvals ApprovalLister
	resolver  ApprovalResolver
	fleet     Fleet
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

type Deps struct {
	Submitter Submitter
	Tasks     TaskReader
	Steps     StepReader
	Approvals ApprovalLister
	Resolver  ApprovalResolver
	Fleet     Fleet
	Hub       *events.Hub
}

func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		submitter: deps.Submitter,
		tasks:     deps.Tasks,
		steps:     deps.Steps,
		approvals: deps.Approvals,
		resolver:  deps.Resolver,
		fleet:     deps.Fleet,
		hub:       deps.Hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // SSE connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes configures the HTTP router. Exposed so tests can drive the full
// middleware chain through httptest.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("tasks:rw")).Post("/tasks", s.handleSubmitTask)
		r.With(s.requireScopes("tasks:ro", "tasks:rw")).Get("/tasks/{taskID}", s.handleGetTask)
		r.With(s.requireScopes("tasks:rw")).Post("/tasks/{taskID}/cancel", s.handleCancelTask)
		r.With(s.requireScopes("approvals:ro", "approvals:rw")).Get("/approvals", s.handleListApprovals)
		r.With(s.requireScopes("approvals:rw")).Post("/approvals/{requestID}/decision", s.handleDecideApproval)
		r.With(s.requireScopes("workers:ro", "workers:rw")).Get("/workers", s.handleListWorkers)
		r.With(s.requireScopes("workers:rw")).Post("/workers/{workerID}/heartbeat", s.handleHeartbeat)
		r.With(s.requireScopes("events:ro", "events:rw")).Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
