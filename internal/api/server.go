// Package api implements the ApiFacade: thin validated HTTP entry points
// for worker RPCs and submitter actions, delegating to
// the Dispatcher, TaskUpdater, RunRegistry and SPSA session store. A chi
// router carries the RequestID/RealIP/Recoverer/Timeout middleware stack,
// a CORS shim, and a conditional /metrics mount.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fishtest-net/orchestrator/internal/dispatcher"
	"github.com/fishtest-net/orchestrator/internal/domain"
	"github.com/fishtest-net/orchestrator/internal/registry"
	"github.com/fishtest-net/orchestrator/internal/scavenger"
	"github.com/fishtest-net/orchestrator/internal/spsasession"
	"github.com/fishtest-net/orchestrator/internal/taskupdater"
)

// ServerVersion is reported to workers via request_version so they can
// detect when a newer worker build is available.
const ServerVersion = 1

// Server is the fishtest ApiFacade HTTP server.
type Server struct {
	store      domain.Store
	registry   *registry.RunRegistry
	dispatcher *dispatcher.Dispatcher
	updater    *taskupdater.Updater
	sessions   *spsasession.Store
	purger     *scavenger.Purger

	metricsEnabled bool
	now            func() time.Time
}

// Deps bundles the collaborators NewServer wires into route handlers.
type Deps struct {
	Store      domain.Store
	Registry   *registry.RunRegistry
	Dispatcher *dispatcher.Dispatcher
	Updater    *taskupdater.Updater
	Sessions   *spsasession.Store
	Purger     *scavenger.Purger
}

// NewServer creates the ApiFacade over deps.
func NewServer(deps Deps) *Server {
	return &Server{
		store:      deps.Store,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		updater:    deps.Updater,
		sessions:   deps.Sessions,
		purger:     deps.Purger,
		now:        time.Now,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Worker RPC surface.
		r.Post("/request_version", s.handleRequestVersion)
		r.Post("/request_task", s.handleRequestTask)
		r.Post("/update_task", s.handleUpdateTask)
		r.Post("/failed_task", s.handleFailedTask)
		r.Post("/stop_run", s.handleWorkerStopRun)
		r.Post("/request_spsa", s.handleRequestSPSA)
		r.Post("/upload_pgn", s.handleUploadPGN)

		// Submitter surface.
		r.Post("/runs", s.handleCreateRun)
		r.Post("/runs/{id}/modify", s.handleModifyRun)
		r.Post("/runs/{id}/stop", s.handleStopRun)
		r.Post("/runs/{id}/approve", s.handleApproveRun)
		r.Post("/runs/{id}/purge", s.handlePurgeRun)
		r.Delete("/runs/{id}", s.handleDeleteRun)
		r.Get("/runs/{id}", s.handleGetRun)

		r.Post("/users/{username}/block", s.handleBlockUser)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// corsMiddleware adds permissive CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// authenticate verifies the username/password pair every request carries
// against the user record and rejects blocked users. A missing user
// record fails closed (AuthFailed).
func (s *Server) authenticate(r *http.Request, username, password string) (*domain.User, error) {
	u, err := s.store.FindUser(r.Context(), username)
	if err != nil {
		return nil, domain.ErrAuthFailed
	}
	if password != u.PasswordHash {
		return nil, domain.ErrAuthFailed
	}
	if u.Blocked {
		return nil, domain.ErrBlocked
	}
	return u, nil
}

// statusFor maps the error taxonomy onto an HTTP status code for errors
// returned by the services. Handlers still write a few statuses directly
// for checks they make themselves (bad base64 or deflate input, the
// worker stop_run cpu-hours gate).
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrAuthFailed), errors.Is(err, domain.ErrBlocked):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrUserNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case isValidationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func isValidationError(err error) bool {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	for _, sentinel := range []error{
		domain.ErrInvalidTC, domain.ErrInvalidBook, domain.ErrMissingSignature,
		domain.ErrTooManyGames, domain.ErrBadBatchSize, domain.ErrSelfApproval,
		domain.ErrImmutableField, domain.ErrInsufficientCPU, domain.ErrTaskOutOfRange,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
