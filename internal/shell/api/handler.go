// Package api provides the HTTP API of the fleet controller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/discovery"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/docker"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/failover"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/metrics"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/reconcile"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/registry"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/scheduler"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/store"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/workers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Handler
// =============================================================================

// ClientProvider returns the runtime client of a host.
type ClientProvider interface {
	GetClient(ctx context.Context, node *domain.HostNode) (docker.RuntimeClient, error)
}

// Services are the components behind the API. Sync may be nil, in which
// case sweeps run directly on the engine.
type Services struct {
	Registry  *registry.Registry
	Engine    *reconcile.Engine
	Scanner   *discovery.Scanner
	Placement *scheduler.Service
	Failover  *failover.Controller
	Sync      *workers.SyncWorker
	Clients   ClientProvider
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	svc      Services
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc Services, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		svc:      svc,
		validate: v,
		logger:   l.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.requestIDHeader)

	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.jsonContentType)

		r.Get("/health", h.handleHealth)

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/hosts", func(r chi.Router) {
				r.Post("/", h.handleCreateHost)
				r.Get("/", h.handleListHosts)
				r.Post("/health-check", h.handleBatchHealthCheck)
				r.Get("/recommend", h.handleRecommendHosts)
				r.Get("/alerts", h.handleCapacityAlerts)
				r.Get("/stats", h.handleClusterStats)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.handleGetHost)
					r.Put("/", h.handleUpdateHost)
					r.Delete("/", h.handleDeleteHost)
					r.Post("/test", h.handleTestConnection)
					r.Post("/health-check", h.handleHealthCheck)
					r.Post("/maintenance", h.handleMaintenance)
					r.Get("/load", h.handleHostLoad)
					r.Get("/containers", h.handleHostContainers)
					r.Get("/images", h.handleHostImages)
					r.Get("/containers/{cid}/logs", h.handleContainerLogs)
					r.Get("/containers/{cid}/stats", h.handleContainerStats)
				})
			})

			r.Route("/sync", func(r chi.Router) {
				r.Post("/", h.handleTriggerSync)
				r.Get("/stats", h.handleSyncStats)
				r.Get("/status", h.handleSyncStatus)
				r.Post("/reset-failed", h.handleResetFailed)
				r.Post("/cleanup", h.handleCleanup)
				r.Post("/states/{id}", h.handleSyncState)
				r.Post("/states/{id}/reset", h.handleResetState)
			})

			r.Route("/assets/{id}", func(r chi.Router) {
				r.Post("/sync", h.handleForceSyncAsset)
				r.Get("/placement", h.handleSelectPlacement)
				r.Post("/placement", h.handleAssignPlacement)
				r.Get("/rematch", h.handleRematch)
			})

			r.Route("/discovery", func(r chi.Router) {
				r.Get("/", h.handleDiscoverAll)
				r.Post("/hosts/{id}/attach", h.handleAttach)
				r.Post("/hosts/{id}/import", h.handleImport)
			})

			r.Route("/failover", func(r chi.Router) {
				r.Post("/hosts/{id}", h.handleBatchFailover)
				r.Post("/assets/{id}", h.handleAssetFailover)
			})

			r.Route("/projects/{project}", func(r chi.Router) {
				r.Get("/distribution", h.handleDistribution)
				r.Post("/redistribute", h.handleRedistribute)
			})
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{Message: message})
}

// writeErr maps a service error to its HTTP status.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	h.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, domain.ErrNodeNotFound),
		errors.Is(err, domain.ErrAssetNotFound),
		docker.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateName),
		errors.Is(err, registry.ErrDuplicateAddress),
		errors.Is(err, scheduler.ErrNoSuitableNode),
		errors.Is(err, discovery.ErrHostNotActive),
		errors.Is(err, workers.ErrSyncInProgress),
		errors.Is(err, reconcile.ErrExhausted):
		return http.StatusConflict
	case registry.IsValidationError(err),
		errors.Is(err, docker.ErrValidation),
		errors.Is(err, reconcile.ErrInvalidInput),
		errors.Is(err, scheduler.ErrInvalidInput),
		errors.Is(err, failover.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decode reads and validates a JSON request body. It writes the error
// response and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return false
		}
		resp := ErrorResponse{Message: "validation failed"}
		for _, fe := range verrs {
			resp.Errors = append(resp.Errors, FieldError{
				Field:   fe.Field(),
				Message: fieldMessage(fe),
			})
		}
		h.writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "ip":
		return "must be a valid IP address"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return fmt.Sprintf("failed on %q", fe.Tag())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
