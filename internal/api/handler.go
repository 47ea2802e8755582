package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pebble/pebble-agent/internal/config"
	"github.com/pebble/pebble-agent/internal/observability"
	"github.com/pebble/pebble-agent/internal/worker"
)

type ReadinessCheck func(ctx context.Context) error

type WorkerStatusSource interface {
	Statuses() []worker.Status
	Ready() bool
}

type Dependencies struct {
	Logger           *slog.Logger
	Readiness        ReadinessCheck
	AuthMiddleware   func(http.Handler) http.Handler
	DependencyTimout time.Duration
	Workers          WorkerStatusSource
}

// NewHandler serves the agent's ops endpoints. Only /v1/workers sits behind
// AuthMiddleware so probes and scrapers need no token.
func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	var workersHandler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if deps.Workers == nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "WORKERS_UNAVAILABLE", "worker pool is not running", true)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"company_id": cfg.Backend.CompanyID,
			"instance":   cfg.Database.InstanceConnectionName(),
			"database":   cfg.Database.Name,
			"workers":    deps.Workers.Statuses(),
		})
	})
	if deps.AuthMiddleware != nil {
		workersHandler = deps.AuthMiddleware(workersHandler)
	}
	mux.Handle("GET /v1/workers", workersHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.RequestIDMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckWorkersReady passes once any worker has had a successful poll.
func CheckWorkersReady(source WorkerStatusSource) ReadinessCheck {
	return func(_ context.Context) error {
		if source == nil || !source.Ready() {
			return errors.New("no worker has reached the backend yet")
		}
		return nil
	}
}

// CheckNotStopping fails once the agent's root context is cancelled.
func CheckNotStopping(root context.Context) ReadinessCheck {
	return func(_ context.Context) error {
		if root.Err() != nil {
			return errors.New("agent is shutting down")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"request_id": observability.RequestIDFromContext(ctx),
	})
}
