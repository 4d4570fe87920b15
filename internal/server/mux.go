// Package server provides HTTP server construction for authd.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Paddione/projects-sub012/internal/auth"
	"github.com/Paddione/projects-sub012/internal/metrics"
)

const readyTimeout = 2 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Endpoints *auth.Endpoints
	Logger    *slog.Logger

	// Metrics is nil when metrics are disabled.
	Metrics *metrics.Metrics

	// Checks back /readyz, keyed by dependency name.
	Checks map[string]Check
}

// NewMux builds the handler for the authorization endpoints, discovery,
// health probes and metrics.
func NewMux(cfg MuxConfig) http.Handler {
	mux := http.NewServeMux()
	cfg.Endpoints.Register(mux)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", handleReady(cfg.Checks, cfg.Logger))

	if cfg.Metrics == nil {
		return mux
	}

	mux.Handle("GET /metrics", cfg.Metrics.Handler())

	return cfg.Metrics.Middleware(mux)
}

// NewServer wraps handler in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func handleReady(checks map[string]Check, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		status := http.StatusOK
		result := make(map[string]string, len(checks))

		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("check", name), slog.String("error", err.Error()))
				result[name] = "unavailable"
				status = http.StatusServiceUnavailable

				continue
			}

			result[name] = "ok"
		}

		writeStatus(w, status, result)
	}
}

func writeStatus(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
