// Package server exposes the Submission API (spec §6): HTTP JSON routes for
// creating and controlling pipeline tasks, syncing the browser extension's
// cookie jar, and the login lockout gate, plus health/readiness/metrics.
// Grounded on teacher `server/server.go`'s routing and correlation-ID/
// tracing-middleware shape, with the VOD/chat/Twitch/YouTube-specific
// handlers replaced by the task-pipeline routes this domain needs.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subculture-collective/repubengine/config"
	"github.com/subculture-collective/repubengine/downloader"
	"github.com/subculture-collective/repubengine/engine"
	"github.com/subculture-collective/repubengine/task"
	"github.com/subculture-collective/repubengine/telemetry"
)

// Deps wires the Submission API to the rest of the process.
type Deps struct {
	DB       *sql.DB
	Tasks    *task.Store
	Engine   *engine.Engine
	Download *downloader.Adapter
	Live     *config.Live

	// CookieJarPath is where /api/cookies/sync persists the browser
	// extension's jar (spec §6: "cookies/yt_cookies.txt").
	CookieJarPath string
}

// NewMux returns the HTTP handler with every route registered, wrapped in
// correlation-ID/tracing/CORS middleware.
func NewMux(deps Deps) http.Handler {
	mux := http.NewServeMux()

	h := &Handlers{deps: deps}
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(context.Background(), loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	admin := func(fn http.HandlerFunc) http.Handler {
		return rateLimitMiddleware(adminAuth(fn, authCfg), limiter)
	}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)

	mux.HandleFunc("/tasks", h.HandleTasks)
	mux.HandleFunc("/tasks/", h.HandleTaskSub)
	mux.Handle("/tasks/clear_all", admin(h.HandleClearAll))
	mux.Handle("/tasks/reset_stuck", admin(h.HandleResetStuck))

	mux.HandleFunc("/api/cookies/sync", h.HandleCookieSync)
	mux.HandleFunc("/api/cookies/status", h.HandleCookieStatus)
	mux.HandleFunc("/api/cookies/refresh-needed", h.HandleCookieRefreshNeeded)

	mux.HandleFunc("/api/login", h.HandleLogin)

	handler := withCORSConfig(withTracing(mux), corsCfg)
	return handler
}

// withTracing injects a correlation ID and starts an OpenTelemetry span per
// request, grounded on teacher `server/server.go`'s outer handler wrapper.
func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.statusCode >= 400 {
			telemetry.RecordError(span, fmt.Errorf("HTTP %d", rec.statusCode))
		} else {
			telemetry.SetSpanSuccess(span)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context
// cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
