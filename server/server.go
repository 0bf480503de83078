// Package server exposes the HTTP API: authorization flows, template
// editing, publish and title triggers, scene control, and probes. It
// includes permissive CORS for the overlay frontend and injects correlation
// IDs into request contexts for consistent logging.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castforge/streammeta/telemetry"
)

// NewMux returns the HTTP handler with all routes.
func NewMux(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/auth/twitch/start", h.HandleTwitchAuthStart)
	mux.HandleFunc("/auth/twitch/callback", h.HandleTwitchAuthCallback)
	mux.HandleFunc("/auth/twitch/credentials", h.HandleTwitchCredentials)
	mux.HandleFunc("/auth/bluesky/credentials", h.HandleBlueskyCredentials)
	mux.HandleFunc("/auth/bluesky/login", h.HandleBlueskyLogin)

	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	mux.HandleFunc("/templates/post", h.HandlePostTemplate)
	mux.HandleFunc("/templates/title", h.HandleTitleTemplate)

	mux.HandleFunc("/publish", h.HandlePublish)
	mux.HandleFunc("/title", h.HandleTitle)

	mux.HandleFunc("/obs/scenes", h.HandleOBSScenes)
	mux.HandleFunc("/obs/scenes/", h.HandleOBSSceneSources)
	mux.HandleFunc("/obs/scene", h.HandleOBSSetScene)
	mux.HandleFunc("/obs/source-text", h.HandleOBSSourceText)

	mux.HandleFunc("/files/", h.HandleFile)

	// Correlation ID injector and tracing wrapper.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		if rec.statusCode >= 500 {
			telemetry.LoggerWithCorr(ctx).Warn("request failed",
				slog.String("path", r.URL.Path), slog.Int("status", rec.statusCode))
		}
	})
	return withCORS(handler)
}

// statusRecorder wraps ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// withCORS applies permissive CORS; the dashboard and overlay run on
// separate origins in development.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, h *Handlers, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(h),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
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
