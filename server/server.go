// Package server is the background service's HTTP surface: the WebSocket
// endpoint tabs speak the messaging contract over, health and readiness
// probes, Prometheus metrics, and admin routes that mirror the cache
// operations. Every request carries a correlation id for logging and tracing.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/eloward/rankbadges/config"
	"github.com/eloward/rankbadges/messaging"
	"github.com/eloward/rankbadges/telemetry"
)

// NewRouter returns the HTTP handler with all routes. ctx bounds the rate
// limiter's janitor goroutine.
func NewRouter(ctx context.Context, d Deps) http.Handler {
	h := NewHandlers(d)
	authCfg := authFromConfig(h.cfg)
	limiter := newIPRateLimiter(ctx, rateLimiterFromConfig(h.cfg))
	corsCfg := corsFromConfig(h.cfg)

	r := chi.NewRouter()
	r.Use(withCorrelation)
	r.Use(func(next http.Handler) http.Handler { return withCORSConfig(next, corsCfg) })

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Get("/config", h.HandleConfig)
	r.Get("/status", h.HandleStatus)
	r.Get("/ws", messaging.WebSocketHandler(h.router, wsAcceptOptions(h.cfg)))

	r.Route("/admin", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return adminAuth(next, authCfg) })
		r.Use(func(next http.Handler) http.Handler { return rateLimitMiddleware(next, limiter) })
		r.Get("/ranks", h.HandleAdminRanks)
		r.Get("/ranks/{participant}", h.HandleAdminResolve)
		r.Put("/ranks/{participant}", h.HandleAdminSetRank)
		r.Delete("/cache", h.HandleAdminClearCache)
		r.Get("/cache/stats", h.HandleAdminCacheStats)
		r.Put("/current-user", h.HandleAdminCurrentUser)
	})
	return r
}

// withCorrelation reuses or mints X-Correlation-ID, opens a server span and
// records the final status on it.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		log := telemetry.LoggerWithCorr(ctx)
		log.Debug("request start", slog.String("component", "http"),
			slog.String("method", r.Method), slog.String("path", r.URL.Path))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			span.SetName(r.Method + " " + rc.RoutePattern())
			span.SetAttributes(attribute.String("http.route", rc.RoutePattern()))
		}
		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		var err error
		if rec.statusCode >= 500 {
			err = fmt.Errorf("HTTP %d", rec.statusCode)
		}
		telemetry.EndSpan(span, err)
		log.Debug("request done", slog.String("component", "http"),
			slog.String("path", r.URL.Path), slog.Int("status", rec.statusCode), slog.Duration("took", time.Since(start)))
	})
}

// wsAcceptOptions mirrors the CORS policy for WebSocket upgrades.
func wsAcceptOptions(cfg *config.Config) *websocket.AcceptOptions {
	if cfg.CORSPermissive {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	var patterns []string
	for _, origin := range cfg.CORSAllowedOrigins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

// statusRecorder captures the status code. It passes through Flush and Hijack
// so streaming and WebSocket upgrades keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer cannot hijack")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start serves handler on addr and shuts down gracefully when ctx is cancelled.
// There is no write timeout: WebSocket connections are long-lived.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.String("component", "http"), slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("component", "http"), slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.String("component", "http"), slog.Any("err", err))
		return err
	}
	return nil
}
