package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/anandg3302/Unified-Calendar/internal/api"
	"github.com/anandg3302/Unified-Calendar/internal/config"
	httperrors "github.com/anandg3302/Unified-Calendar/internal/http/errors"
	"github.com/anandg3302/Unified-Calendar/internal/http/ratelimit"
	"github.com/anandg3302/Unified-Calendar/internal/metrics"
)

// HealthChecker reports whether storage is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewRouter wires every HTTP route. Rate limiter housekeeping stops with ctx.
func NewRouter(ctx context.Context, cfg *config.Config, health HealthChecker, requireUser func(http.Handler) http.Handler, h *api.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	// Auth endpoints: 5 requests per second, burst of 10
	authLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// Push endpoint: Google may deliver bursts after bulk edits
	notifyLimiter := ratelimit.NewIPRateLimiter(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)
	go authLimiter.Run(ctx)
	go notifyLimiter.Run(ctx)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := health.HealthCheck(ctx); err != nil {
			httperrors.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready", "database": "disconnected"})
			return
		}
		httperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	})

	if cfg.PrometheusEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authLimiter.Middleware())
			r.Post("/auth/register", h.Register)
			r.Post("/auth/login", h.Login)
			r.Get("/google/login", h.GoogleLogin)
			r.Get("/google/callback", h.GoogleCallback)
		})

		r.With(notifyLimiter.Middleware()).Post("/google/notify", h.Notify)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/me", h.Me)
			r.Get("/calendar-sources", h.CalendarSources)

			r.Get("/events", h.ListEvents)
			r.Post("/events", h.CreateEvent)
			r.Get("/events/export.ics", h.ExportICS)
			r.Put("/events/{id}", h.UpdateEvent)
			r.Delete("/events/{id}", h.DeleteEvent)

			r.Get("/google/events", h.ListGoogleEvents)
			r.Post("/google/events", h.CreateGoogleEvent)
			r.Put("/google/events/{eventID}", h.UpdateGoogleEvent)
			r.Delete("/google/events/{eventID}", h.DeleteGoogleEvent)
			r.Post("/google/sync", h.SyncNow)
			r.Post("/google/watch", h.Watch)
			r.Post("/google/stop_watch", h.StopWatch)
		})
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		})
	}
}
