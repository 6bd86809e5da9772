package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unical_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unical_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unical_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unical_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unical_sync_runs_total",
		Help: "Incremental sync runs by outcome.",
	}, []string{"result"})

	syncItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unical_sync_items_total",
		Help: "Provider items reconciled by action (upsert, delete, skip).",
	}, []string{"action"})

	providerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unical_provider_retries_total",
		Help: "Retried provider calls by operation.",
	}, []string{"operation"})

	watchRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unical_watch_renewals_total",
		Help: "Watch channel renewals by outcome.",
	}, []string{"result"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unical_notifications_total",
		Help: "Inbound push notifications by outcome.",
	}, []string{"outcome"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())

			// The route pattern is only complete once chi has matched, so the
			// label is resolved through a pointer after the handler returns.
			route := new(string)
			*route = r.URL.Path
			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			r = r.WithContext(ctx)
			next.ServeHTTP(ww, r)

			*route = routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(r.Method, *route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, *route, statusCode).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(r.Method, *route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

// SyncRun counts a finished sync run; result is one of ok, auth_error, failed.
func SyncRun(result string) {
	syncRunsTotal.WithLabelValues(result).Inc()
}

// SyncItems adds n reconciled items for the action.
func SyncItems(action string, n int) {
	if n > 0 {
		syncItemsTotal.WithLabelValues(action).Add(float64(n))
	}
}

// ProviderRetry counts one retried provider call.
func ProviderRetry(operation string) {
	providerRetriesTotal.WithLabelValues(operation).Inc()
}

// WatchRenewal counts a renewal attempt outcome.
func WatchRenewal(result string) {
	watchRenewalsTotal.WithLabelValues(result).Inc()
}

// Notification counts an inbound push notification outcome.
func Notification(outcome string) {
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(*string); ok && route != nil && *route != "" {
		return *route
	}
	return "background"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
