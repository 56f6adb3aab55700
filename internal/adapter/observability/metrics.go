package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI provider attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	AIFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_failures_total",
			Help: "Failed AI provider attempts by provider and error kind",
		},
		[]string{"provider", "kind"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI provider attempt duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)
	ReplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reply_duration_seconds",
			Help:    "End-to-end reply generation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reply_cache_events_total",
			Help: "Reply cache lookups by result (hit, miss, coalesced)",
		},
		[]string{"result"},
	)
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests denied by the domain rate limiter, by scope",
		},
		[]string{"scope"},
	)
	ContentFilteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_filtered_total",
			Help: "Content filter verdicts by stage and verdict",
		},
		[]string{"stage", "verdict"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ai_circuit_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)
	ProviderHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ai_provider_health",
			Help: "Provider health per provider (0 healthy, 1 degraded, 2 down)",
		},
		[]string{"provider"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIFailuresTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(ReplyDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(ContentFilteredTotal)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(ProviderHealth)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveAttempt records one provider attempt.
func ObserveAttempt(out domain.CallOutcome) {
	result := "success"
	if !out.Success {
		result = "failure"
		AIFailuresTotal.WithLabelValues(string(out.Provider), out.ErrKind.String()).Inc()
	}
	AIRequestsTotal.WithLabelValues(string(out.Provider), result).Inc()
	AIRequestDuration.WithLabelValues(string(out.Provider)).Observe(out.Latency.Seconds())
}

// SetCircuitState publishes a breaker state transition for one provider.
func SetCircuitState(provider domain.ProviderID, state float64) {
	CircuitState.WithLabelValues(string(provider)).Set(state)
}

// SetProviderHealth publishes the latest health status for one provider.
func SetProviderHealth(provider domain.ProviderID, status domain.HealthStatus) {
	var v float64
	switch status {
	case domain.HealthDegraded:
		v = 1
	case domain.HealthDown:
		v = 2
	}
	ProviderHealth.WithLabelValues(string(provider)).Set(v)
}
