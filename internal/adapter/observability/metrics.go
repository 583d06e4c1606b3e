package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration tracks request latency by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// BudgetDecisionsTotal counts budget gate evaluations by model,
	// operation, and outcome (allowed, denied, unknown).
	BudgetDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_decisions_total",
			Help: "Total number of budget gate decisions by model and outcome",
		},
		[]string{"model", "operation", "outcome"},
	)
	// BudgetDowngradesTotal counts downgrade-cascade substitutions.
	BudgetDowngradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_downgrades_total",
			Help: "Total number of model downgrades by source and target tier",
		},
		[]string{"from", "to"},
	)
	// BudgetHeadroomPercent reports the latest computed headroom per model.
	BudgetHeadroomPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "budget_headroom_percent",
			Help: "Latest computed budget headroom percentage per model",
		},
		[]string{"model"},
	)

	// StoreOperationsTotal counts durable store round trips by outcome.
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_store_operations_total",
			Help: "Total number of usage store operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	// CircuitBreakerStateGauge reports the state of each circuit breaker
	// (0 closed, 1 open, 2 half-open).
	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name", "operation"},
	)
)

// InitMetrics registers all Prometheus collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(BudgetDecisionsTotal)
	prometheus.MustRegister(BudgetDowngradesTotal)
	prometheus.MustRegister(BudgetHeadroomPercent)
	prometheus.MustRegister(StoreOperationsTotal)
	prometheus.MustRegister(CircuitBreakerStateGauge)
}

// RecordBudgetDecision records one gate evaluation outcome.
func RecordBudgetDecision(model, operation, outcome string) {
	BudgetDecisionsTotal.WithLabelValues(model, operation, outcome).Inc()
}

// RecordDowngrade records one downgrade-cascade substitution.
func RecordDowngrade(from, to string) {
	BudgetDowngradesTotal.WithLabelValues(from, to).Inc()
}

// SetHeadroomPercent publishes the latest headroom computation for model.
func SetHeadroomPercent(model string, percent float64) {
	BudgetHeadroomPercent.WithLabelValues(model).Set(percent)
}

// RecordStoreOperation records one durable store round trip.
func RecordStoreOperation(op, outcome string) {
	StoreOperationsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordCircuitBreakerStatus publishes the state of a circuit breaker.
func RecordCircuitBreakerStatus(name, operation string, state int) {
	CircuitBreakerStateGauge.WithLabelValues(name, operation).Set(float64(state))
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
		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
