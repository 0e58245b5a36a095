package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
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

	ModelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_requests_total",
			Help: "Total number of model streaming turns by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	ModelTurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_turn_duration_seconds",
			Help:    "Model streaming turn duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)
	ModelTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_tokens_total",
			Help: "Total tokens exchanged with the model by direction",
		},
		[]string{"model", "direction"},
	)

	WorkerTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Total worker-pool tasks by capability and outcome",
		},
		[]string{"capability", "outcome"},
	)
	WorkerTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_task_duration_seconds",
			Help:    "Worker-pool task duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"capability"},
	)
	WorkerTasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_tasks_in_flight",
			Help: "Number of worker-pool tasks currently executing",
		},
	)

	QueryCacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_cache_requests_total",
			Help: "Query-cache lookups by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
	FileCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "file_cache_bytes",
			Help: "Total bytes currently held by the dataset file cache",
		},
	)
	FileCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "file_cache_evictions_total",
			Help: "Total dataset files evicted from the file cache",
		},
	)

	PushPeersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_peers_connected",
			Help: "Number of currently attached push-channel peers",
		},
	)
	PushEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_events_total",
			Help: "Push events fanned out by event type",
		},
		[]string{"type"},
	)
	PushPeersPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_peers_pruned_total",
			Help: "Peers removed after a failed send",
		},
	)

	RateLimitDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Total send attempts denied by the rolling-window rate limiter",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ModelRequestsTotal)
	prometheus.MustRegister(ModelTurnDuration)
	prometheus.MustRegister(ModelTokensTotal)
	prometheus.MustRegister(WorkerTasksTotal)
	prometheus.MustRegister(WorkerTaskDuration)
	prometheus.MustRegister(WorkerTasksInFlight)
	prometheus.MustRegister(QueryCacheRequestsTotal)
	prometheus.MustRegister(FileCacheBytes)
	prometheus.MustRegister(FileCacheEvictionsTotal)
	prometheus.MustRegister(PushPeersConnected)
	prometheus.MustRegister(PushEventsTotal)
	prometheus.MustRegister(PushPeersPrunedTotal)
	prometheus.MustRegister(RateLimitDenialsTotal)
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

// ObserveWorkerTask records one finished worker-pool task. outcome is "ok" or
// the task error type.
func ObserveWorkerTask(capability, outcome string, dur time.Duration) {
	WorkerTasksTotal.WithLabelValues(capability, outcome).Inc()
	WorkerTaskDuration.WithLabelValues(capability).Observe(dur.Seconds())
}

// ObserveModelTurn records one finished streaming turn.
func ObserveModelTurn(model, outcome string, dur time.Duration, inTokens, outTokens int) {
	ModelRequestsTotal.WithLabelValues(model, outcome).Inc()
	ModelTurnDuration.WithLabelValues(model).Observe(dur.Seconds())
	if inTokens > 0 {
		ModelTokensTotal.WithLabelValues(model, "input").Add(float64(inTokens))
	}
	if outTokens > 0 {
		ModelTokensTotal.WithLabelValues(model, "output").Add(float64(outTokens))
	}
}

// QueryCacheHit / QueryCacheMiss record lookups against one cache tier.
func QueryCacheHit(tier string)  { QueryCacheRequestsTotal.WithLabelValues(tier, "hit").Inc() }
func QueryCacheMiss(tier string) { QueryCacheRequestsTotal.WithLabelValues(tier, "miss").Inc() }
