package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OasisLMF/OasisApi/internal/infra/queue/redis"
)

// Metrics stores application metrics
type Metrics struct {
	RequestsTotal      uint64
	RequestsInProgress uint64
	RequestsSuccess    uint64
	RequestsFailed     uint64
	JobsDispatched     uint64
	JobsCancelled      uint64
	ResultsApplied     uint64
	ResultsStale       uint64
	ResultsFailed      uint64
	ResultsMalformed   uint64
	StartTime          time.Time
}

var globalMetrics = &Metrics{
	StartTime: time.Now(),
}

// Prometheus series mirroring the JSON counters.
var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oasis",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method and status code.",
	}, []string{"method", "code"})

	httpDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oasis",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	})

	jobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oasis",
		Name:      "jobs_dispatched_total",
		Help:      "Run and input generation jobs handed to the broker.",
	})

	jobsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oasis",
		Name:      "jobs_cancelled_total",
		Help:      "Jobs cancelled by clients.",
	})

	jobResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oasis",
		Name:      "job_results_total",
		Help:      "Job result envelopes by kind and outcome.",
	}, []string{"kind", "outcome"})
)

// IncrementRequests increments total request counter
func IncrementRequests() {
	atomic.AddUint64(&globalMetrics.RequestsTotal, 1)
}

func IncrementInProgress() {
	atomic.AddUint64(&globalMetrics.RequestsInProgress, 1)
}

func DecrementInProgress() {
	atomic.AddUint64(&globalMetrics.RequestsInProgress, ^uint64(0))
}

func IncrementSuccess() {
	atomic.AddUint64(&globalMetrics.RequestsSuccess, 1)
}

func IncrementFailed() {
	atomic.AddUint64(&globalMetrics.RequestsFailed, 1)
}

// IncrementJobsDispatched counts run and input generation jobs handed to the
// broker.
func IncrementJobsDispatched() {
	atomic.AddUint64(&globalMetrics.JobsDispatched, 1)
	jobsDispatched.Inc()
}

func IncrementJobsCancelled() {
	atomic.AddUint64(&globalMetrics.JobsCancelled, 1)
	jobsCancelled.Inc()
}

// QueueObserver counts job results by outcome.
type QueueObserver struct{}

func (QueueObserver) ObserveResult(kind string, outcome redis.Outcome) {
	jobResults.WithLabelValues(kind, string(outcome)).Inc()
	switch outcome {
	case redis.OutcomeApplied:
		atomic.AddUint64(&globalMetrics.ResultsApplied, 1)
	case redis.OutcomeStale:
		atomic.AddUint64(&globalMetrics.ResultsStale, 1)
	case redis.OutcomeFailed:
		atomic.AddUint64(&globalMetrics.ResultsFailed, 1)
	case redis.OutcomeMalformed:
		atomic.AddUint64(&globalMetrics.ResultsMalformed, 1)
	}
}

// GetMetrics returns current metrics
func GetMetrics() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"requests_total":       atomic.LoadUint64(&globalMetrics.RequestsTotal),
		"requests_in_progress": atomic.LoadUint64(&globalMetrics.RequestsInProgress),
		"requests_success":     atomic.LoadUint64(&globalMetrics.RequestsSuccess),
		"requests_failed":      atomic.LoadUint64(&globalMetrics.RequestsFailed),
		"jobs_dispatched":      atomic.LoadUint64(&globalMetrics.JobsDispatched),
		"jobs_cancelled":       atomic.LoadUint64(&globalMetrics.JobsCancelled),
		"results": map[string]uint64{
			"applied":   atomic.LoadUint64(&globalMetrics.ResultsApplied),
			"stale":     atomic.LoadUint64(&globalMetrics.ResultsStale),
			"failed":    atomic.LoadUint64(&globalMetrics.ResultsFailed),
			"malformed": atomic.LoadUint64(&globalMetrics.ResultsMalformed),
		},
		"uptime_seconds": time.Since(globalMetrics.StartTime).Seconds(),
		"memory": map[string]interface{}{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		IncrementRequests()
		IncrementInProgress()
		defer DecrementInProgress()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		httpDuration.Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
		if wrapped.statusCode >= 200 && wrapped.statusCode < 400 {
			IncrementSuccess()
		} else {
			IncrementFailed()
		}
	})
}

// MetricsHandler returns metrics as JSON
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(GetMetrics())
}

// PrometheusHandler serves the Prometheus exposition format.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}
