package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OasisLMF/OasisApi/internal/infra/queue/redis"
)

// HealthChecker reports whether one backing service is usable.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// detailer is a checker that also reports figures worth showing on /healthz.
type detailer interface {
	Details(ctx context.Context) (any, error)
}

// DatabaseHealthChecker pings the analyses database.
type DatabaseHealthChecker struct {
	DB *sql.DB
}

func (d *DatabaseHealthChecker) Check(ctx context.Context) error {
	return d.DB.PingContext(ctx)
}

// QueueHealthChecker reads the result backlog; it fails when the broker
// cannot be reached.
type QueueHealthChecker struct {
	Consumer *redis.Consumer
}

func (q *QueueHealthChecker) Check(ctx context.Context) error {
	_, err := q.Consumer.Backlog(ctx)
	return err
}

func (q *QueueHealthChecker) Details(ctx context.Context) (any, error) {
	return q.Consumer.Backlog(ctx)
}

// HealthStatus is the /healthz body.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckStatus `json:"checks"`
}

// CheckStatus is the result of one checker.
type CheckStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Details   any    `json:"details,omitempty"`
}

// checkTimeout bounds a single checker.
const checkTimeout = 2 * time.Second

// runChecks runs every checker concurrently.
func runChecks(ctx context.Context, checkers map[string]HealthChecker) map[string]CheckStatus {
	var (
		mu  sync.Mutex
		out = make(map[string]CheckStatus, len(checkers))
	)
	var g errgroup.Group
	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			var (
				details any
				err     error
			)
			if d, ok := checker.(detailer); ok {
				details, err = d.Details(cctx)
			} else {
				err = checker.Check(cctx)
			}
			st := CheckStatus{Status: "healthy", LatencyMS: time.Since(start).Milliseconds(), Details: details}
			if err != nil {
				st = CheckStatus{Status: "unhealthy", Message: err.Error(), LatencyMS: st.LatencyMS}
			}

			mu.Lock()
			out[name] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// HealthHandler reports every checker with its latency.
func HealthHandler(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := HealthStatus{
			Status:    "healthy",
			Timestamp: time.Now().UTC(),
			Checks:    runChecks(r.Context(), checkers),
		}
		for _, c := range health.Checks {
			if c.Status != "healthy" {
				health.Status = "unhealthy"
			}
		}

		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		writeHealth(w, statusCode, health)
	}
}

// ReadinessHandler answers 503 while any checker fails, naming the failing
// ones without their messages.
func ReadinessHandler(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failing := []string{}
		for name, c := range runChecks(r.Context(), checkers) {
			if c.Status != "healthy" {
				failing = append(failing, name)
			}
		}
		sort.Strings(failing)

		body := map[string]any{"status": "ready", "timestamp": time.Now().UTC()}
		statusCode := http.StatusOK
		if len(failing) > 0 {
			body["status"] = "not_ready"
			body["failing"] = failing
			statusCode = http.StatusServiceUnavailable
		}
		writeHealth(w, statusCode, body)
	}
}

// LivenessHandler only tells that the process serves HTTP.
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeHealth(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
