// Package metrics exposes the Prometheus gauges/counters SPEC_FULL.md
// §8 adds on top of spec.md's testable properties: they make
// invariants 2-4 operationally visible without changing them.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	onlineRunners prometheus.Gauge
	jobQueueDepth prometheus.Gauge
	inProcessJobs prometheus.Gauge
	dispatchTotal *prometheus.CounterVec
	apiRequestDur *prometheus.HistogramVec
)

const (
	DispatchAssigned = "assigned"
	DispatchNoRunner = "no_runner"
	DispatchNoJob    = "no_job"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors; used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler exposes the registry for the /metrics route.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetOnlineRunners records the current size of online_runners_sorted.
func SetOnlineRunners(n int) {
	mu.RLock()
	defer mu.RUnlock()
	onlineRunners.Set(float64(n))
}

// SetJobQueueDepth records the current size of job_queue_sorted.
func SetJobQueueDepth(n int) {
	mu.RLock()
	defer mu.RUnlock()
	jobQueueDepth.Set(float64(n))
}

// SetInProcessJobs records the number of live in_process_job:<id> keys.
func SetInProcessJobs(n int) {
	mu.RLock()
	defer mu.RUnlock()
	inProcessJobs.Set(float64(n))
}

// ObserveDispatch records a try_assign/try_assign_any outcome.
func ObserveDispatch(result string) {
	mu.RLock()
	defer mu.RUnlock()
	dispatchTotal.WithLabelValues(result).Inc()
}

// ObserveAPIRequest records HTTP handler latency by method/route/status.
func ObserveAPIRequest(method, route, status string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	apiRequestDur.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	online := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Name:      "online_runners",
		Help:      "Current count of online runners.",
	})
	queue := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Name:      "job_queue_depth",
		Help:      "Current size of the job priority queue.",
	})
	inProcess := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "controlplane",
		Name:      "inprocess_jobs",
		Help:      "Current count of jobs being worked on by a runner.",
	})
	dispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Name:      "dispatch_total",
		Help:      "Dispatch attempts by outcome.",
	}, []string{"result"})
	apiDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "controlplane",
		Name:      "api_request_duration_seconds",
		Help:      "HTTP request duration by method, route, and status.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "route", "status"})

	registry.MustRegister(online, queue, inProcess, dispatch, apiDur)

	reg = registry
	onlineRunners = online
	jobQueueDepth = queue
	inProcessJobs = inProcess
	dispatchTotal = dispatch
	apiRequestDur = apiDur
}
