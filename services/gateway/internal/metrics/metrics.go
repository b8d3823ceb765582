package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotemon_workers_active",
			Help: "Number of worker subprocesses currently tracked by the pool",
		},
	)

	WorkerSpawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "remotemon_worker_spawns_total",
			Help: "Total number of worker subprocesses started",
		},
	)

	WorkerSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotemon_worker_spawn_failures_total",
			Help: "Total number of failed worker spawns by reason",
		},
		[]string{"reason"},
	)

	Stagings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "remotemon_worker_stagings_total",
			Help: "Total number of times the worker executable was copied into place",
		},
	)

	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotemon_requests_total",
			Help: "Total number of worker requests by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotemon_request_duration_seconds",
			Help:    "Time from submitting a worker request to its resolution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Gatekeeper metrics
	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotemon_connections_total",
			Help: "Total number of client connections by admission result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(WorkerSpawns)
	prometheus.MustRegister(WorkerSpawnFailures)
	prometheus.MustRegister(Stagings)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ConnectionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the time since it was created
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on o
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
