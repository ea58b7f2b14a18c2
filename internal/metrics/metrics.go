package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/chronotask/chronotask/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tick loop

	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chronotask",
		Name:      "tick_duration_seconds",
		Help:      "Time taken for one scheduler tick.",
		Buckets:   prometheus.DefBuckets,
	})

	DueWorkEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronotask",
		Name:      "due_work_enqueued_total",
		Help:      "Due-work rows materialized by the tick loop.",
	})

	// Worker

	LeasesClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronotask",
		Name:      "leases_claimed_total",
		Help:      "Due-work leases handed to workers.",
	})

	RunsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chronotask",
		Name:      "runs_in_flight",
		Help:      "Pipelines currently executing.",
	})

	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronotask",
		Name:      "runs_total",
		Help:      "Finished runs, by outcome.",
	}, []string{"outcome"})

	// Reaper

	ReaperCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chronotask",
		Name:      "reaper_cycle_duration_seconds",
		Help:      "Time taken for one reaper cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	ReaperDeadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronotask",
		Name:      "reaper_dead_total",
		Help:      "Exhausted due-work rows the reaper moved to dead.",
	})

	// Event log

	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronotask",
		Name:      "events_published_total",
		Help:      "Records appended to the event log, by stream.",
	}, []string{"stream"})

	EventsConsumedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronotask",
		Name:      "events_consumed_total",
		Help:      "Event records consumed and mapped to task triggers.",
	})

	// HTTP adapter

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chronotask",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronotask",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		TickDuration,
		DueWorkEnqueued,
		LeasesClaimed,
		RunsInFlight,
		RunsTotal,
		ReaperCycleDuration,
		ReaperDeadTotal,
		EventsPublishedTotal,
		EventsConsumedTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

// NewServer serves /metrics plus the liveness/readiness probes.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		if result.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeHealth(w, result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
