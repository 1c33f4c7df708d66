package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for gateway activity.
// All methods are safe on a nil receiver, so instrumentation stays
// optional for library users.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	storeFailures prometheus.Counter
	population    *prometheus.CounterVec
	reclaimed     prometheus.Counter

	instances prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offline_gateway",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Requests handled, by policy and response source.",
	}, []string{"policy", "source"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offline_gateway",
		Subsystem: "dispatch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for handled requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"policy"})

	storeFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offline_gateway",
		Subsystem: "cache",
		Name:      "store_failures_total",
		Help:      "Cache writes that failed while serving succeeded.",
	})

	population := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offline_gateway",
		Subsystem: "generation",
		Name:      "population_entries_total",
		Help:      "Shell population results, by outcome.",
	}, []string{"outcome"})

	reclaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offline_gateway",
		Subsystem: "generation",
		Name:      "reclaimed_total",
		Help:      "Stale generations deleted on activation.",
	})

	instances := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offline_gateway",
		Subsystem: "notify",
		Name:      "attached_instances",
		Help:      "Foreground instances currently attached to the hub.",
	})

	reg.MustRegister(requests, requestDuration, storeFailures, population, reclaimed, instances)

	return &Recorder{
		gatherer:        reg,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:        requests,
		requestDuration: requestDuration,
		storeFailures:   storeFailures,
		population:      population,
		reclaimed:       reclaimed,
		instances:       instances,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and
// advanced integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveDispatch records one handled request with the source its response
// came from.
func (r *Recorder) ObserveDispatch(policy, source string, duration time.Duration) {
	if r == nil {
		return
	}
	policyLabel := normalizeLabel(policy)
	r.requests.WithLabelValues(policyLabel, normalizeLabel(source)).Inc()
	r.requestDuration.WithLabelValues(policyLabel).Observe(duration.Seconds())
}

// ObserveStoreFailure records a cache write that failed while the request
// was still served.
func (r *Recorder) ObserveStoreFailure() {
	if r == nil {
		return
	}
	r.storeFailures.Inc()
}

// ObservePopulation records the outcome counts of a population run.
func (r *Recorder) ObservePopulation(stored, failed int) {
	if r == nil {
		return
	}
	r.population.WithLabelValues("stored").Add(float64(stored))
	r.population.WithLabelValues("failed").Add(float64(failed))
}

// ObserveReclaim records how many stale generations an activation deleted.
func (r *Recorder) ObserveReclaim(count int) {
	if r == nil {
		return
	}
	r.reclaimed.Add(float64(count))
}

// SetInstances tracks the current number of attached instances.
func (r *Recorder) SetInstances(count int) {
	if r == nil {
		return
	}
	r.instances.Set(float64(count))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
