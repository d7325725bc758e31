package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletcore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "walletcore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	regroupRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Subsystem: "grouping",
			Name:      "regroup_runs_total",
			Help:      "Total number of person regroup computations.",
		},
	)

	regroupPersons = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletcore",
			Subsystem: "grouping",
			Name:      "persons",
			Help:      "Number of persons after the last regroup.",
		},
	)

	revocationFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Subsystem: "revocation",
			Name:      "chunk_fetches_total",
			Help:      "Total number of revocation chunk lookups.",
		},
		[]string{"source"}, // cache, remote, error
	)

	issuanceSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Subsystem: "issuance",
			Name:      "steps_total",
			Help:      "Total number of issuance protocol steps executed.",
		},
		[]string{"step", "status"},
	)

	deniabilityCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletcore",
			Subsystem: "deniability",
			Name:      "cycles_total",
			Help:      "Total number of plausible deniability cycles run.",
		},
		[]string{"real_steps"},
	)

	validitySweeps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "walletcore",
			Subsystem: "validity",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of full trust state re-evaluations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		regroupRuns,
		regroupPersons,
		revocationFetches,
		issuanceSteps,
		deniabilityCycles,
		validitySweeps,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRegroup records one regroup run and the resulting person count.
func RecordRegroup(persons int) {
	regroupRuns.Inc()
	regroupPersons.Set(float64(persons))
}

// RecordRevocationFetch records where a chunk lookup was served from.
func RecordRevocationFetch(source string) {
	revocationFetches.WithLabelValues(source).Inc()
}

// RecordIssuanceStep records one issuance protocol step.
func RecordIssuanceStep(step string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	issuanceSteps.WithLabelValues(step, status).Inc()
}

// RecordDeniabilityCycle records one completed decoy-padded cycle.
func RecordDeniabilityCycle(realSteps int) {
	deniabilityCycles.WithLabelValues(strconv.Itoa(realSteps)).Inc()
}

// RecordValiditySweep records the duration of a full re-evaluation.
func RecordValiditySweep(d time.Duration) {
	if d <= 0 {
		d = time.Microsecond
	}
	validitySweeps.Observe(d.Seconds())
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) <= 1 {
		return "/" + trimmed
	}
	// Collapse resource IDs so label cardinality stays bounded.
	return "/" + parts[0] + "/:id"
}
