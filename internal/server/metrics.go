package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	// requestsTotal counts HTTP requests by route pattern and status code.
	requestsTotal *prometheus.CounterVec
	// generationReloads counts observed generation swaps.
	generationReloads prometheus.Counter
	// rolloutTransitions counts rollout transitions by resulting status.
	rolloutTransitions *prometheus.CounterVec
	// logSize tracks the transparency log entry count.
	logSize prometheus.Gauge
}

// NewMetrics registers the server collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veriup_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		generationReloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "veriup_generation_reloads_total",
			Help: "Published generations observed and swapped in.",
		}),
		rolloutTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veriup_rollout_transitions_total",
			Help: "Rollout transitions recorded, by resulting status.",
		}, []string{"status"}),
		logSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "veriup_transparency_log_entries",
			Help: "Entries in the transparency log.",
		}),
	}
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter

	// code is the written status code (200 if never set explicitly).
	code int
}

// WriteHeader records the status code before delegating.
func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with the request counter under a route label.
func (m *Metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		next(recorder, r)

		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.code)).Inc()
	}
}
