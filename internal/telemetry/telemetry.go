package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder tracks suggestion acceptance and end-to-end latency. Signals are
// aggregate only; nothing here is correlated back to an individual request.
type Recorder struct {
	mu       sync.Mutex
	total    int64
	accepted int64

	registry   *prometheus.Registry
	acceptance prometheus.Gauge
	latency    prometheus.Histogram
}

// NewRecorder creates a recorder with its own metric registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	acceptance := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "assistant_acceptance_rate",
		Help: "Fraction of reported suggestions the caller accepted.",
	})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "assistant_latency_ms",
		Help:    "Reported suggestion latency in milliseconds.",
		Buckets: []float64{100, 200, 400, 600, 800},
	})

	registry.MustRegister(acceptance, latency)

	return &Recorder{
		registry:   registry,
		acceptance: acceptance,
		latency:    latency,
	}
}

// Record ingests one feedback report and updates the running acceptance
// rate.
func (r *Recorder) Record(accepted bool, latencyMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	if accepted {
		r.accepted++
	}
	r.acceptance.Set(float64(r.accepted) / float64(r.total))
	r.latency.Observe(latencyMS)
}

// Snapshot reports the running counters.
func (r *Recorder) Snapshot() (total, accepted int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total, r.accepted
}

// Handler exposes the recorder's registry in prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
