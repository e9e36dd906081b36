package blob

// metrics.go mirrors the teacher's pkg/metrics.go: a thin metricsSink
// interface with a no-op implementation and a Prometheus-backed one,
// selected once at construction time so the hot path never branches on
// "do we have a registry".

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricsSink interface {
	incPut(bytes int64)
	incGet(bytes int64)
	incDelete()
}

type noopMetrics struct{}

func (noopMetrics) incPut(int64) {}
func (noopMetrics) incGet(int64) {}
func (noopMetrics) incDelete()   {}

type promMetrics struct {
	puts       prometheus.Counter
	putBytes   prometheus.Counter
	gets       prometheus.Counter
	getBytes   prometheus.Counter
	deletes    prometheus.Counter
}

// NewPromMetrics builds a metricsSink registered against reg, for use with
// WithMetricsSink. Safe to share one *prometheus.Registry across
// internal/blob and pkg/cache.
func NewPromMetrics(reg *prometheus.Registry) metricsSink {
	pm := &promMetrics{
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Subsystem: "blob", Name: "puts_total",
			Help: "Number of blob uploads.",
		}),
		putBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Subsystem: "blob", Name: "put_bytes_total",
			Help: "Total bytes uploaded to the blob backend.",
		}),
		gets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Subsystem: "blob", Name: "gets_total",
			Help: "Number of blob downloads.",
		}),
		getBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Subsystem: "blob", Name: "get_bytes_total",
			Help: "Total bytes downloaded from the blob backend.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Subsystem: "blob", Name: "deletes_total",
			Help: "Number of blob deletes issued.",
		}),
	}
	reg.MustRegister(pm.puts, pm.putBytes, pm.gets, pm.getBytes, pm.deletes)
	return pm
}

func (m *promMetrics) incPut(bytes int64) {
	m.puts.Inc()
	m.putBytes.Add(float64(bytes))
}
func (m *promMetrics) incGet(bytes int64) {
	m.gets.Inc()
	m.getBytes.Add(float64(bytes))
}
func (m *promMetrics) incDelete() { m.deletes.Inc() }
