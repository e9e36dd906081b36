package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink abstracts engine-level Prometheus metrics, same shape as
// internal/blob's sink: a no-op default, a Prometheus-backed implementation
// selected once at construction.
type metricsSink interface {
	incSave()
	incRestore(hit bool)
	incEviction(n int)
	incExpiration(n int)
	incIndexContention()
	observeLockWait(seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) incSave()                  {}
func (noopMetrics) incRestore(bool)           {}
func (noopMetrics) incEviction(int)           {}
func (noopMetrics) incExpiration(int)         {}
func (noopMetrics) incIndexContention()       {}
func (noopMetrics) observeLockWait(float64)   {}

type promMetrics struct {
	saves             prometheus.Counter
	restoreHits       prometheus.Counter
	restoreMisses     prometheus.Counter
	evictions         prometheus.Counter
	expirations       prometheus.Counter
	indexContentions  prometheus.Counter
	lockWaitSeconds   prometheus.Histogram
}

func newPromMetrics(reg *prometheus.Registry) metricsSink {
	pm := &promMetrics{
		saves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Name: "saves_total", Help: "Number of Save calls that committed a new entry.",
		}),
		restoreHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Name: "restore_hits_total", Help: "Number of Restore calls that found a cached entry.",
		}),
		restoreMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Name: "restore_misses_total", Help: "Number of Restore calls with no matching entry.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Name: "evictions_total", Help: "Number of entries evicted by the LRU size cap.",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Name: "expirations_total", Help: "Number of entries dropped by the expiration sweep.",
		}),
		indexContentions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gha_cache", Name: "index_contentions_total", Help: "Number of Save calls that lost the index conditional write.",
		}),
		lockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gha_cache", Name: "lock_wait_seconds", Help: "Time spent acquiring the distributed lock in Save.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(pm.saves, pm.restoreHits, pm.restoreMisses, pm.evictions, pm.expirations, pm.indexContentions, pm.lockWaitSeconds)
	return pm
}

func (m *promMetrics) incSave() { m.saves.Inc() }
func (m *promMetrics) incRestore(hit bool) {
	if hit {
		m.restoreHits.Inc()
	} else {
		m.restoreMisses.Inc()
	}
}
func (m *promMetrics) incEviction(n int)         { m.evictions.Add(float64(n)) }
func (m *promMetrics) incExpiration(n int)       { m.expirations.Add(float64(n)) }
func (m *promMetrics) incIndexContention()       { m.indexContentions.Inc() }
func (m *promMetrics) observeLockWait(s float64) { m.lockWaitSeconds.Observe(s) }
