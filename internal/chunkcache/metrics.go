package chunkcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors a cache reports to. One Metrics
// may be shared by the caches of many datasets.
type Metrics struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Evictions     prometheus.Counter
	Flushes       prometheus.Counter
	Bypasses      prometheus.Counter
	ResidentBytes prometheus.Gauge
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h5layout",
			Subsystem: "chunk_cache",
			Name:      "hits_total",
			Help:      "Chunk lookups served from the cache.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h5layout",
			Subsystem: "chunk_cache",
			Name:      "misses_total",
			Help:      "Chunk lookups that loaded from storage.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h5layout",
			Subsystem: "chunk_cache",
			Name:      "evictions_total",
			Help:      "Chunks evicted to stay within the byte budget.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h5layout",
			Subsystem: "chunk_cache",
			Name:      "flushes_total",
			Help:      "Dirty chunks written back to storage.",
		}),
		Bypasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h5layout",
			Subsystem: "chunk_cache",
			Name:      "bypasses_total",
			Help:      "Chunk accesses that skipped the cache.",
		}),
		ResidentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "h5layout",
			Subsystem: "chunk_cache",
			Name:      "resident_bytes",
			Help:      "Bytes of decoded chunks held in memory.",
		}),
	}
}

// Collectors returns every collector, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Hits, m.Misses, m.Evictions, m.Flushes, m.Bypasses, m.ResidentBytes}
}

// Register adds the collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, col := range m.Collectors() {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
