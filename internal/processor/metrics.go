package processor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the worker's Prometheus instrumentation.
type Metrics struct {
	processed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	duplicates prometheus.Counter
	polls      prometheus.Counter
	emptyPolls prometheus.Counter

	runCacheSize  prometheus.Gauge
	stepCacheSize prometheus.Gauge
}

// NewMetrics creates and registers the worker metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sievetrace",
			Subsystem: "worker",
			Name:      "messages_processed_total",
			Help:      "Messages fully processed, by envelope type.",
		}, []string{"type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sievetrace",
			Subsystem: "worker",
			Name:      "messages_failed_total",
			Help:      "Messages whose processing failed, by envelope type.",
		}, []string{"type"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sievetrace",
			Subsystem: "worker",
			Name:      "messages_duplicate_total",
			Help:      "Messages skipped by the duplicate-suppression set.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sievetrace",
			Subsystem: "worker",
			Name:      "polls_total",
			Help:      "Queue polls issued.",
		}),
		emptyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sievetrace",
			Subsystem: "worker",
			Name:      "empty_polls_total",
			Help:      "Queue polls that returned no messages.",
		}),
		runCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sievetrace",
			Subsystem: "worker",
			Name:      "run_cache_size",
			Help:      "Active runs held in the aggregation cache.",
		}),
		stepCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sievetrace",
			Subsystem: "worker",
			Name:      "step_cache_size",
			Help:      "Active steps held in the aggregation cache.",
		}),
	}

	reg.MustRegister(
		m.processed, m.failed, m.duplicates,
		m.polls, m.emptyPolls,
		m.runCacheSize, m.stepCacheSize,
	)

	return m
}
