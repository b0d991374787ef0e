package jobpool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pool state to Prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	pending  *prometheus.GaugeVec
	running  *prometheus.GaugeVec
	deduped  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the pool collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirrord",
			Subsystem: "pool",
			Name:      "pending_jobs",
			Help:      "Jobs waiting for a free slot.",
		}, []string{"pool"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirrord",
			Subsystem: "pool",
			Name:      "running_jobs",
			Help:      "Jobs holding a slot.",
		}, []string{"pool"}),
		deduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirrord",
			Subsystem: "pool",
			Name:      "deduplicated_total",
			Help:      "Submissions dropped because the identity was already pending or running.",
		}, []string{"pool"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirrord",
			Subsystem: "pool",
			Name:      "jobs_total",
			Help:      "Finished jobs by outcome.",
		}, []string{"pool", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mirrord",
			Subsystem: "pool",
			Name:      "job_duration_seconds",
			Help:      "Wall time of job bodies from dispatch to return.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"pool"}),
	}
	reg.MustRegister(m.pending, m.running, m.deduped, m.outcomes, m.duration)
	return m
}

func (m *Metrics) setSizes(pool string, pending, running int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(pool).Set(float64(pending))
	m.running.WithLabelValues(pool).Set(float64(running))
}

func (m *Metrics) dedup(pool string) {
	if m == nil {
		return
	}
	m.deduped.WithLabelValues(pool).Inc()
}

func (m *Metrics) finished(pool string, o Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(pool, o.String()).Inc()
	if o != OutcomeDiscarded {
		m.duration.WithLabelValues(pool).Observe(d.Seconds())
	}
}
