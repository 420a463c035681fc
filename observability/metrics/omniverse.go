package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ProtocolMetrics tracks validation verdicts and drain outcomes.
type ProtocolMetrics struct {
	verdicts      *prometheus.CounterVec
	drains        *prometheus.CounterVec
	pending       prometheus.Gauge
	flagged       prometheus.Counter
	verifySeconds prometheus.Histogram
}

var (
	protocolOnce     sync.Once
	protocolRegistry *ProtocolMetrics
)

// Protocol returns the process-wide metrics registered on the default
// prometheus registerer.
func Protocol() *ProtocolMetrics {
	protocolOnce.Do(func() {
		protocolRegistry = NewProtocolMetrics(prometheus.DefaultRegisterer)
	})
	return protocolRegistry
}

// NewProtocolMetrics builds and registers a metrics set on reg. A nil reg
// leaves the collectors unregistered.
func NewProtocolMetrics(reg prometheus.Registerer) *ProtocolMetrics {
	m := &ProtocolMetrics{
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniverse_verify_results_total",
			Help: "Count of transaction verification verdicts by result.",
		}, []string{"result"}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omniverse_drain_outcomes_total",
			Help: "Count of delayed queue drain attempts by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omniverse_delayed_pending",
			Help: "Entries accepted but not yet drained from the delayed queue.",
		}),
		flagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omniverse_accounts_flagged_total",
			Help: "Accounts newly flagged as malicious after equivocation.",
		}),
		verifySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "omniverse_verify_duration_seconds",
			Help:    "Time spent verifying a single transaction.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.verdicts, m.drains, m.pending, m.flagged, m.verifySeconds)
	}
	return m
}

func (m *ProtocolMetrics) ObserveVerdict(result string, seconds float64) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.verdicts.WithLabelValues(result).Inc()
	m.verifySeconds.Observe(seconds)
}

func (m *ProtocolMetrics) ObserveDrain(outcome string) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(outcome).Inc()
}

func (m *ProtocolMetrics) SetPending(n uint64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *ProtocolMetrics) ObserveFlagged() {
	if m == nil {
		return
	}
	m.flagged.Inc()
}
