package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dms-go/internal/dms"
)

// PromMetrics implements dms.Metrics on a private Prometheus registry.
type PromMetrics struct {
	registry        *prometheus.Registry
	passesTotal     *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec
	passOutcomes    *prometheus.CounterVec
	cleanupDeleted  *prometheus.CounterVec
	cleanupDuration prometheus.Histogram
	transitions     *prometheus.CounterVec
	relayCalls      *prometheus.CounterVec
	releaseAlerts   prometheus.Counter
}

var _ dms.Metrics = (*PromMetrics)(nil)

// NewMetrics returns Prometheus metrics when enabled and dms.NopMetrics
// otherwise.
func NewMetrics(enabled bool) dms.Metrics {
	if !enabled {
		return dms.NopMetrics{}
	}
	return newPromMetrics()
}

func newPromMetrics() *PromMetrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &PromMetrics{
		registry: reg,
		passesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dms_passes_total",
			Help: "Total number of scheduler passes by kind",
		}, []string{"kind"}),

		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dms_pass_duration_seconds",
			Help:    "Scheduler pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		passOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dms_pass_switches_total",
			Help: "Switches handled by scheduler passes, by outcome",
		}, []string{"kind", "outcome"}),

		cleanupDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dms_cleanup_deleted_total",
			Help: "Ephemeral state deleted by the cleanup pass",
		}, []string{"what"}),

		cleanupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dms_cleanup_duration_seconds",
			Help:    "Cleanup pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dms_transitions_total",
			Help: "Switch state transitions",
		}, []string{"from", "to"}),

		relayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dms_relay_calls_total",
			Help: "Relay calls by operation and result",
		}, []string{"op", "result"}),

		releaseAlerts: f.NewCounter(prometheus.CounterOpts{
			Name: "dms_release_alerts_total",
			Help: "Releases that crossed the consecutive failure threshold",
		}),
	}
}

func (m *PromMetrics) ObservePass(kind string, s dms.PassSummary, d time.Duration) {
	m.passesTotal.WithLabelValues(kind).Inc()
	m.passDuration.WithLabelValues(kind).Observe(d.Seconds())
	for outcome, n := range map[string]int{
		"advanced":  s.Advanced,
		"reminded":  s.Reminded,
		"triggered": s.Triggered,
		"sent":      s.Sent,
		"unchanged": s.Unchanged,
		"conflict":  s.Conflicts,
		"failed":    s.Failed,
		"deferred":  s.Deferred,
	} {
		if n > 0 {
			m.passOutcomes.WithLabelValues(kind, outcome).Add(float64(n))
		}
	}
}

func (m *PromMetrics) ObserveCleanup(s dms.CleanupSummary, d time.Duration) {
	m.cleanupDuration.Observe(d.Seconds())
	m.cleanupDeleted.WithLabelValues("expired_codes").Add(float64(s.ExpiredCodes))
	m.cleanupDeleted.WithLabelValues("consumed_codes").Add(float64(s.ConsumedCodes))
	m.cleanupDeleted.WithLabelValues("orphaned_contents").Add(float64(s.DeletedContents))
	m.cleanupDeleted.WithLabelValues("abandoned_contents").Add(float64(s.AbandonedContents))
}

func (m *PromMetrics) IncTransition(from, to dms.State) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *PromMetrics) IncRelayCall(op string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.relayCalls.WithLabelValues(op, result).Inc()
}

func (m *PromMetrics) IncReleaseAlert() {
	m.releaseAlerts.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
