package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	claimsMetricsOnce sync.Once
	claimsRegistry    *ClaimsMetrics
)

// ClaimsMetrics wraps collectors tracking the signed-claim pipeline.
type ClaimsMetrics struct {
	permitsIssued *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	execLatency   *prometheus.HistogramVec
}

// Claims returns the lazily-initialised claims pipeline metrics registry.
func Claims() *ClaimsMetrics {
	claimsMetricsOnce.Do(func() {
		claimsRegistry = &ClaimsMetrics{
			permitsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "permits",
				Name:      "issued_total",
				Help:      "Signed permits issued, segmented by reward class.",
			}, []string{"class"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "pipeline",
				Name:      "rejections_total",
				Help:      "Requests rejected before any state change, segmented by reason.",
			}, []string{"reason"}),
			confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "confirmations",
				Name:      "processed_total",
				Help:      "Confirmation outcomes, segmented by reward class and outcome.",
			}, []string{"class", "outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "settlement",
				Name:      "attempts_total",
				Help:      "Settlement executor attempts, segmented by variant and outcome.",
			}, []string{"variant", "outcome"}),
			execLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rewards",
				Subsystem: "settlement",
				Name:      "execution_duration_seconds",
				Help:      "Latency distribution for delegated execution calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"variant"}),
		}
		prometheus.MustRegister(
			claimsRegistry.permitsIssued,
			claimsRegistry.rejections,
			claimsRegistry.confirmations,
			claimsRegistry.settlements,
			claimsRegistry.execLatency,
		)
	})
	return claimsRegistry
}

// RecordPermitIssued increments the issued-permit counter for a class.
func (m *ClaimsMetrics) RecordPermitIssued(class string) {
	if m == nil {
		return
	}
	m.permitsIssued.WithLabelValues(normalizeLabel(class)).Inc()
}

// RecordRejection increments the rejection counter for a reason.
func (m *ClaimsMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(reason)).Inc()
}

// RecordConfirmation increments the confirmation counter.
func (m *ClaimsMetrics) RecordConfirmation(class, outcome string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(normalizeLabel(class), normalizeLabel(outcome)).Inc()
}

// RecordSettlement increments the settlement attempt counter.
func (m *ClaimsMetrics) RecordSettlement(variant, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(normalizeLabel(variant), normalizeLabel(outcome)).Inc()
}

// ObserveExecution records the latency of one delegated execution call.
func (m *ClaimsMetrics) ObserveExecution(variant string, d time.Duration) {
	if m == nil {
		return
	}
	m.execLatency.WithLabelValues(normalizeLabel(variant)).Observe(d.Seconds())
}

func normalizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
