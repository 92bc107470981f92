package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics records drain and mutation outcomes. A nil *SyncMetrics is a no-op.
type SyncMetrics struct {
	drainDuration prometheus.Histogram
	drains        *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	online        prometheus.Gauge
}

// NewSyncMetrics registers the sync metrics on the provided registerer.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		return &SyncMetrics{}
	}
	drainDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_sync_drain_duration_seconds",
		Help:    "Duration of outbox drain cycles in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	drains := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_drains_total",
		Help: "Outbox drain cycles by result.",
	}, []string{"result"})
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_sync_mutations_total",
		Help: "Replayed mutations by entity type and outcome.",
	}, []string{"entity_type", "outcome"})
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offline_sync_queue_depth",
		Help: "Outbox entries by status after the last drain.",
	}, []string{"status"})
	online := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline_sync_online",
		Help: "1 when the connectivity monitor reports online.",
	})
	reg.MustRegister(drainDuration, drains, mutations, queueDepth, online)
	return &SyncMetrics{
		drainDuration: drainDuration,
		drains:        drains,
		mutations:     mutations,
		queueDepth:    queueDepth,
		online:        online,
	}
}

// ObserveDrain records one drain cycle.
func (m *SyncMetrics) ObserveDrain(duration time.Duration, err error) {
	if m == nil || m.drainDuration == nil {
		return
	}
	m.drainDuration.Observe(duration.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.drains.WithLabelValues(result).Inc()
}

// IncMutation counts a mutation outcome: synced, retry, failed.
func (m *SyncMetrics) IncMutation(entityType, outcome string) {
	if m == nil || m.mutations == nil {
		return
	}
	m.mutations.WithLabelValues(normalizeLabel(entityType), normalizeLabel(outcome)).Inc()
}

// SetQueueDepth publishes the current queue size for a status.
func (m *SyncMetrics) SetQueueDepth(status string, depth int64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(status)).Set(float64(depth))
}

func (m *SyncMetrics) SetOnline(online bool) {
	if m == nil || m.online == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
