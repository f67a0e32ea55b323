package queryctx

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type managerMetrics struct {
	created       prometheus.Counter
	revived       prometheus.Counter
	retired       *prometheus.CounterVec
	destroyed     prometheus.Counter
	sweepDuration prometheus.Histogram
}

func newManagerMetrics(reg prometheus.Registerer, m *Manager) *managerMetrics {
	mm := &managerMetrics{
		created: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cortex_querynode_query_contexts_created_total",
			Help: "Total number of query contexts created.",
		}),
		revived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cortex_querynode_query_contexts_revived_total",
			Help: "Total number of tombstoned query contexts brought back by a late fragment.",
		}),
		retired: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_querynode_query_contexts_retired_total",
			Help: "Total number of query contexts moved to the tombstone map, by reason.",
		}, []string{"reason"}),
		destroyed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "cortex_querynode_query_contexts_destroyed_total",
			Help: "Total number of query contexts destroyed after their last reference was released.",
		}),
		sweepDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "cortex_querynode_query_context_sweep_duration_seconds",
			Help:    "Time spent sweeping the query context registry.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "cortex_querynode_query_contexts",
		Help:        "Number of query contexts in the registry.",
		ConstLabels: prometheus.Labels{"state": "live"},
	}, func() float64 {
		return float64(m.Stats().Live)
	})
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "cortex_querynode_query_contexts",
		Help:        "Number of query contexts in the registry.",
		ConstLabels: prometheus.Labels{"state": "tombstoned"},
	}, func() float64 {
		return float64(m.Stats().Tombstoned)
	})

	// Pre-initialise the reasons so they are exported from the start.
	for _, reason := range []string{retiredRemoved, retiredDead, retiredExpired} {
		mm.retired.WithLabelValues(reason)
	}

	return mm
}
