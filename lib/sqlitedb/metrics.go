// Copyright 2026 The Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitedb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records pool and statement telemetry. Create one with
// NewMetrics and pass it in Config. A Metrics instance binds to a
// single pool: the occupancy gauges read that pool's Stats, and
// registering two pools against one instance would collide.
type Metrics struct {
	registerer prometheus.Registerer

	acquireSeconds     prometheus.Histogram
	acquireTimeouts    prometheus.Counter
	connectionsCreated prometheus.Counter
	connectionsEvicted prometheus.Counter
	statementSeconds   *prometheus.HistogramVec
}

// NewMetrics creates the pool collectors and registers them with reg.
// A nil reg leaves the collectors unregistered, which is convenient
// in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registerer: reg,
		acquireSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "windlass",
			Subsystem: "db",
			Name:      "acquire_seconds",
			Help:      "Time spent acquiring a pool connection.",
		}),
		acquireTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "windlass",
			Subsystem: "db",
			Name:      "acquire_timeouts_total",
			Help:      "Acquires that failed with a pool timeout.",
		}),
		connectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "windlass",
			Subsystem: "db",
			Name:      "connections_created_total",
			Help:      "Physical connections opened beyond the initial one.",
		}),
		connectionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "windlass",
			Subsystem: "db",
			Name:      "connections_evicted_total",
			Help:      "Idle connections destroyed by the idle sweep.",
		}),
		statementSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "windlass",
			Subsystem: "db",
			Name:      "statement_seconds",
			Help:      "Statement execution time by operation.",
		}, []string{"op"}),
	}
}

// bindPool registers occupancy gauges over the pool's Stats snapshot.
// Called once from Open.
func (m *Metrics) bindPool(p *Pool) {
	factory := promauto.With(m.registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "windlass",
		Subsystem:   "db",
		Name:        "connections",
		Help:        "Pool connections by state.",
		ConstLabels: prometheus.Labels{"state": "in_use"},
	}, func() float64 {
		s := p.Stats()
		return float64(s.Total - s.Available)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "windlass",
		Subsystem:   "db",
		Name:        "connections",
		Help:        "Pool connections by state.",
		ConstLabels: prometheus.Labels{"state": "idle"},
	}, func() float64 {
		return float64(p.Stats().Available)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "windlass",
		Subsystem: "db",
		Name:      "waiters",
		Help:      "Acquires currently queued for a connection.",
	}, func() float64 {
		return float64(p.Stats().Pending)
	})
}
