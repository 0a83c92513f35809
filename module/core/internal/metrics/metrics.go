// Package metrics holds the Prometheus collectors of the detection pipeline.
// A nil *Metrics is valid and records nothing, which keeps tests free of
// registry setup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "geofence"

type Metrics struct {
	pings            *prometheus.CounterVec
	staleDiscarded   prometheus.Counter
	transitions      *prometheus.CounterVec
	cacheRefreshes   *prometheus.CounterVec
	snapshotSize     prometheus.Gauge
	snapshotVersion  prometheus.Gauge
	membershipWrites *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	backlog          prometheus.Gauge
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Location pings received, by source protocol and outcome",
		}, []string{"protocol", "outcome"}),
		staleDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "stale_pings_discarded_total",
			Help:      "Pings older than the last accepted ping of their entity",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Transition events generated, by kind",
		}, []string{"kind"}),
		cacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refreshes_total",
			Help:      "Geofence snapshot refreshes, by outcome",
		}, []string{"outcome"}),
		snapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "snapshot_geofences",
			Help:      "Geofences in the published snapshot",
		}),
		snapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "snapshot_version",
			Help:      "Sequence number of the published snapshot",
		}),
		membershipWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "writes_total",
			Help:      "Durable membership writes, by outcome",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "deliveries_total",
			Help:      "Transition deliveries to the notifier, by outcome",
		}, []string{"outcome"}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "unpersisted_backlog",
			Help:      "Events waiting in memory for a successful event log insert",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.pings, m.staleDiscarded, m.transitions, m.cacheRefreshes, m.snapshotSize,
		m.snapshotVersion, m.membershipWrites, m.deliveries, m.backlog,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) PingReceived(protocol, outcome string) {
	if m == nil {
		return
	}
	m.pings.WithLabelValues(protocol, outcome).Inc()
}

func (m *Metrics) StalePingDiscarded() {
	if m == nil {
		return
	}
	m.staleDiscarded.Inc()
}

func (m *Metrics) TransitionEmitted(kind string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheRefreshed(ok bool, version uint64, size int) {
	if m == nil {
		return
	}
	if !ok {
		m.cacheRefreshes.WithLabelValues("failed").Inc()
		return
	}
	m.cacheRefreshes.WithLabelValues("ok").Inc()
	m.snapshotVersion.Set(float64(version))
	m.snapshotSize.Set(float64(size))
}

func (m *Metrics) MembershipWrite(outcome string) {
	if m == nil {
		return
	}
	m.membershipWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Backlog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}
