// Package metrics exposes streamd's own counters to Prometheus.
//
// Collectors are package level so any component can record without
// plumbing; Handler serves them from a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamd"

var (
	// LinesProcessed counts protocol lines by keyword.
	LinesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "lines_total",
		Help:      "Protocol lines processed, by keyword.",
	}, []string{"keyword"})

	// ConnectionsDisabled counts connections ended by a protocol violation.
	ConnectionsDisabled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "disabled_total",
		Help:      "Connections disabled after a protocol violation or DISABLE.",
	})

	// ActiveConnections is the number of open inbound connections.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "connections",
		Help:      "Open inbound connections.",
	})

	// PointsStored counts points appended to tier stores.
	PointsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "points_total",
		Help:      "Points appended, by tier.",
	}, []string{"tier"})

	// PointsRejected counts out-of-order points.
	PointsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "rejected_total",
		Help:      "Points rejected because they were not after the latest stored point.",
	})

	// PointsBackfilled counts finer points replayed into coarser tiers.
	PointsBackfilled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "backfilled_total",
		Help:      "Finer tier points merged into coarser tiers by backfill.",
	})

	// ReplicationRounds counts replication requests sent, by reason.
	ReplicationRounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "requests_total",
		Help:      "Replication requests sent to children, by reason.",
	}, []string{"reason"})

	// ReplicationStuck counts charts force-finished by the stuck-loop valve.
	ReplicationStuck = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "stuck_total",
		Help:      "Charts whose replication was forced to finish after repeated no-progress rounds.",
	})

	// RelayBytes counts bytes handed to upstream senders.
	RelayBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "bytes_total",
		Help:      "Uncompressed bytes queued for upstream parents.",
	})

	// RelayDropped counts chunks dropped under backpressure.
	RelayDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "dropped_total",
		Help:      "Chunks dropped because the upstream queue was saturated.",
	})
)

// Registry returns a registry holding every streamd collector plus the
// Go runtime and process collectors.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		LinesProcessed,
		ConnectionsDisabled,
		ActiveConnections,
		PointsStored,
		PointsRejected,
		PointsBackfilled,
		ReplicationRounds,
		ReplicationStuck,
		RelayBytes,
		RelayDropped,
	)
	return reg
}

// Handler returns an HTTP handler serving reg in the Prometheus format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
