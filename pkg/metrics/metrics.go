// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "viewstore"

var (
	StoreCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "commits_total",
		Help:      "Transactions committed to the record store.",
	})

	StoreRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "rejected_total",
		Help:      "Transactions discarded before commit.",
	})

	StoreExternalWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "external_writes_total",
		Help:      "Writes applied outside the descriptor path.",
	})

	StoreReadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "read_errors_total",
		Help:      "Record store reads that failed.",
	})

	DispatchCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "commits_total",
		Help:      "Descriptors dispatched to live views.",
	})

	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "duration_seconds",
		Help:      "Time spent replaying one descriptor into all views.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
	})

	ViewReplays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "views",
		Name:      "replays_total",
		Help:      "View replays by kind and outcome.",
	}, []string{"kind", "outcome"})

	ViewBackfills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "views",
		Name:      "backfills_total",
		Help:      "Authoritative reloads by kind and cause.",
	}, []string{"kind", "cause"})

	LiveViews = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "views",
		Name:      "live",
		Help:      "Views currently registered with the dispatcher.",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "views",
		Name:      "subscribers",
		Help:      "Open subscriptions.",
	})

	DeferredOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "deferred_total",
		Help:      "Subscribe/unsubscribe calls deferred because a dispatch was in progress.",
	}, []string{"op"})

	StreamDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "views",
		Name:      "stream_conflated_total",
		Help:      "Snapshots dropped from a full subscriber backlog in favour of a newer one.",
	})

	RepairSweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repair",
		Name:      "sweeps_total",
		Help:      "External-consistency sweeps by result.",
	}, []string{"result"})

	IngestEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "entries_total",
		Help:      "Ingested entries by handler.",
	}, []string{"handler"})

	DiskUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sensor",
		Name:      "disk_used_percent",
		Help:      "Used space on the filesystem holding the store.",
	})

	HeapInusePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sensor",
		Name:      "heap_inuse_percent",
		Help:      "In-use share of the heap obtained from the OS.",
	})

	ResourceAlert = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sensor",
		Name:      "alert",
		Help:      "1 while a resource is above its high-water threshold.",
	}, []string{"resource"})
)

func init() {
	prometheus.MustRegister(
		StoreCommits,
		StoreRejected,
		StoreExternalWrites,
		StoreReadErrors,
		DispatchCommits,
		DispatchDuration,
		ViewReplays,
		ViewBackfills,
		LiveViews,
		Subscribers,
		DeferredOps,
		StreamDropped,
		RepairSweeps,
		IngestEntries,
		DiskUsedPercent,
		HeapInusePercent,
		ResourceAlert,
	)
}
