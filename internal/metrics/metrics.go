// Package metrics declares the prometheus collectors exported by the
// realtime core: connection counts, frame throughput, snapshot timing
// and persistence-worker lag.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks live WebSocket subscriptions per document.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "refmd",
		Subsystem: "realtime",
		Name:      "active_connections",
		Help:      "Number of live client connections, labeled by document id.",
	}, []string{"document_id"})

	// RoomsOpen tracks the number of documents this process has created
	// an in-memory room for. Rooms are not released, so the value never
	// decreases while the process runs.
	RoomsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "refmd",
		Subsystem: "realtime",
		Name:      "rooms_open",
		Help:      "Number of documents that have had a room created in this process; never decreases.",
	})

	// FramesForwarded counts frames relayed from the cluster log to
	// clients, labeled by stream ("updates" or "awareness").
	FramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refmd",
		Subsystem: "realtime",
		Name:      "frames_forwarded_total",
		Help:      "Frames forwarded to clients from the cluster log.",
	}, []string{"stream"})

	// EditFramesRejected counts edit frames dropped for read-only
	// subscribers (spec.md invariant 5).
	EditFramesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "refmd",
		Subsystem: "realtime",
		Name:      "edit_frames_rejected_total",
		Help:      "Edit frames dropped because the subscriber is read-only.",
	})

	// SnapshotDuration observes how long Snapshot Service encodes take.
	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "refmd",
		Subsystem: "snapshot",
		Name:      "persist_duration_seconds",
		Help:      "Time spent encoding and persisting a snapshot.",
		Buckets:   prometheus.DefBuckets,
	})

	// SnapshotVersion tracks the latest persisted snapshot version per
	// document, observed at the moment of persistence.
	SnapshotVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "refmd",
		Subsystem: "snapshot",
		Name:      "latest_version",
		Help:      "Latest persisted snapshot version, labeled by document id.",
	}, []string{"document_id"})

	// MarkdownWrites counts Markdown Sink writes that actually hit disk
	// (i.e. the byte-diff dedup did not skip them).
	MarkdownWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "refmd",
		Subsystem: "markdown",
		Name:      "writes_total",
		Help:      "Markdown files actually written (post byte-diff dedup).",
	})

	// WorkerTasksProcessed counts Persistence Worker task completions,
	// labeled by outcome.
	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "refmd",
		Subsystem: "persistworker",
		Name:      "tasks_processed_total",
		Help:      "Persistence Worker task stream entries processed.",
	}, []string{"outcome"})

	// WorkerTaskLag observes the age, in seconds, of a task entry at the
	// moment the worker picks it up.
	WorkerTaskLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "refmd",
		Subsystem: "persistworker",
		Name:      "task_lag_seconds",
		Help:      "Age of a task entry when the worker begins processing it.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	// AwarenessClients tracks the live presence-table size per document.
	AwarenessClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "refmd",
		Subsystem: "awareness",
		Name:      "clients",
		Help:      "Number of non-tombstoned presence entries, labeled by document id.",
	}, []string{"document_id"})
)
