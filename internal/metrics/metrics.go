// Package metrics implements Prometheus metrics for the dispatcher and
// daemon worker processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the dispatcher's FIFO queue length per profile.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_dispatcher_queue_depth",
			Help: "Number of tasks currently awaiting assignment",
		},
		[]string{"profile"},
	)

	// DaemonsConnected tracks the dispatcher's current roster size.
	DaemonsConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_dispatcher_daemons_connected",
			Help: "Number of daemons currently connected to the dispatcher",
		},
		[]string{"profile"},
	)

	// DaemonsBusy tracks how many connected daemons are executing a task.
	DaemonsBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_dispatcher_daemons_busy",
			Help: "Number of currently connected daemons executing a task",
		},
		[]string{"profile"},
	)

	// TasksSubmittedTotal counts tasks submitted to a profile.
	TasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_tasks_submitted_total",
			Help: "Total number of tasks submitted to a profile",
		},
		[]string{"profile"},
	)

	// TasksCompletedTotal counts completed tasks by their final reply status.
	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_tasks_completed_total",
			Help: "Total number of tasks completed, by reply status",
		},
		[]string{"profile", "status"},
	)

	// EventLoopTickSeconds measures one dispatcher event-loop iteration.
	EventLoopTickSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_dispatcher_event_loop_tick_seconds",
			Help:    "Latency of one dispatcher event-loop iteration",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20),
		},
		[]string{"profile", "event_kind"},
	)

	// DaemonConnectEventsTotal counts daemon connect/disconnect events
	// observed by the dispatcher, mirroring the signed events stream
	// reported by status queries.
	DaemonConnectEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_dispatcher_daemon_events_total",
			Help: "Total daemon connect/disconnect events observed",
		},
		[]string{"profile", "kind"}, // kind = "connect" | "disconnect"
	)

	// RetriesTotal counts tasks requeued after their executing daemon disconnected.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_dispatcher_retries_total",
			Help: "Total number of tasks requeued after daemon disconnect",
		},
		[]string{"profile"},
	)
)
