package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querywatch_poll_cycles_total",
			Help: "Total number of tracker poll cycles by outcome",
		},
		[]string{"result"},
	)

	QueriesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querywatch_queries_resolved_total",
			Help: "Total number of queries that reached a terminal state",
		},
		[]string{"state"},
	)

	RecordErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querywatch_record_errors_total",
			Help: "Total number of per-record tracker failures",
		},
		[]string{"stage"},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querywatch_poll_duration_seconds",
			Help:    "Time taken by one tracker poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querywatch_messages_routed_total",
			Help: "Total number of inbound messages dispatched to a notificator",
		},
		[]string{"notificator"},
	)

	UnroutableMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querywatch_unroutable_messages_total",
			Help: "Total number of inbound messages no notificator matched",
		},
	)

	InvalidMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querywatch_invalid_messages_total",
			Help: "Total number of routed messages skipped because their payload could not be decoded",
		},
		[]string{"notificator"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querywatch_notifications_sent_total",
			Help: "Total number of Slack sends by target and result",
		},
		[]string{"target", "result"},
	)

	QueriesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querywatch_queries_ingested_total",
			Help: "Total number of audit records ingested by outcome",
		},
		[]string{"result"},
	)
)
