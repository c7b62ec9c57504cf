package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dewey_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dewey_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dewey_connections_rejected_total",
			Help: "Connections refused by the connection limiter",
		},
		[]string{"protocol"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dewey_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dewey_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dewey_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dewey_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dewey_command_duration_seconds",
			Help:    "Time spent handling a protocol command",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"protocol", "command"},
	)
)

// Mail flow metrics
var (
	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dewey_messages_delivered_total",
			Help: "Messages accepted over SMTP, by delivery outcome",
		},
		[]string{"status"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dewey_message_size_bytes",
			Help:    "Size of submitted messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	MessagesRetrieved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dewey_messages_retrieved_total",
			Help: "Messages sent to POP3 clients with RETR",
		},
	)

	MessagesExpunged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dewey_messages_expunged_total",
			Help: "Messages permanently removed at the end of a POP3 session",
		},
	)
)

// Storage metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dewey_db_queries_total",
			Help: "Total number of storage backend queries executed",
		},
		[]string{"operation", "status", "backend"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dewey_db_query_duration_seconds",
			Help:    "Duration of storage backend queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "backend"},
	)
)
