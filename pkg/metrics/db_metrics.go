package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Database transaction metrics
var (
	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dewey_db_transactions_total",
			Help: "Total number of database transactions.",
		},
		[]string{"backend", "status"}, // status: "commit", "rollback"
	)
)

// Database connection pool metrics
var (
	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dewey_db_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
	)
	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dewey_db_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
	)
	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dewey_db_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
	)
)

// ObserveQuery records the outcome and latency of one backend operation.
// Call it deferred with a pointer to the operation's error.
func ObserveQuery(operation, backend string, start time.Time, err *error) {
	status := "success"
	if err != nil && *err != nil {
		status = "error"
	}
	DBQueryDuration.WithLabelValues(operation, backend).Observe(time.Since(start).Seconds())
	DBQueriesTotal.WithLabelValues(operation, status, backend).Inc()
}
