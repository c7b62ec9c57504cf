package metrics

import (
	"context"
	"time"

	"github.com/migadu/dewey/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store-wide gauges refreshed by the Collector
var (
	AccountsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dewey_accounts_total",
			Help: "Total number of accounts in the storage backend",
		},
	)

	StoredMessagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dewey_stored_messages_total",
			Help: "Total number of messages held by the storage backend",
		},
	)

	StoredBytesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dewey_stored_bytes_total",
			Help: "Total size of messages held by the storage backend",
		},
	)
)

// MetricsStats holds aggregate statistics returned by a storage backend
type MetricsStats struct {
	TotalAccounts int64
	TotalMessages int64
	TotalBytes    int64
}

// StatsProvider is implemented by backends that can count their contents
type StatsProvider interface {
	MetricsStats(ctx context.Context) (*MetricsStats, error)
}

// Collector periodically collects and updates backend metrics
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.MetricsStats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting metrics", "error", err)
		return
	}

	AccountsTotal.Set(float64(stats.TotalAccounts))
	StoredMessagesTotal.Set(float64(stats.TotalMessages))
	StoredBytesTotal.Set(float64(stats.TotalBytes))

	logger.Debug("MetricsCollector: updated store metrics", "accounts", stats.TotalAccounts,
		"messages", stats.TotalMessages, "bytes", stats.TotalBytes)
}
