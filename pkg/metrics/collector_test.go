package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// mockStatsProvider implements StatsProvider for testing
type mockStatsProvider struct {
	stats *MetricsStats
	err   error
}

func (m *mockStatsProvider) MetricsStats(ctx context.Context) (*MetricsStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func TestCollectorBasic(t *testing.T) {
	AccountsTotal.Set(0)
	StoredMessagesTotal.Set(0)

	provider := &mockStatsProvider{
		stats: &MetricsStats{
			TotalAccounts: 5,
			TotalMessages: 150,
			TotalBytes:    4096,
		},
	}

	collector := NewCollector(provider, 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()
	<-done

	assert.Equal(t, float64(5), testutil.ToFloat64(AccountsTotal))
	assert.Equal(t, float64(150), testutil.ToFloat64(StoredMessagesTotal))
	assert.Equal(t, float64(4096), testutil.ToFloat64(StoredBytesTotal))
}

func TestCollectorWithError(t *testing.T) {
	AccountsTotal.Set(7)
	provider := &mockStatsProvider{
		err: context.DeadlineExceeded,
	}

	collector := NewCollector(provider, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()
	<-done

	// A failed collection leaves the previous values alone.
	assert.Equal(t, float64(7), testutil.ToFloat64(AccountsTotal))
}

func TestCollectorStop(t *testing.T) {
	collector := NewCollector(&mockStatsProvider{stats: &MetricsStats{}}, time.Hour)

	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()

	collector.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestNewCollectorDefaultInterval(t *testing.T) {
	collector := NewCollector(&mockStatsProvider{stats: &MetricsStats{}}, 0)
	if collector.interval != 60*time.Second {
		t.Errorf("Expected default interval of 60s, got %v", collector.interval)
	}
}
