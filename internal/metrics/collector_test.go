package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T, path string) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func counterValue(t *testing.T, m *Metrics, name string, labels ...string) float64 {
	t.Helper()
	counter, err := m.counters[name].GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("Failed to get counter %s: %v", name, err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestNewCollector(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "metrics.db"))
	defer db.Close()

	c, err := NewCollector(db, New(), Sources{}, "", 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	if err := c.Stop(); err != nil {
		t.Errorf("Failed to stop collector: %v", err)
	}
	// Stop is idempotent
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	db := openTestDB(t, path)

	m := New()
	c, err := NewCollector(db, m, Sources{}, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	m.TargetsSentTotal.WithLabelValues("d1").Add(2)
	m.TargetsFailedTotal.WithLabelValues("d1", "session").Inc()
	m.RateLimitExceededTotal.WithLabelValues("device").Inc()
	m.TargetsReleasedTotal.Add(4) // not persisted

	if err := c.Stop(); err != nil {
		t.Fatalf("Failed to stop collector: %v", err)
	}
	db.Close()

	db2 := openTestDB(t, path)
	defer db2.Close()

	m2 := New()
	c2, err := NewCollector(db2, m2, Sources{}, path, 10*time.Second)
	if err != nil {
		t.Fatalf("Failed to recreate collector: %v", err)
	}
	defer c2.Stop()

	if got := counterValue(t, m2, "broadcaster_targets_sent_total", "d1"); got != 2 {
		t.Errorf("targets sent = %v, want 2", got)
	}
	if got := counterValue(t, m2, "broadcaster_targets_failed_total", "d1", "session"); got != 1 {
		t.Errorf("targets failed = %v, want 1", got)
	}
	if got := counterValue(t, m2, "broadcaster_ratelimit_exceeded_total", "device"); got != 1 {
		t.Errorf("rate limit exceeded = %v, want 1", got)
	}
}

func TestCollectSystemMetrics(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "metrics.db"))
	defer db.Close()

	m := New()
	c, err := NewCollector(db, m, Sources{
		Queue: func(ctx context.Context) (int64, int64, int64, error) {
			return 7, 2, 1, nil
		},
		Devices:     func() map[string]int { return map[string]int{"online": 3, "offline": 1} },
		Workers:     func() int { return 3 },
		Subscribers: func() int { return 5 },
	}, "", time.Minute)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}
	defer c.Stop()

	c.collectSystemMetrics(context.Background())

	gauges := []struct {
		name  string
		write func(*dto.Metric) error
		want  float64
	}{
		{"pending", m.QueuePending.Write, 7},
		{"claimed", m.QueueClaimed.Write, 2},
		{"failed", m.QueueFailed.Write, 1},
		{"workers", m.WorkersRunning.Write, 3},
		{"subscribers", m.LiveSyncSubscribers.Write, 5},
		{"online devices", m.DevicesByStatus.WithLabelValues("online").Write, 3},
	}
	for _, g := range gauges {
		var metric dto.Metric
		if err := g.write(&metric); err != nil {
			t.Fatalf("%s: %v", g.name, err)
		}
		if got := metric.GetGauge().GetValue(); got != g.want {
			t.Errorf("%s = %v, want %v", g.name, got, g.want)
		}
	}
}
