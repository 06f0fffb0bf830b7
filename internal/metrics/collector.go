package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// Sources feed the gauges refreshed by the collector. Nil sources are skipped.
type Sources struct {
	Queue       func(ctx context.Context) (pending, claimed, failed int64, err error)
	Devices     func() map[string]int
	Workers     func() int
	Subscribers func() int
}

// savedCounter is one persisted counter series
type savedCounter struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Collector persists counters across restarts and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	sources       Sources
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, sources Sources, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics bucket: %w", err)
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		sources:       sources,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters adds the persisted counter values to the registry
func (c *Collector) loadCounters() error {
	var saved []savedCounter
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &saved); err != nil {
			saved = nil // Skip invalid data
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load counters: %w", err)
	}

	for _, s := range saved {
		vec, ok := c.metrics.counters[s.Name]
		if !ok {
			continue
		}
		counter, err := vec.GetMetricWith(s.Labels)
		if err != nil {
			continue // labels changed since the value was saved
		}
		counter.Add(s.Value)
	}
	return nil
}

// snapshot reads the current value of every persisted counter series
func (c *Collector) snapshot() ([]savedCounter, error) {
	families, err := c.metrics.registry.Gather()
	if err != nil {
		return nil, err
	}

	var out []savedCounter
	for _, mf := range families {
		if _, ok := c.metrics.counters[mf.GetName()]; !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, savedCounter{
				Name:   mf.GetName(),
				Labels: labels,
				Value:  m.GetCounter().GetValue(),
			})
		}
	}
	return out, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	saved, err := c.snapshot()
	if err != nil {
		return fmt.Errorf("failed to gather counters: %w", err)
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateSystemMetrics periodically updates gauges
func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

// collectSystemMetrics collects current system state
func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.sources.Queue != nil {
		pending, claimed, failed, err := c.sources.Queue(ctx)
		if err == nil {
			c.metrics.QueuePending.Set(float64(pending))
			c.metrics.QueueClaimed.Set(float64(claimed))
			c.metrics.QueueFailed.Set(float64(failed))
		}
	}
	if c.sources.Devices != nil {
		c.metrics.DevicesByStatus.Reset()
		for status, n := range c.sources.Devices() {
			c.metrics.DevicesByStatus.WithLabelValues(status).Set(float64(n))
		}
	}
	if c.sources.Workers != nil {
		c.metrics.WorkersRunning.Set(float64(c.sources.Workers()))
	}
	if c.sources.Subscribers != nil {
		c.metrics.LiveSyncSubscribers.Set(float64(c.sources.Subscribers()))
	}
}
