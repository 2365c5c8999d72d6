package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// JobStats contains delivery job queue statistics for metrics
type JobStats struct {
	Waiting int64
	Dead    int64
	Oldest  time.Time
}

// JobStatsProvider provides job queue statistics for metrics
type JobStatsProvider interface {
	Stats(ctx context.Context) (*JobStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// counterSample is one persisted counter series
type counterSample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Collector persists counters across restarts and updates system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	jobStats      JobStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector and restores the persisted counters
func NewCollector(db *bolt.DB, m *Metrics, jobStats JobStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		jobStats:      jobStats,
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

// loadCounters adds the persisted values back onto the counters
func (c *Collector) loadCounters() error {
	var samples []counterSample

	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &samples); err != nil {
			samples = nil // Skip invalid data
		}
		return nil
	})
	if err != nil {
		return err
	}

	counters := c.metrics.counters()
	for _, s := range samples {
		vec, ok := counters[s.Name]
		if !ok {
			continue
		}
		counter, err := vec.GetMetricWith(s.Labels)
		if err != nil {
			continue
		}
		counter.Add(s.Value)
	}
	return nil
}

// persistCounters snapshots every counter series into BoltDB
func (c *Collector) persistCounters() error {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return err
	}

	counters := c.metrics.counters()
	var samples []counterSample
	for _, mf := range families {
		if _, ok := counters[mf.GetName()]; !ok {
			continue
		}
		for _, metric := range mf.GetMetric() {
			s := counterSample{
				Name:   mf.GetName(),
				Labels: make(map[string]string, len(metric.GetLabel())),
				Value:  metric.GetCounter().GetValue(),
			}
			for _, lp := range metric.GetLabel() {
				s.Labels[lp.GetName()] = lp.GetValue()
			}
			samples = append(samples, s)
		}
	}

	data, err := json.Marshal(samples)
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

// updateSystemMetrics periodically updates system gauges
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

	if c.jobStats != nil {
		stats, err := c.jobStats.Stats(ctx)
		if err == nil {
			c.metrics.JobQueueSize.Set(float64(stats.Waiting))
			c.metrics.JobQueueDead.Set(float64(stats.Dead))
			if stats.Oldest.IsZero() {
				c.metrics.JobQueueOldest.Set(0)
			} else {
				c.metrics.JobQueueOldest.Set(time.Since(stats.Oldest).Seconds())
			}
		}
	}
}
