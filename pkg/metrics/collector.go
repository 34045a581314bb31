package metrics

import (
	"time"

	"github.com/bossdb/bossingest/pkg/events"
	"github.com/bossdb/bossingest/pkg/storage"
	"github.com/bossdb/bossingest/pkg/types"
)

// Collector periodically samples job counts from the store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// WatchEvents subscribes to the broker and counts lifecycle events by
// type until the collector is stopped.
func (c *Collector) WatchEvents(broker *events.Broker) {
	sub := broker.Subscribe()
	go func() {
		defer broker.Unsubscribe(sub)
		for {
			select {
			case event, ok := <-sub:
				if !ok {
					return
				}
				EventsTotal.WithLabelValues(string(event.Type)).Inc()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	jobs, err := c.store.ListJobs()
	if err != nil {
		return
	}

	counts := make(map[types.JobStatus]int)
	for _, job := range jobs {
		counts[job.Status]++
	}

	// Publish a value for every known status so stale gauges reset.
	for _, status := range []types.JobStatus{
		types.StatusPreparing,
		types.StatusUploading,
		types.StatusWaitOnQueues,
		types.StatusCompleting,
		types.StatusComplete,
		types.StatusDeleted,
		types.StatusFailed,
	} {
		JobsTotal.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
}
