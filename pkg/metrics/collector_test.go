package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bossdb/bossingest/pkg/events"
)

func TestWatchEventsCountsByType(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	c := &Collector{stopCh: make(chan struct{})}
	c.WatchEvents(broker)
	defer c.Stop()

	before := testutil.ToFloat64(EventsTotal.WithLabelValues(string(events.EventJobCreated)))

	broker.Publish(events.ForJob(events.EventJobCreated, 1, "job created"))
	broker.Publish(events.ForJob(events.EventJobCreated, 2, "job created"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := testutil.ToFloat64(EventsTotal.WithLabelValues(string(events.EventJobCreated)))
		if got >= before+2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("expected event counter to reach %v, got %v", before+2,
		testutil.ToFloat64(EventsTotal.WithLabelValues(string(events.EventJobCreated))))
}

func TestWatchEventsStopsWithCollector(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	c := &Collector{stopCh: make(chan struct{})}
	c.WatchEvents(broker)
	c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if broker.SubscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Errorf("expected subscriber to drop after stop, got %d", broker.SubscriberCount())
}
