/*
Package events provides an in-memory event broker for ingest lifecycle
notifications.

The broker broadcasts job state changes (created, uploading, completing,
failed, ...) to any interested subscriber without coupling the lifecycle
code to its observers. Delivery is best effort: publishing never blocks,
and a subscriber whose buffer is full skips events.

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s\n", event.Type, event.Message)
		}
	}()

	broker.Publish(events.ForJob(events.EventJobCreated, job.ID, "ingest job created"))

Subscribers that need filtering select on event.Type; all events are
broadcast to every subscriber.
*/
package events
