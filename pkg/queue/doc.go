// Package queue provisions the per-job SQS queues and binds them to the
// ingest lambda functions.
//
// Each job owns an upload queue; tile jobs additionally own an ingest
// queue, a tile index queue with a dead letter queue, and a tile error
// queue. Names are deterministic functions of the job identity, so the
// provisioner can find and remove the queues later without storing every
// URL.
package queue
