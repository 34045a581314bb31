// Package cloud narrows the AWS SDK clients to the operations the ingest
// service actually calls, so that the queue, credential, and lifecycle
// layers can be tested against in-memory fakes.
package cloud
