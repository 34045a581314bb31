// Package storage persists ingest job records and scoped upload credentials.
//
// Two implementations are provided: PostgresStore for production deployments
// and BoltStore, an embedded store suitable for single-node setups and tests.
// Both expose the same conditional status-swap primitives; lifecycle
// transitions are only ever made through those, never through blind writes.
package storage
