// Package manager orchestrates the ingest job lifecycle.
//
// A job moves through the states:
//
//	PREPARING -> UPLOADING -> WAIT_ON_QUEUES -> COMPLETING -> COMPLETE
//
// with DELETED and FAILED reachable from any non-terminal state. Setup
// validates the configuration, provisions the job's queues, and starts
// the population step function. Join polls population and, once it
// succeeds, issues scoped upload credentials. Complete drives the
// two-phase completion protocol: the job first enters WAIT_ON_QUEUES and
// sits out a settling window because SQS depth figures are approximate,
// then a single winner of the completion race starts the completion scan
// step function.
//
// All state transitions go through the store's conditional swap
// primitives, so any number of API replicas can drive the same job
// concurrently without double-starting step functions.
package manager
