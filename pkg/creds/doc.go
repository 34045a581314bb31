// Package creds issues the temporary upload credentials handed to ingest
// clients. A job-scoped IAM policy limits the federation token to that
// job's queues and the relevant upload bucket.
package creds
