// Package api exposes the ingest control plane over HTTP.
//
// Authentication happens upstream: the gateway in front of this service
// sets X-Boss-User on every request, and X-Boss-Admin for operators.
// Non-admin callers only see and act on their own jobs.
//
// Every error response carries {status, code, message} where code is a
// stable numeric identifier from pkg/bosserr. The /health, /ready, and
// /metrics endpoints follow the usual conventions for load balancer and
// Prometheus integration.
package api
