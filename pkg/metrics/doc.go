/*
Package metrics provides Prometheus metrics and health checking for the
ingest service.

Metrics are registered on the default registry at package init and exposed
via Handler() for scraping. The Collector samples job counts from the store
on a fixed interval; everything else is incremented inline by the lifecycle
and API code.

Health checking tracks per-component status (store, cloud, api) and serves
it through HealthHandler, ReadyHandler, and LivenessHandler.

Usage:

	metrics.JobsCreated.Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues("POST"))

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
*/
package metrics
