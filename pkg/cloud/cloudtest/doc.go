// Package cloudtest provides in-memory fakes for the cloud service
// interfaces. The fakes are safe for concurrent use and expose small
// inspection helpers for assertions.
package cloudtest
