/*
Package resources provides read access to the resource hierarchy
(collection, experiment, channel) that ingest jobs target.

The resource service owns CRUD and validation of these rows; this package
only looks them up by name so the config validator can resolve references
and the completion driver can assemble resource descriptors. The BoltDB
implementation reads a local replica kept current by the resource sync.
*/
package resources
