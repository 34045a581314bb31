/*
Package ingest validates client-supplied ingest configurations.

Validate checks the JSON document against the expected shape, resolves the
referenced collection, experiment, and channel through the resource
catalog, and enforces the extent and tiling invariants:

  - each extent axis is a [start, stop) pair with start < stop
  - the extent fits inside the experiment's coordinate frame and time range
  - the resolution is within the experiment's hierarchy levels
  - tile jobs require positive tile_size.x/y and always get tile z size 1
  - volumetric jobs require a fully positive chunk_size

On success it produces a JobDraft, the typed specification the manager
persists. The original config document is kept verbatim on the draft for
audit.
*/
package ingest
