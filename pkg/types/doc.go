/*
Package types defines the core data structures of the Boss ingest control
plane.

This package contains the domain model shared by all other packages: ingest
jobs with their lifecycle status, extents and tile sizes, the resource
hierarchy (collection, experiment with coordinate frame, channel), boss and
lookup keys, and the compact resource descriptor passed to the ingest
lambdas.

# Core Types

  - IngestJob: the durable record of one ingest job, including extent,
    tiling, queue URLs, and lifecycle state
  - JobStatus: preparing, uploading, wait_on_queues, completing, complete,
    deleted, failed; the numeric values are persisted
  - IngestType: tile vs volumetric, the two ingest pipelines
  - Collection / Experiment / Channel / CoordinateFrame: validated resource
    rows supplied by the external resource service
  - Resource: the trimmed descriptor handed to lambdas (S3 metadata is
    limited to 2 KB, so only the required fields are included)

# Key Conventions

Boss keys are ampersand-joined resource names (collection&experiment&channel)
and lookup keys are the ampersand-joined numeric ids. The orchestrator
consumes these identifiers; it never derives or validates them itself.

Tile jobs always use a tile z size of 1 and assemble tiles into cuboids of
CuboidDepth (16) z slices. Volumetric jobs upload whole chunks whose z depth
is the configured chunk size.
*/
package types
