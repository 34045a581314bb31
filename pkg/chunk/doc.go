/*
Package chunk encodes and decodes the chunk and tile keys that identify
upload tasks.

A chunk key names one tile stack (or volumetric chunk) within a job's
extent; a tile key names a single tile inside a chunk. Both are URL-safe
ampersand-joined strings carrying an md5 hex prefix:

	chunk: <md5>&<num_tiles>&<col_id>&<exp_id>&<ch_id>&<res>&<x>&<y>&<z>&<t>
	tile:  <md5>&<col_id>&<exp_id>&<ch_id>&<res>&<x>&<y>&<z>&<t>

The digest is computed over the rest of the key and exists purely to spread
keys evenly across storage partitions. Everything after it is
self-describing, so consumers decode the full tuple without a database
lookup. Encoding is deterministic, which makes re-sent keys idempotent: two
producers emitting the same cuboid always emit identical bytes.

The z index of a chunk key is in chunk units (z voxel offset divided by the
z chunk depth), while the z index of a tile key is the global tile index.
*/
package chunk
