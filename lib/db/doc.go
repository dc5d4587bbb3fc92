// Package db provides a standardized interface for ordered key-column-value
// database implementations. It defines the KCVDB interface that all engines
// behind the column store satisfy, so stores can switch engines without code
// changes.
//
// Data Model:
//
//   - A database holds rows addressed by a byte key.
//   - A row holds cells (Entry) addressed by a byte column name. Cells of a row
//     are ordered by the raw bytes of their column, and range reads (GetSlice)
//     return them in that order. The claim protocol depends on this ordering.
//   - A cell may carry an absolute expiration time (ExpireAt, unix nano). An
//     expired cell is logically gone: GetSlice must never return it, even if
//     the engine still holds it pending garbage collection.
//
// Atomicity:
//
//	Mutate applies all deletions and additions of one row atomically. There is
//	no atomicity across rows and no compare-and-swap; higher layers build their
//	guarantees purely from ordered reads after writes.
//
// Feature Flags:
//
//	The Feature type defines capability flags that implementations advertise
//	through SupportsFeature (TTL support, persistence, save/load, background
//	garbage collection). Stores translate them into store level features.
//
// Related Packages:
//
//   - engines/birch: in-memory engine, sharded row map with btree ordered columns
//     and a background expiry heap.
//   - engines/pebbledb: persistent engine on cockroachdb/pebble.
//   - testing: conformance suite and benchmarks every engine runs.
//   - util: hashing, seeds and the expiry MapHeap.
package db
