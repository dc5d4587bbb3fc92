// Package birch provides an in-memory implementation of the db.KCVDB interface.
//
// Rows live in sharded xsync maps keyed by the row key. The cells of a row are
// kept in a google/btree ordered by the raw column bytes, so GetSlice is a
// single ordered range walk.
//
// Concurrency:
//
//   - All writes to a row run inside the Compute callback of the row's shard map,
//     which serialises writers of the same key and makes a row mutation atomic.
//   - Readers load the row pointer and walk the tree under the row's read lock.
//   - Rows that become empty are removed from the map inside the same Compute call.
//
// Expiry:
//
//	Cells may carry an absolute expiry time. Reads skip expired cells. Each shard
//	tracks expiring cells in a util.MapHeap; a background goroutine pops due cells
//	every GC interval and deletes them if they are still expired (a cell may have
//	been rewritten in the meantime). The time source is injectable for tests.
//
// Persistence:
//
//	Save/Load use a small binary format (magic number, version, rows, cells). Load
//	replaces the whole content and rebuilds the expiry heaps.
package birch
