// Package store is the ordered column store the lock and id layers are built
// on. It offers exactly what those layers need and nothing more: atomic single
// row mutation, ordered range reads of a row (slices), transactions that carry
// a read consistency level, and feature flags describing the backend.
//
// There is no compare-and-swap and no multi-row atomicity. Correctness of
// everything above this package comes from writing claims and reading them back.
//
// Key Components:
//
//   - IStore: one named store. Mutate, GetSlice and GetSlices take a Tx whose
//     Consistency decides whether reads may be stale (ConsistencyDefault) or must
//     observe all completed writes to the key (ConsistencyKey).
//
//   - IStoreManager: opens stores and transactions, applies multi-row mutations
//     (MutateMany), and reports Features such as cell TTL, key consistency and
//     local key partition support.
//
//   - Error System: *Error with a RetCode. RetCTemporaryFailure marks failures a
//     retry may fix (busy raft shard, timeout); Error.Temporary lets the failure
//     package classify store errors without importing this package.
//
// Implementations:
//
//   - Local Store (lstore): every store is a db.KCVDB created by a DBFactory in
//     this process. Reads are always key consistent.
//   - Distributed Store (dstore): all stores live in one Dragonboat raft shard.
//     Writes are proposed through raft, key consistent reads are linearizable
//     (SyncRead) and default reads are served locally (StaleRead).
package store
