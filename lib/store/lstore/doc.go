// Package lstore implements a local, single-node store manager based on the
// store.IStoreManager interface. Every named store is a db.KCVDB created on
// first use by the injected store.DBFactory, so the same manager can run on the
// in-memory birch engine or on the persistent pebble engine.
//
// Implementation Details:
//
//   - Consistency: reads go straight to the engine, so every transaction is key
//     consistent regardless of the requested level.
//
//   - Feature Detection: engines are probed with SupportsFeature; a TTL write on
//     an engine without cell TTL fails with RetCUnsupportedOperation instead of
//     silently dropping the TTL.
//
//   - TTL Resolution: relative TTLs of store entries are turned into absolute
//     expiry times with the manager clock at write time.
//
//   - Transactions: handles are store.BaseTx. They carry the consistency level
//     and reject use after Commit/Rollback; writes are applied immediately.
//
// Thread Safety:
//
//	The store registry is an xsync map; engines are safe for concurrent use.
package lstore
