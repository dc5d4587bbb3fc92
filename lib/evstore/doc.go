// Package evstore wraps a store manager with expected value checking locks.
//
// A transaction opened through the Manager consists of two transactions of the backing manager:
// the default sub-transaction with the consistency the caller asked for, and a key consistent
// sub-transaction used for everything that has to be seen by competing lockers.
//
//   - AcquireLock writes a lock claim through the key consistent sub-transaction and records
//     the value the caller expects at the locked cell (nil = no value).
//
//   - The first mutation of a transaction holding locks verifies every claim, re-reads every
//     locked cell through the key consistent sub-transaction and compares it with the expected
//     value. A mismatch fails permanently before anything is written. The mutation itself and
//     all later ones go through the key consistent sub-transaction.
//
//   - Mutations of a transaction without locks go straight to the default sub-transaction.
//
//   - Commit and Rollback delete the claims and finish both sub-transactions.
//
// Lock rows of a data store live in a companion store named after it with the suffix
// DefaultLockStoreSuffix, so data rows and claim rows never share a row.
//
// Usage:
//
//	mediators := locking.NewMediators(timestamp.Milli)
//	provider := evstore.ConsistentKeyLockerProvider(backing, mediators, locking.Options{RID: rid})
//	m, _ := evstore.NewManager(backing, provider, evstore.Options{})
//	s, _ := m.OpenLockingStore("vertices")
//	tx, _ := m.BeginTransaction(ctx, store.TxConfig{})
//	_ = s.AcquireLock(ctx, key, column, oldValue, tx)
//	_ = s.Mutate(ctx, key, []store.Entry{{Column: column, Value: newValue}}, nil, tx)
//	_ = tx.Commit()
package evstore
