// Package locking implements a lease based lock on arbitrary (row, column) coordinates of a
// column store that offers neither compare-and-swap nor multi-row transactions.
//
// Protocol:
//
//	A transaction locks a coordinate by writing a claim column into the lock row of that
//	coordinate. The claim column encodes (timestamp, rid), so several writers can claim the
//	same coordinate at once without overwriting each other. After writing, the transaction
//	waits until the lock wait window since its claim timestamp has passed, reads every claim
//	of the row and accepts the lock only if its own claim is the senior one, which is the
//	smallest (timestamp, rid) among the unexpired claims.
//
//	- WriteLock: takes the local lock, then writes the claim. A claim write that takes
//	  longer than the lock wait window cannot be trusted and is replaced by a new claim.
//
//	- CheckLocks: performs the wait and verification for every claim of a transaction that
//	  has not been verified yet.
//
//	- DeleteLocks: removes all claims of the transaction and releases its local locks.
//
// Local Mediation:
//
//	Transactions of the same process that compete for a coordinate are rejected by the
//	Mediator before a claim is written. Mediators are grouped by name in a Mediators registry
//	that is created and passed explicitly, so lockers on different groups do not interfere.
//
// Errors:
//
//	All errors are *failure.Error values. Local contention, a senior foreign claim and store
//	timeouts are temporary. An expired own claim and permanent store failures are permanent
//	and leave the lock in the Failed state for the transaction.
//
// Layout:
//
//	lock row:     uint32 BE len(key) || key || column
//	claim column: uint64 BE timestamp ticks || rid
//	claim value:  0x00
package locking
