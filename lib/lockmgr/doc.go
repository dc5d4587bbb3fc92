// Package lockmgr provides a simple acquire/release API on top of the claim based locking protocol.
// It is used by tooling that needs a lock on one coordinate without managing transactions itself.
//
// Core Functionality:
//   - Lock acquisition: opens a key consistent transaction, writes the claim and verifies it
//   - Ownership: every acquisition returns a random owner ID that is the handle for the release
//   - Release: deletes the claim and finishes the transaction
//
// The owner IDs are kept in memory, so a lock can only be released by the lock manager that
// acquired it. Locks of a crashed process are not released but expire after the lock expiration
// period of the locker.
//
// Usage Example:
//
//	mgr := lockmgr.NewLockManager(manager, locker)
//
//	ownerID, err := mgr.AcquireLock(ctx, []byte("resource"), []byte("123"))
//	if err != nil {
//	    if failure.IsTemporary(err) {
//	        // held by someone else, retry later
//	    }
//	    return err
//	}
//
//	// Use the resource safely
//	// ...
//
//	err = mgr.ReleaseLock(ctx, ownerID)
package lockmgr
