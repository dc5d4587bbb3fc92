// Package failure defines the two error classes surfaced by the locking and
// id allocation layers: temporary failures, which may succeed when the whole
// operation is retried later, and permanent failures, which cannot succeed
// without an external change of state.
//
// Every store level error is converted into one of the two classes with
// Classify before it leaves the locker or the id authority, so callers only
// ever branch on IsTemporary / IsPermanent and never inspect backend types.
//
// Timeouts are temporary failures whose cause chain contains
// context.DeadlineExceeded; IsTimeout reports them.
//
// Example:
//
//	err := locker.CheckLocks(ctx, tx)
//	switch {
//	case failure.IsTimeout(err):
//	    // deadline hit while waiting on the store
//	case failure.IsTemporary(err):
//	    // back off and retry the lock-then-check sequence
//	case failure.IsPermanent(err):
//	    // abort the enclosing transaction
//	}
package failure
