package lockmgr

import "context"

// ILockManager defines the interface for a lock manager.
type ILockManager interface {
	// AcquireLock locks the coordinate (key, column) and returns the owner ID of the lock.
	// The lock is held until ReleaseLock is called or it expires.
	// Errors are *failure.Error values, temporary ones may succeed on retry.
	AcquireLock(ctx context.Context, key, column []byte) (ownerID []byte, err error)

	// ReleaseLock releases the lock identified by ownerID.
	// Releasing an unknown or already released owner ID fails permanently.
	ReleaseLock(ctx context.Context, ownerID []byte) (err error)
}
