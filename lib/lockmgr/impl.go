package lockmgr

import (
	"context"

	"github.com/ValentinKolb/dClaim/lib/failure"
	"github.com/ValentinKolb/dClaim/lib/locking"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("lockmgr")

type held struct {
	id locking.LockID
	tx store.Tx
}

type lockMgrImpl struct {
	manager store.IStoreManager
	locker  locking.Locker
	handles *xsync.MapOf[string, held]
}

// NewLockManager creates a lock manager. Every lock runs in its own key consistent transaction of manager.
func NewLockManager(manager store.IStoreManager, locker locking.Locker) ILockManager {
	return &lockMgrImpl{
		manager: manager,
		locker:  locker,
		handles: xsync.NewMapOf[string, held](),
	}
}

func (lm *lockMgrImpl) AcquireLock(ctx context.Context, key, column []byte) ([]byte, error) {
	const op = "lockmgr.AcquireLock"

	// Generate owner ID (256 bit random value)
	ownerID, err := generateOwnerID()
	if err != nil {
		return nil, failure.NewPermanent(op, "could not generate owner id", err)
	}

	tx, err := lm.manager.BeginTransaction(ctx, store.TxConfig{Consistency: store.ConsistencyKey, Name: "lockmgr"})
	if err != nil {
		return nil, failure.Classify(op, err)
	}

	id := locking.NewLockID(key, column)
	if err := lm.locker.WriteLock(ctx, id, tx); err != nil {
		lm.abort(ctx, tx)
		return nil, err
	}
	if err := lm.locker.CheckLocks(ctx, tx); err != nil {
		lm.abort(ctx, tx)
		return nil, err
	}

	lm.handles.Store(string(ownerID), held{id: id, tx: tx})
	log.Debugf("lock %s acquired", id)
	return ownerID, nil
}

func (lm *lockMgrImpl) ReleaseLock(ctx context.Context, ownerID []byte) error {
	const op = "lockmgr.ReleaseLock"

	h, ok := lm.handles.LoadAndDelete(string(ownerID))
	if !ok {
		return failure.NewPermanent(op, "unknown owner id", nil)
	}
	if err := lm.locker.DeleteLocks(ctx, h.tx); err != nil {
		_ = h.tx.Rollback()
		return failure.Classify(op, err)
	}
	if err := h.tx.Commit(); err != nil {
		return failure.Classify(op, err)
	}
	log.Debugf("lock %s released", h.id)
	return nil
}

// abort releases everything a failed acquisition left behind
func (lm *lockMgrImpl) abort(ctx context.Context, tx store.Tx) {
	if err := lm.locker.DeleteLocks(context.WithoutCancel(ctx), tx); err != nil {
		log.Warningf("failed to clean up lock: %v", err)
	}
	_ = tx.Rollback()
}
