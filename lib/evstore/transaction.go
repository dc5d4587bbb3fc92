package evstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dClaim/lib/failure"
	"github.com/ValentinKolb/dClaim/lib/locking"
	"github.com/ValentinKolb/dClaim/lib/store"
)

type lockKey struct {
	store *Store
	id    locking.LockID
}

type expectedValue struct {
	key    []byte
	column []byte
	value  []byte // nil = cell must be absent
}

// Transaction pairs a default sub-transaction with a key consistent one.
// Unguarded writes and all reads use the default sub-transaction, locks and guarded writes the key consistent one.
type Transaction struct {
	manager      *Manager
	config       store.TxConfig
	inconsistent store.Tx
	strong       store.Tx

	mu               sync.Mutex
	locks            map[lockKey]*expectedValue
	order            []lockKey // acquisition order, expected values are compared in this order
	touched          []*Store  // stores whose locker saw this transaction
	mutationsStarted bool
	done             bool
}

func asTransaction(tx store.Tx) (*Transaction, error) {
	t, ok := tx.(*Transaction)
	if !ok || t == nil {
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("expected *evstore.Transaction, got %T", tx))
	}
	return t, nil
}

func (t *Transaction) Config() store.TxConfig { return t.config }

// Default returns the sub-transaction with the caller's consistency.
func (t *Transaction) Default() store.Tx { return t.inconsistent }

// Strong returns the key consistent sub-transaction.
func (t *Transaction) Strong() store.Tx { return t.strong }

// HasLocks reports whether a lock was acquired in this transaction.
func (t *Transaction) HasLocks() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks) > 0
}

func (t *Transaction) acquireLock(ctx context.Context, s *Store, key, column, expected []byte) error {
	const op = "evstore.AcquireLock"
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return store.NewError(store.RetCInvalidOperation, "transaction already finished")
	}
	if t.mutationsStarted {
		return failure.NewPermanent(op, "locks must be acquired before the first mutation", nil)
	}

	k := lockKey{store: s, id: locking.NewLockID(key, column)}
	if _, ok := t.locks[k]; ok {
		return nil
	}
	if !t.hasTouched(s) {
		t.touched = append(t.touched, s)
	}
	if err := s.locker.WriteLock(ctx, k.id, t.strong); err != nil {
		return err
	}
	ev := &expectedValue{
		key:    append([]byte(nil), key...),
		column: append([]byte(nil), column...),
	}
	if expected != nil {
		ev.value = append([]byte{}, expected...)
	}
	t.locks[k] = ev
	t.order = append(t.order, k)
	return nil
}

func (t *Transaction) hasTouched(s *Store) bool {
	for _, x := range t.touched {
		if x == s {
			return true
		}
	}
	return false
}

// prepareMutation returns the sub-transaction a mutation has to use. Before the first
// guarded mutation it checks every lock and compares every expected value.
func (t *Transaction) prepareMutation(ctx context.Context) (store.Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil, store.NewError(store.RetCInvalidOperation, "transaction already finished")
	}
	if len(t.locks) == 0 {
		t.mutationsStarted = true
		return t.inconsistent, nil
	}
	if !t.mutationsStarted {
		if err := t.checkLocks(ctx); err != nil {
			return nil, err
		}
		if err := t.checkExpectedValues(ctx); err != nil {
			return nil, err
		}
		t.mutationsStarted = true
	}
	return t.strong, nil
}

func (t *Transaction) checkLocks(ctx context.Context) error {
	checked := make(map[*Store]bool)
	for _, k := range t.order {
		if checked[k.store] {
			continue
		}
		checked[k.store] = true
		if err := k.store.locker.CheckLocks(ctx, t.strong); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) checkExpectedValues(ctx context.Context) error {
	const op = "evstore.Mutate"
	if d := t.manager.opts.MaxReadTime; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	for _, k := range t.order {
		ev := t.locks[k]
		entries, err := k.store.data.GetSlice(ctx, store.KeySliceQuery{
			Key: ev.key,
			SliceQuery: store.SliceQuery{
				Start: ev.column,
				End:   append(append([]byte(nil), ev.column...), 0),
				Limit: 1,
			},
		}, t.strong)
		if err != nil {
			return failure.Classify(op, err)
		}

		var actual []byte
		found := false
		if len(entries) > 0 && bytes.Equal(entries[0].Column, ev.column) {
			actual, found = entries[0].Value, true
		}
		switch {
		case ev.value == nil && found:
			return failure.NewPermanent(op, fmt.Sprintf("expected no value at %s in %s, found one", k.id, k.store.name), nil)
		case ev.value != nil && !found:
			return failure.NewPermanent(op, fmt.Sprintf("expected a value at %s in %s, found none", k.id, k.store.name), nil)
		case ev.value != nil && !bytes.Equal(ev.value, actual):
			return failure.NewPermanent(op, fmt.Sprintf("value at %s in %s changed", k.id, k.store.name), nil)
		}
	}
	return nil
}

// Commit deletes all locks and commits both sub-transactions.
func (t *Transaction) Commit() error {
	return t.finish(func(tx store.Tx) error { return tx.Commit() })
}

// Rollback deletes all locks and rolls back both sub-transactions.
func (t *Transaction) Rollback() error {
	return t.finish(func(tx store.Tx) error { return tx.Rollback() })
}

func (t *Transaction) finish(end func(store.Tx) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.NewError(store.RetCInvalidOperation, "transaction already finished")
	}
	t.done = true

	for _, s := range t.touched {
		if err := s.locker.DeleteLocks(context.Background(), t.strong); err != nil {
			log.Warningf("failed to delete locks of %s: %v", s.name, err)
		}
	}

	errDefault := end(t.inconsistent)
	errStrong := end(t.strong)
	if errDefault != nil {
		return errDefault
	}
	return errStrong
}
