package evstore

import (
	"context"

	"github.com/ValentinKolb/dClaim/lib/locking"
	"github.com/ValentinKolb/dClaim/lib/store"
)

// Store is a data store whose coordinates can be locked with an expected value.
type Store struct {
	name    string
	data    store.IStore
	locker  locking.Locker
	manager *Manager
}

func (s *Store) Name() string { return s.name }

// AcquireLock locks (key, column) in tx and records the value the caller expects there.
// A nil expected value means the cell must not exist. The lock is verified, and the value
// compared, before the first mutation of tx. The first expected value recorded for a
// coordinate is kept.
func (s *Store) AcquireLock(ctx context.Context, key, column, expected []byte, tx store.Tx) error {
	t, err := asTransaction(tx)
	if err != nil {
		return err
	}
	return t.acquireLock(ctx, s, key, column, expected)
}

// Mutate writes through the default sub-transaction if tx holds no locks. Otherwise all locks are checked,
// the expected values compared and the write goes through the key consistent sub-transaction.
func (s *Store) Mutate(ctx context.Context, key []byte, additions []store.Entry, deletions [][]byte, tx store.Tx) error {
	t, err := asTransaction(tx)
	if err != nil {
		return err
	}
	sub, err := t.prepareMutation(ctx)
	if err != nil {
		return err
	}
	return s.data.Mutate(ctx, key, additions, deletions, sub)
}

func (s *Store) GetSlice(ctx context.Context, q store.KeySliceQuery, tx store.Tx) ([]store.Entry, error) {
	t, err := asTransaction(tx)
	if err != nil {
		return nil, err
	}
	return s.data.GetSlice(ctx, q, t.inconsistent)
}

func (s *Store) GetSlices(ctx context.Context, keys [][]byte, q store.SliceQuery, tx store.Tx) (map[string][]store.Entry, error) {
	t, err := asTransaction(tx)
	if err != nil {
		return nil, err
	}
	return s.data.GetSlices(ctx, keys, q, t.inconsistent)
}

// Close is a no-op, the stores are owned by the backing manager
func (s *Store) Close() error { return nil }
