package locking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
	"github.com/ValentinKolb/dClaim/lib/db/engines/birch"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/ValentinKolb/dClaim/lib/store/lstore"
	"github.com/ValentinKolb/dClaim/lib/timestamp"
	"github.com/stretchr/testify/require"
)

const (
	testWait   = 10 * time.Millisecond
	testExpire = time.Second
)

type fixture struct {
	times     *timestamp.ManualProvider
	manager   store.IStoreManager
	store     store.IStore
	mediators *Mediators
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	times := timestamp.NewManualProvider(time.Unix(1_700_000_000, 0), time.Millisecond)
	factory := func(string) (db.KCVDB, error) {
		return birch.NewBirchDB(&birch.DBOptions{
			NumShards:  1,
			GCInterval: -1,
			Clock:      func() int64 { return times.Now().UnixNano() },
		}), nil
	}
	m := lstore.NewLocalStoreManager(factory, &lstore.Options{Name: "test", Clock: times.Now})
	s, err := m.OpenStore("locks")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return &fixture{times: times, manager: m, store: s, mediators: NewMediators(times)}
}

// locker creates a locker on its own mediator group, like a separate process would have
func (f *fixture) locker(t *testing.T, rid string, modify ...func(*Options)) *ConsistentKeyLocker {
	t.Helper()
	opts := Options{
		Store:      f.store,
		Mediator:   f.mediators.Get("group-" + rid),
		Times:      f.times,
		RID:        []byte(rid),
		LockWait:   testWait,
		LockExpire: testExpire,
		RetryCount: 3,
	}
	for _, m := range modify {
		m(&opts)
	}
	l, err := NewConsistentKeyLocker(opts)
	require.NoError(t, err)
	return l
}

func (f *fixture) tx(t *testing.T) store.Tx {
	t.Helper()
	tx, err := f.manager.BeginTransaction(context.Background(), store.TxConfig{Consistency: store.ConsistencyKey})
	require.NoError(t, err)
	return tx
}

// claims reads the raw claim row of id
func (f *fixture) claims(t *testing.T, id LockID) []store.Entry {
	t.Helper()
	entries, err := f.store.GetSlice(context.Background(), store.KeySliceQuery{Key: LockRow(id)}, f.tx(t))
	require.NoError(t, err)
	return entries
}

// --------------------------------------------------------------------------
// Fault injecting store
// --------------------------------------------------------------------------

type mutateCall struct {
	additions [][]byte
	deletions [][]byte
}

// faultyStore wraps a store and lets tests fail or slow down individual Mutate calls
type faultyStore struct {
	store.IStore

	mu      sync.Mutex
	mutates []mutateCall
	slices  int

	// before runs ahead of the n-th (1 based) Mutate, a non nil error is returned instead of writing
	before func(n int) error
	// after runs once the n-th Mutate was applied
	after func(n int)
}

func (s *faultyStore) Mutate(ctx context.Context, key []byte, additions []store.Entry, deletions [][]byte, tx store.Tx) error {
	s.mu.Lock()
	call := mutateCall{deletions: deletions}
	for _, a := range additions {
		call.additions = append(call.additions, a.Column)
	}
	s.mutates = append(s.mutates, call)
	n := len(s.mutates)
	s.mu.Unlock()

	if s.before != nil {
		if err := s.before(n); err != nil {
			return err
		}
	}
	if err := s.IStore.Mutate(ctx, key, additions, deletions, tx); err != nil {
		return err
	}
	if s.after != nil {
		s.after(n)
	}
	return nil
}

func (s *faultyStore) GetSlice(ctx context.Context, q store.KeySliceQuery, tx store.Tx) ([]store.Entry, error) {
	s.mu.Lock()
	s.slices++
	s.mu.Unlock()
	return s.IStore.GetSlice(ctx, q, tx)
}

func (s *faultyStore) calls() []mutateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mutateCall(nil), s.mutates...)
}

func (s *faultyStore) sliceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slices
}
