package idauthority

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

const testWait = 10 * time.Millisecond

// hookManager lets tests intercept writes to the id store
type hookManager struct {
	store.IStoreManager

	mu      sync.Mutex
	mutates int
	before  func(n int, s store.IStore, key []byte, additions []store.Entry, tx store.Tx)
	after   func(n int)
}

func (m *hookManager) OpenStore(name string) (store.IStore, error) {
	s, err := m.IStoreManager.OpenStore(name)
	if err != nil {
		return nil, err
	}
	return &hookStore{IStore: s, manager: m}, nil
}

type hookStore struct {
	store.IStore
	manager *hookManager
}

func (s *hookStore) Mutate(ctx context.Context, key []byte, additions []store.Entry, deletions [][]byte, tx store.Tx) error {
	m := s.manager
	m.mu.Lock()
	m.mutates++
	n := m.mutates
	m.mu.Unlock()

	if m.before != nil {
		m.before(n, s.IStore, key, additions, tx)
	}
	if err := s.IStore.Mutate(ctx, key, additions, deletions, tx); err != nil {
		return err
	}
	if m.after != nil {
		m.after(n)
	}
	return nil
}

type fixture struct {
	times   *timestamp.ManualProvider
	manager *hookManager
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
	m := &hookManager{IStoreManager: lstore.NewLocalStoreManager(factory, &lstore.Options{Clock: times.Now})}
	t.Cleanup(func() { _ = m.Close() })
	return &fixture{times: times, manager: m}
}

func (f *fixture) authority(t *testing.T, rid string, modify ...func(*Options)) *Authority {
	t.Helper()
	opts := Options{
		Times:      f.times,
		RID:        []byte(rid),
		IDWait:     testWait,
		RetryCount: 5,
		BlockSizer: SimpleBlockSizer{Size: 10, UpperBound: 1 << 20},
	}
	for _, m := range modify {
		m(&opts)
	}
	a, err := NewAuthority(f.manager, opts)
	require.NoError(t, err)
	return a
}

// row reads the raw id row
func (f *fixture) row(t *testing.T, partition, namespace, tag uint32) []store.Entry {
	t.Helper()
	s, err := f.manager.IStoreManager.OpenStore(DefaultStoreName)
	require.NoError(t, err)
	tx, err := f.manager.BeginTransaction(context.Background(), store.TxConfig{Consistency: store.ConsistencyKey})
	require.NoError(t, err)
	entries, err := s.GetSlice(context.Background(), store.KeySliceQuery{Key: rowKey(partition, namespace, tag)}, tx)
	require.NoError(t, err)
	return entries
}
