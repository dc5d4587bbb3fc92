package evstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
	"github.com/ValentinKolb/dClaim/lib/db/engines/birch"
	"github.com/ValentinKolb/dClaim/lib/failure"
	"github.com/ValentinKolb/dClaim/lib/locking"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/ValentinKolb/dClaim/lib/store/lstore"
	"github.com/ValentinKolb/dClaim/lib/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	k1 = []byte("K1")
	c1 = []byte("C1")
	v1 = []byte("V1")
	v2 = []byte("V2")
)

// recordingManager records which transaction every write received
type recordingManager struct {
	store.IStoreManager
	features *store.Features

	mu    sync.Mutex
	calls []recordedCall
}

type recordedCall struct {
	store string
	tx    store.Tx
}

func (m *recordingManager) record(name string, tx store.Tx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, recordedCall{store: name, tx: tx})
}

func (m *recordingManager) writesTo(name string) []store.Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Tx
	for _, c := range m.calls {
		if c.store == name {
			out = append(out, c.tx)
		}
	}
	return out
}

func (m *recordingManager) OpenStore(name string) (store.IStore, error) {
	s, err := m.IStoreManager.OpenStore(name)
	if err != nil {
		return nil, err
	}
	return &recordingStore{IStore: s, manager: m}, nil
}

func (m *recordingManager) MutateMany(ctx context.Context, mutations map[string]map[string]store.Mutation, tx store.Tx) error {
	for name := range mutations {
		m.record(name, tx)
	}
	return m.IStoreManager.MutateMany(ctx, mutations, tx)
}

func (m *recordingManager) Features() store.Features {
	if m.features != nil {
		return *m.features
	}
	return m.IStoreManager.Features()
}

type recordingStore struct {
	store.IStore
	manager *recordingManager
}

func (s *recordingStore) Mutate(ctx context.Context, key []byte, additions []store.Entry, deletions [][]byte, tx store.Tx) error {
	s.manager.record(s.Name(), tx)
	return s.IStore.Mutate(ctx, key, additions, deletions, tx)
}

type fixture struct {
	backing *recordingManager
	manager *Manager
	store   *Store
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
	backing := &recordingManager{IStoreManager: lstore.NewLocalStoreManager(factory, &lstore.Options{Clock: times.Now})}
	provider := ConsistentKeyLockerProvider(backing, locking.NewMediators(times), locking.Options{
		Times:      times,
		RID:        []byte("test-rid"),
		LockWait:   10 * time.Millisecond,
		LockExpire: time.Second,
	})
	m, err := NewManager(backing, provider, Options{MaxReadTime: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	s, err := m.OpenLockingStore("data")
	require.NoError(t, err)
	return &fixture{backing: backing, manager: m, store: s}
}

func (f *fixture) begin(t *testing.T) *Transaction {
	t.Helper()
	tx, err := f.manager.BeginTransaction(context.Background(), store.TxConfig{Name: t.Name()})
	require.NoError(t, err)
	return tx.(*Transaction)
}

func (f *fixture) value(t *testing.T, key, column []byte) []byte {
	t.Helper()
	tx := f.begin(t)
	defer tx.Rollback()
	entries, err := f.store.GetSlice(context.Background(), store.KeySliceQuery{Key: key}, tx)
	require.NoError(t, err)
	for _, e := range entries {
		if string(e.Column) == string(column) {
			return e.Value
		}
	}
	return nil
}

func set(column, value []byte) []store.Entry {
	return []store.Entry{{Column: column, Value: value}}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestExpectedValueGating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx1 := f.begin(t)
	require.NoError(t, f.store.AcquireLock(ctx, k1, c1, nil, tx1))
	require.NoError(t, f.store.Mutate(ctx, k1, set(c1, v1), nil, tx1))
	require.NoError(t, tx1.Commit())
	assert.Equal(t, v1, f.value(t, k1, c1))

	tx2 := f.begin(t)
	require.NoError(t, f.store.AcquireLock(ctx, k1, c1, v1, tx2))
	require.NoError(t, f.store.Mutate(ctx, k1, set(c1, v2), nil, tx2))
	require.NoError(t, tx2.Commit())
	assert.Equal(t, v2, f.value(t, k1, c1))

	tx3 := f.begin(t)
	require.NoError(t, f.store.AcquireLock(ctx, k1, c1, v1, tx3))
	err := f.store.Mutate(ctx, k1, set(c1, []byte("V3")), nil, tx3)
	require.Error(t, err)
	assert.True(t, failure.IsPermanent(err))
	require.NoError(t, tx3.Rollback())
	assert.Equal(t, v2, f.value(t, k1, c1), "failed guarded write must not be applied")
}

func TestExpectedAbsentButPresent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx := f.begin(t)
	require.NoError(t, f.store.Mutate(ctx, k1, set(c1, v1), nil, tx))
	require.NoError(t, tx.Commit())

	tx = f.begin(t)
	require.NoError(t, f.store.AcquireLock(ctx, k1, c1, nil, tx))
	err := f.store.Mutate(ctx, k1, set(c1, v2), nil, tx)
	assert.True(t, failure.IsPermanent(err))
	require.NoError(t, tx.Rollback())
}

func TestExpectedPresentButAbsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx := f.begin(t)
	require.NoError(t, f.store.AcquireLock(ctx, k1, c1, v1, tx))
	err := f.store.Mutate(ctx, k1, set(c1, v2), nil, tx)
	assert.True(t, failure.IsPermanent(err))
	require.NoError(t, tx.Rollback())
}

func TestEmptyExpectedValueIsNotAbsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx := f.begin(t)
	require.NoError(t, f.store.Mutate(ctx, k1, set(c1, []byte{}), nil, tx))
	require.NoError(t, tx.Commit())

	tx = f.begin(t)
	require.NoError(t, f.store.AcquireLock(ctx, k1, c1, []byte{}, tx))
	require.NoError(t, f.store.Mutate(ctx, k1, set(c1, v1), nil, tx))
	require.NoError(t, tx.Commit())
}

func TestRoutingWithoutLocksUsesDefaultTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx := f.begin(t)
	require.NoError(t, f.store.Mutate(ctx, k1, set(c1, v1), nil, tx))
	writes := f.backing.writesTo("data")
	require.Len(t, writes, 1)
	assert.Same(t, tx.Default(), writes[0])
	assert.NotSame(t, tx.Strong(), writes[0])
	assert.Empty(t, f.backing.writesTo("data"+DefaultLockStoreSuffix))
	require.NoError(t, tx.Commit())
}

func TestRoutingWithLocksUsesStrongTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx := f.begin(t)
	require.NoError(t, f.store.AcquireLock(ctx, k1, c1, nil, tx))
	require.NoError(t, f.store.Mutate(ctx, k1, set(c1, v1), nil, tx))

	writes := f.backing.writesTo("data")
	require.Len(t, writes, 1)
	assert.Same(t, tx.Strong(), writes[0])

	claims := f.backing.writesTo("data" + DefaultLockStoreSuffix)
	require.NotEmpty(t, claims)
	for _, c := range claims {
		assert.Same(t, tx.Strong(), c, "claims are written through the key consistent transaction")
	}
	assert.Equal(t, store.ConsistencyKey, tx.Strong().Config().Consistency)
	require.NoError(t, tx.Commit())
}

func TestMutateManyRouting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	muts := map[string]map[string]store.Mutation{"data": {"K2": {Additions: set(c1, v1)}}}

	tx := f.begin(t)
	require.NoError(t, f.manager.MutateMany(ctx, muts, tx))
	require.NoError(t, tx.Commit())

	tx2 := f.begin(t)
	require.NoError(t, f.store.AcquireLock(ctx, []byte("K2"), c1, v1, tx2))
	require.NoError(t, f.manager.MutateMany(ctx, map[string]map[string]store.Mutation{"data": {"K2": {Additions: set(c1, v2)}}}, tx2))
	require.NoError(t, tx2.Commit())

	writes := f.backing.writesTo("data")
	require.Len(t, writes, 2)
	assert.Same(t, tx.Default(), writes[0])
	assert.Same(t, tx2.Strong(), writes[1])
	assert.Equal(t, v2, f.value(t, []byte("K2"), c1))
}

func TestAcquireLockAfterMutationFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx := f.begin(t)
	require.NoError(t, f.store.Mutate(ctx, k1, set(c1, v1), nil, tx))
	err := f.store.AcquireLock(ctx, k1, c1, v1, tx)
	require.Error(t, err)
	assert.True(t, failure.IsPermanent(err))
	require.NoError(t, tx.Rollback())
}

func TestCommitReleasesLocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx1, tx2 := f.begin(t), f.begin(t)
	require.NoError(t, f.store.AcquireLock(ctx, k1, c1, nil, tx1))

	err := f.store.AcquireLock(ctx, k1, c1, nil, tx2)
	require.Error(t, err, "same process contention is refused locally")
	assert.True(t, failure.IsTemporary(err))

	require.NoError(t, tx1.Commit())

	lockStore, err := f.manager.backing.OpenStore("data" + DefaultLockStoreSuffix)
	require.NoError(t, err)
	check := f.begin(t)
	claims, err := lockStore.GetSlice(ctx, store.KeySliceQuery{Key: locking.LockRow(locking.NewLockID(k1, c1))}, check.Strong())
	require.NoError(t, err)
	assert.Empty(t, claims)
	require.NoError(t, check.Rollback())

	require.NoError(t, f.store.AcquireLock(ctx, k1, c1, nil, tx2))
	require.NoError(t, tx2.Rollback())
}

func TestFinishedTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx := f.begin(t)
	require.NoError(t, tx.Commit())
	assert.Error(t, tx.Commit())
	assert.Error(t, tx.Rollback())
	assert.Error(t, f.store.Mutate(ctx, k1, set(c1, v1), nil, tx))
	assert.Error(t, f.store.AcquireLock(ctx, k1, c1, nil, tx))
	_, err := f.store.GetSlice(ctx, store.KeySliceQuery{Key: k1}, tx)
	assert.Error(t, err)
}

func TestExpiredDeadlineIsTimeout(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	_, err := f.manager.BeginTransaction(ctx, store.TxConfig{})
	require.Error(t, err)
	assert.True(t, failure.IsTimeout(err), "begin: %v", err)

	tx := f.begin(t)
	defer tx.Rollback()
	err = f.store.Mutate(ctx, k1, set(c1, v1), nil, tx)
	require.Error(t, err)
	assert.True(t, failure.IsTimeout(err), "mutate: %v", err)
	assert.True(t, failure.IsTemporary(err))
}

func TestForeignTransactionRejected(t *testing.T) {
	f := newFixture(t)
	err := f.store.Mutate(context.Background(), k1, set(c1, v1), nil, store.NewBaseTx(store.TxConfig{}))
	require.Error(t, err)
	var se *store.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, store.RetCInvalidOperation, se.Code)
}

func TestNewManagerNeedsKeyConsistency(t *testing.T) {
	backing := &recordingManager{
		IStoreManager: lstore.NewLocalStoreManager(func(string) (db.KCVDB, error) { return birch.NewBirchDB(nil), nil }, nil),
		features:      &store.Features{Ordered: true},
	}
	defer backing.Close()
	_, err := NewManager(backing, func(store.IStore) (locking.Locker, error) { return nil, nil }, Options{})
	assert.Error(t, err)
}
