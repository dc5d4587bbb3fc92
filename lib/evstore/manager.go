package evstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dClaim/lib/locking"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("evstore")

const DefaultLockStoreSuffix = "_lock_"

// LockerProvider builds the locker guarding one data store. lockStore is the store holding its lock rows.
type LockerProvider func(lockStore store.IStore) (locking.Locker, error)

// ConsistentKeyLockerProvider returns a provider creating a ConsistentKeyLocker per lock store.
// All lockers take their mediator from mediators, grouped by lock store name. Claims are written
// with a TTL if the manager supports cell TTLs. Store and Mediator of opts are ignored.
func ConsistentKeyLockerProvider(manager store.IStoreManager, mediators *locking.Mediators, opts locking.Options) LockerProvider {
	return func(lockStore store.IStore) (locking.Locker, error) {
		o := opts
		o.Store = lockStore
		o.Mediator = mediators.Get(lockStore.Name())
		o.WriteClaimTTL = o.WriteClaimTTL || manager.Features().CellTTL
		l, err := locking.NewConsistentKeyLocker(o)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// Options configures a Manager.
type Options struct {
	LockStoreSuffix string        // lock store name = data store name + suffix (default "_lock_")
	MaxReadTime     time.Duration // bound for expected value reads (0 = no bound beyond the caller context)
}

// Manager wraps a store manager. Stores opened through it support AcquireLock,
// transactions consist of a default and a key consistent sub-transaction.
type Manager struct {
	backing  store.IStoreManager
	provider LockerProvider
	opts     Options
	stores   *xsync.MapOf[string, *Store]
}

// NewManager wraps backing. The backing manager must support key consistent transactions.
func NewManager(backing store.IStoreManager, provider LockerProvider, opts Options) (*Manager, error) {
	if !backing.Features().KeyConsistent {
		return nil, store.NewError(store.RetCUnsupportedOperation, fmt.Sprintf("%s does not support key consistent transactions", backing.Name()))
	}
	if provider == nil {
		return nil, fmt.Errorf("evstore: locker provider is required")
	}
	if opts.LockStoreSuffix == "" {
		opts.LockStoreSuffix = DefaultLockStoreSuffix
	}
	return &Manager{
		backing:  backing,
		provider: provider,
		opts:     opts,
		stores:   xsync.NewMapOf[string, *Store](),
	}, nil
}

// --------------------------------------------------------------------------
// Manager Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (m *Manager) Name() string { return "ev(" + m.backing.Name() + ")" }

// OpenStore opens the data store name and its lock store.
func (m *Manager) OpenStore(name string) (store.IStore, error) {
	return m.openStore(name)
}

// OpenLockingStore is OpenStore returning the concrete type.
func (m *Manager) OpenLockingStore(name string) (*Store, error) {
	return m.openStore(name)
}

func (m *Manager) openStore(name string) (*Store, error) {
	var openErr error
	s, _ := m.stores.Compute(name, func(old *Store, loaded bool) (*Store, bool) {
		if loaded {
			return old, false
		}
		data, err := m.backing.OpenStore(name)
		if err != nil {
			openErr = err
			return nil, true
		}
		lockStore, err := m.backing.OpenStore(name + m.opts.LockStoreSuffix)
		if err != nil {
			openErr = err
			return nil, true
		}
		locker, err := m.provider(lockStore)
		if err != nil {
			openErr = err
			return nil, true
		}
		return &Store{name: name, data: data, locker: locker, manager: m}, false
	})
	if openErr != nil {
		return nil, openErr
	}
	return s, nil
}

// BeginTransaction opens the default sub-transaction with config and a key consistent sub-transaction.
func (m *Manager) BeginTransaction(ctx context.Context, config store.TxConfig) (store.Tx, error) {
	inconsistent, err := m.backing.BeginTransaction(ctx, config)
	if err != nil {
		return nil, err
	}
	strong, err := m.backing.BeginTransaction(ctx, store.TxConfig{Consistency: store.ConsistencyKey, Name: config.Name + "/strong"})
	if err != nil {
		_ = inconsistent.Rollback()
		return nil, err
	}
	return &Transaction{
		manager:      m,
		config:       config,
		inconsistent: inconsistent,
		strong:       strong,
		locks:        make(map[lockKey]*expectedValue),
	}, nil
}

// MutateMany applies mutations with the same lock checks and routing as Store.Mutate.
func (m *Manager) MutateMany(ctx context.Context, mutations map[string]map[string]store.Mutation, tx store.Tx) error {
	t, err := asTransaction(tx)
	if err != nil {
		return err
	}
	sub, err := t.prepareMutation(ctx)
	if err != nil {
		return err
	}
	return m.backing.MutateMany(ctx, mutations, sub)
}

func (m *Manager) Features() store.Features { return m.backing.Features() }

func (m *Manager) LocalKeyPartition() ([]store.KeyRange, error) { return m.backing.LocalKeyPartition() }

// Close closes the backing manager.
func (m *Manager) Close() error { return m.backing.Close() }
