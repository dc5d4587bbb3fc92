package lstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("lstore")

// managerImpl is a store manager whose stores are engines in this process
type managerImpl struct {
	name    string
	factory store.DBFactory
	stores  *xsync.MapOf[string, *storeImpl]
	clock   func() time.Time
	closed  atomic.Bool

	// features of the engines built by factory, known after the first OpenStore
	engine atomic.Pointer[engineFeatures]
}

type engineFeatures struct {
	cellTTL    bool
	persistent bool
}

// Options configures the local store manager
type Options struct {
	Name  string           // reported by Name(), e.g. "local(birch)"
	Clock func() time.Time // time source for TTL resolution (nil = time.Now)
}

// NewLocalStoreManager creates a store manager that creates one engine per store name with factory.
// This manager is not distributed and only works on a single node.
func NewLocalStoreManager(factory store.DBFactory, opts *Options) store.IStoreManager {
	m := &managerImpl{
		name:    "local",
		factory: factory,
		stores:  xsync.NewMapOf[string, *storeImpl](),
		clock:   time.Now,
	}
	if opts != nil {
		if opts.Name != "" {
			m.name = opts.Name
		}
		if opts.Clock != nil {
			m.clock = opts.Clock
		}
	}
	return m
}

// --------------------------------------------------------------------------
// Manager Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (m *managerImpl) Name() string { return m.name }

func (m *managerImpl) OpenStore(name string) (store.IStore, error) {
	if m.closed.Load() {
		return nil, store.NewError(store.RetCClosed, "store manager closed")
	}
	if name == "" {
		return nil, store.NewError(store.RetCInvalidOperation, "empty store name")
	}

	var openErr error
	s, _ := m.stores.Compute(name, func(old *storeImpl, loaded bool) (*storeImpl, bool) {
		if loaded {
			return old, false
		}
		engine, err := m.factory(name)
		if err != nil {
			openErr = err
			return nil, true
		}
		if !engine.SupportsFeature(db.FeatureMutate | db.FeatureGetSlice) {
			_ = engine.Close()
			openErr = fmt.Errorf("engine for store %q does not support Mutate and GetSlice", name)
			return nil, true
		}
		m.engine.CompareAndSwap(nil, &engineFeatures{
			cellTTL:    engine.SupportsFeature(db.FeatureCellTTL),
			persistent: engine.SupportsFeature(db.FeaturePersistent),
		})
		log.Infof("opened store %q (%s)", name, engine.GetInfo().DbType)
		return &storeImpl{name: name, db: engine, manager: m}, false
	})
	if openErr != nil {
		return nil, store.WrapError(store.RetCInternalError, openErr)
	}
	return s, nil
}

func (m *managerImpl) BeginTransaction(ctx context.Context, config store.TxConfig) (store.Tx, error) {
	if m.closed.Load() {
		return nil, store.NewError(store.RetCClosed, "store manager closed")
	}
	if err := store.CheckContext(ctx); err != nil {
		return nil, err
	}
	return store.NewBaseTx(config), nil
}

func (m *managerImpl) MutateMany(ctx context.Context, mutations map[string]map[string]store.Mutation, tx store.Tx) error {
	for storeName, rows := range mutations {
		s, err := m.OpenStore(storeName)
		if err != nil {
			return err
		}
		for key, mut := range rows {
			if err := s.Mutate(ctx, []byte(key), mut.Additions, mut.Deletions, tx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *managerImpl) Features() store.Features {
	f := store.Features{
		Ordered:           true,
		KeyConsistent:     true,
		LocalKeyPartition: true,
		MultiQuery:        true,
	}
	// engine features are only known once a store exists
	if e := m.engine.Load(); e != nil {
		f.CellTTL = e.cellTTL
		f.Persistent = e.persistent
	}
	return f
}

// LocalKeyPartition returns the whole key space, every key of a local store is local
func (m *managerImpl) LocalKeyPartition() ([]store.KeyRange, error) {
	return []store.KeyRange{{Start: []byte{}, End: nil}}, nil
}

func (m *managerImpl) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	m.stores.Range(func(name string, s *storeImpl) bool {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.stores.Delete(name)
		return true
	})
	return firstErr
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

type storeImpl struct {
	name    string
	db      db.KCVDB
	manager *managerImpl
}

// check validates the call before it reaches the engine
func (s *storeImpl) check(ctx context.Context, tx store.Tx) error {
	if s.manager.closed.Load() {
		return store.NewError(store.RetCClosed, "store manager closed")
	}
	if _, err := store.CheckTx(tx); err != nil {
		return err
	}
	return store.CheckContext(ctx)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Name() string { return s.name }

func (s *storeImpl) Mutate(ctx context.Context, key []byte, additions []store.Entry, deletions [][]byte, tx store.Tx) error {
	if err := s.check(ctx, tx); err != nil {
		return err
	}
	if len(key) == 0 {
		return store.NewError(store.RetCInvalidOperation, "empty row key")
	}
	if store.HasTTL(additions) && !s.db.SupportsFeature(db.FeatureCellTTL) {
		return store.NewError(store.RetCUnsupportedOperation, "cell TTL is not supported")
	}
	if err := s.db.Mutate(key, store.ToDBEntries(additions, s.manager.clock()), deletions); err != nil {
		return store.NewError(store.RetCInternalError, err.Error())
	}
	return nil
}

func (s *storeImpl) GetSlice(ctx context.Context, q store.KeySliceQuery, tx store.Tx) ([]store.Entry, error) {
	if err := s.check(ctx, tx); err != nil {
		return nil, err
	}
	entries, err := s.db.GetSlice(q.Key, q.Start, q.End, q.Limit)
	if err != nil {
		return nil, store.NewError(store.RetCInternalError, err.Error())
	}
	return store.FromDBEntries(entries, s.manager.clock()), nil
}

func (s *storeImpl) GetSlices(ctx context.Context, keys [][]byte, q store.SliceQuery, tx store.Tx) (map[string][]store.Entry, error) {
	out := make(map[string][]store.Entry, len(keys))
	for _, key := range keys {
		entries, err := s.GetSlice(ctx, store.KeySliceQuery{Key: key, SliceQuery: q}, tx)
		if err != nil {
			return nil, err
		}
		out[string(key)] = entries
	}
	return out, nil
}

// Close is a no-op, the engine is owned by the manager
func (s *storeImpl) Close() error { return nil }
