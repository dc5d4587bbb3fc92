package dstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/ValentinKolb/dClaim/lib/store/dstore/internal"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	retries = 5
	log     = logger.GetLogger("dstore")
)

// managerImpl is the concrete implementation of a distributed store manager.
// It encapsulates a Dragonboat NodeHost which is used to communicate with the state machine.
type managerImpl struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
	stores  *xsync.MapOf[string, *storeImpl]
	clock   func() time.Time
	closed  atomic.Bool
}

// NewDistributedStoreManager creates a store manager whose stores live in the state machine of
// one raft shard. Writes are proposed and applied by every replica, reads in a ConsistencyKey
// transaction are linearizable (SyncRead), default reads are served locally (StaleRead).
func NewDistributedStoreManager(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) store.IStoreManager {
	return &managerImpl{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
		stores:  xsync.NewMapOf[string, *storeImpl](),
		clock:   time.Now,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// toStoreError maps dragonboat errors onto store return codes
func toStoreError(err error) error {
	var se *store.Error
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, dragonboat.ErrTimeout),
		errors.Is(err, dragonboat.ErrShardNotReady),
		errors.Is(err, dragonboat.ErrSystemBusy),
		errors.Is(err, context.DeadlineExceeded):
		return store.WrapError(store.RetCTemporaryFailure, err)
	case errors.Is(err, dragonboat.ErrClosed):
		return store.WrapError(store.RetCClosed, err)
	default:
		return store.WrapError(store.RetCInternalError, err)
	}
}

// write serializes a Command and sends it via SyncPropose.
// If the proposal fails due to a system busy error, the function retries up to 5 times.
func (m *managerImpl) write(ctx context.Context, cmd internal.Command) error {
	data := cmd.Serialize()
	for i := 0; i < retries; i++ {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		res, err := m.nh.SyncPropose(pctx, m.cs, data)
		cancel()

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(m.timeout / 10)
			continue
		}

		if err != nil {
			return toStoreError(err)
		}
		if res.Value != uint64(store.RetCSuccess) {
			return store.NewError(store.RetCode(res.Value), string(res.Data))
		}
		return nil
	}
	return store.NewError(store.RetCTemporaryFailure, "system busy")
}

// read is a generic helper function that queries the state machine
// and attempts to convert the response into the expected type R.
//
// Key consistent reads use SyncRead (dragonboat), default reads use the faster StaleRead.
// Is the read operation fails due to a system busy error, the function retries up to 5 times.
func read[R any](ctx context.Context, m *managerImpl, q internal.Query, consistency store.Consistency) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {

		var res interface{}
		var err error

		if consistency == store.ConsistencyKey {
			rctx, cancel := context.WithTimeout(ctx, m.timeout)
			res, err = m.nh.SyncRead(rctx, m.shardID, q)
			cancel()
		} else {
			res, err = m.nh.StaleRead(m.shardID, q)
		}

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(m.timeout / 10)
			continue
		}

		if err != nil {
			return zero, toStoreError(err)
		}

		// The state machine is expected to return the response in the expected type R.
		casted, ok := res.(R)
		if !ok {
			return zero, store.NewError(store.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, store.NewError(store.RetCTemporaryFailure, "system busy")
}

// check validates the call before anything is sent to the shard
func (m *managerImpl) check(ctx context.Context, tx store.Tx) (store.Consistency, error) {
	if m.closed.Load() {
		return 0, store.NewError(store.RetCClosed, "store manager closed")
	}
	c, err := store.CheckTx(tx)
	if err != nil {
		return 0, err
	}
	return c, store.CheckContext(ctx)
}

// --------------------------------------------------------------------------
// Manager Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (m *managerImpl) Name() string { return fmt.Sprintf("distributed(shard=%d)", m.shardID) }

func (m *managerImpl) OpenStore(name string) (store.IStore, error) {
	if m.closed.Load() {
		return nil, store.NewError(store.RetCClosed, "store manager closed")
	}
	if name == "" {
		return nil, store.NewError(store.RetCInvalidOperation, "empty store name")
	}
	s, _ := m.stores.LoadOrStore(name, &storeImpl{name: name, manager: m})
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

// MutateMany proposes all rows as one batch command
func (m *managerImpl) MutateMany(ctx context.Context, mutations map[string]map[string]store.Mutation, tx store.Tx) error {
	if _, err := m.check(ctx, tx); err != nil {
		return err
	}
	now := m.clock()
	cmd := internal.Command{Type: internal.CommandTBatch}
	for storeName, rows := range mutations {
		for key, mut := range rows {
			if key == "" {
				return store.NewError(store.RetCInvalidOperation, "empty row key")
			}
			cmd.Rows = append(cmd.Rows, internal.RowMutation{
				Store:     storeName,
				Key:       []byte(key),
				Additions: store.ToDBEntries(mut.Additions, now),
				Deletions: mut.Deletions,
			})
		}
	}
	if len(cmd.Rows) == 0 {
		return nil
	}
	return m.write(ctx, cmd)
}

func (m *managerImpl) Features() store.Features {
	return store.Features{
		Ordered:       true,
		KeyConsistent: true,
		MultiQuery:    true,
		CellTTL:       true,
		Persistent:    true,
		Distributed:   true,
	}
}

func (m *managerImpl) LocalKeyPartition() ([]store.KeyRange, error) {
	return nil, store.NewError(store.RetCUnsupportedOperation, "keys are not partitioned across replicas")
}

// Close marks the manager closed, the NodeHost is owned by the caller
func (m *managerImpl) Close() error {
	m.closed.Store(true)
	return nil
}

// GetDBInfo returns the engine info of a store on this replica (stale)
func (m *managerImpl) GetDBInfo(storeName string) (db.DatabaseInfo, error) {
	return read[db.DatabaseInfo](context.Background(), m, internal.Query{
		Type:  internal.QueryTGetDBInfo,
		Store: storeName,
	}, store.ConsistencyDefault)
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

type storeImpl struct {
	name    string
	manager *managerImpl
}

func (s *storeImpl) Name() string { return s.name }

func (s *storeImpl) Mutate(ctx context.Context, key []byte, additions []store.Entry, deletions [][]byte, tx store.Tx) error {
	if _, err := s.manager.check(ctx, tx); err != nil {
		return err
	}
	if len(key) == 0 {
		return store.NewError(store.RetCInvalidOperation, "empty row key")
	}
	return s.manager.write(ctx, internal.Command{
		Type: internal.CommandTMutate,
		Rows: []internal.RowMutation{{
			Store:     s.name,
			Key:       key,
			Additions: store.ToDBEntries(additions, s.manager.clock()),
			Deletions: deletions,
		}},
	})
}

func (s *storeImpl) GetSlice(ctx context.Context, q store.KeySliceQuery, tx store.Tx) ([]store.Entry, error) {
	c, err := s.manager.check(ctx, tx)
	if err != nil {
		return nil, err
	}
	entries, err := read[[]db.Entry](ctx, s.manager, internal.Query{
		Type:  internal.QueryTSlice,
		Store: s.name,
		Keys:  [][]byte{q.Key},
		Start: q.Start,
		End:   q.End,
		Limit: q.Limit,
	}, c)
	if err != nil {
		return nil, err
	}
	return store.FromDBEntries(entries, s.manager.clock()), nil
}

func (s *storeImpl) GetSlices(ctx context.Context, keys [][]byte, q store.SliceQuery, tx store.Tx) (map[string][]store.Entry, error) {
	c, err := s.manager.check(ctx, tx)
	if err != nil {
		return nil, err
	}
	res, err := read[map[string][]db.Entry](ctx, s.manager, internal.Query{
		Type:  internal.QueryTMultiSlice,
		Store: s.name,
		Keys:  keys,
		Start: q.Start,
		End:   q.End,
		Limit: q.Limit,
	}, c)
	if err != nil {
		return nil, err
	}
	now := s.manager.clock()
	out := make(map[string][]store.Entry, len(res))
	for k, entries := range res {
		out[k] = store.FromDBEntries(entries, now)
	}
	return out, nil
}

// Close is a no-op, the data lives in the shard
func (s *storeImpl) Close() error { return nil }
