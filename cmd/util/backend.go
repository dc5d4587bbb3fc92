package util

import (
	"context"
	"crypto/rand"
	"fmt"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dClaim/lib/common"
	"github.com/ValentinKolb/dClaim/lib/db"
	"github.com/ValentinKolb/dClaim/lib/db/engines/birch"
	"github.com/ValentinKolb/dClaim/lib/db/engines/pebbledb"
	"github.com/ValentinKolb/dClaim/lib/evstore"
	"github.com/ValentinKolb/dClaim/lib/idauthority"
	"github.com/ValentinKolb/dClaim/lib/locking"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/ValentinKolb/dClaim/lib/store/dstore"
	"github.com/ValentinKolb/dClaim/lib/store/lstore"
	"github.com/ValentinKolb/dClaim/lib/timestamp"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("cli")

const (
	// LockStoreName is the store holding the lock rows of the lock commands
	LockStoreName = "locks"

	ridLength = 16
)

// Backend bundles the store manager and the shared pieces the commands build lockers and
// authorities from.
type Backend struct {
	Config    common.Config
	Manager   store.IStoreManager
	Times     timestamp.Provider
	Mediators *locking.Mediators

	nodeHost *dragonboat.NodeHost
	cleaners []*locking.Cleaner
}

// OpenBackend creates the store manager described by conf.
// For the raft backend this starts a NodeHost and waits until the shard has a leader.
func OpenBackend(ctx context.Context, conf common.Config) (*Backend, error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	unit, err := timestamp.ParseUnit(conf.TimestampUnit)
	if err != nil {
		return nil, err
	}
	times := timestamp.NewProvider(unit)
	b := &Backend{
		Config:    conf,
		Times:     times,
		Mediators: locking.NewMediators(times),
	}

	switch conf.Store.Backend {
	case common.BackendLocal:
		b.Manager = lstore.NewLocalStoreManager(dbFactory(conf), &lstore.Options{
			Name: fmt.Sprintf("local(%s)", conf.Store.Engine),
		})
		Logger.Infof("created local store manager (engine=%s)", conf.Store.Engine)

	case common.BackendRaft:
		nh, err := dragonboat.NewNodeHost(conf.ToNodeHostConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create node host: %w", err)
		}

		// replicas keep their engines in memory and recover from snapshots and the raft log
		factory := dstore.CreateStateMachineFactory(func(string) (db.KCVDB, error) {
			return birch.NewBirchDB(nil), nil
		})
		if err := nh.StartConcurrentReplica(conf.Raft.ClusterMembers, false, factory, conf.ToDragonboatConfig(conf.Raft.ShardID)); err != nil {
			nh.Close()
			return nil, fmt.Errorf("failed to start shard %d: %w", conf.Raft.ShardID, err)
		}
		if err := waitForLeader(ctx, nh, conf.Raft.ShardID); err != nil {
			nh.Close()
			return nil, err
		}

		b.nodeHost = nh
		b.Manager = dstore.NewDistributedStoreManager(nh, conf.Raft.ShardID, conf.Raft.Timeout)
		Logger.Infof("created distributed store manager (shard=%d)", conf.Raft.ShardID)

	default:
		return nil, fmt.Errorf("invalid backend %q", conf.Store.Backend)
	}
	return b, nil
}

// dbFactory returns the engine factory of the local backend
func dbFactory(conf common.Config) store.DBFactory {
	if conf.Store.Engine == common.EnginePebble {
		return func(name string) (db.KCVDB, error) {
			return pebbledb.NewPebbleDB(pebbledb.DefaultOptions(filepath.Join(conf.Store.DataDir, name)))
		}
	}
	return func(string) (db.KCVDB, error) { return birch.NewBirchDB(nil), nil }
}

// waitForLeader blocks until the shard elected a leader
func waitForLeader(ctx context.Context, nh *dragonboat.NodeHost, shardID uint64) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, _, ok, err := nh.GetLeaderID(shardID); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("shard %d has no leader: %w", shardID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// RID returns the configured writer identity or a fresh random one
func (b *Backend) RID() ([]byte, error) {
	rid, err := b.Config.RIDBytes()
	if err != nil || rid != nil {
		return rid, err
	}
	return RandomRID()
}

// RandomRID creates a random writer identity
func RandomRID() ([]byte, error) {
	rid := make([]byte, ridLength)
	if _, err := rand.Read(rid); err != nil {
		return nil, fmt.Errorf("failed to generate rid: %w", err)
	}
	return rid, nil
}

// NewLocker creates a consistent key locker on the store storeName
func (b *Backend) NewLocker(storeName string, rid []byte) (*locking.ConsistentKeyLocker, error) {
	lockStore, err := b.Manager.OpenStore(storeName)
	if err != nil {
		return nil, err
	}
	return b.newLocker(lockStore, rid)
}

// LockerProvider returns an evstore locker provider that builds lockers like NewLocker
func (b *Backend) LockerProvider(rid []byte) evstore.LockerProvider {
	return func(lockStore store.IStore) (locking.Locker, error) {
		return b.newLocker(lockStore, rid)
	}
}

func (b *Backend) newLocker(lockStore store.IStore, rid []byte) (*locking.ConsistentKeyLocker, error) {
	var cleaner *locking.Cleaner
	if b.Config.Lock.Clean {
		cleaner = locking.NewCleaner(b.Manager, lockStore, b.Config.Lock.Timeout)
		b.cleaners = append(b.cleaners, cleaner)
	}

	return locking.NewConsistentKeyLocker(locking.Options{
		Store:         lockStore,
		Mediator:      b.Mediators.Get(lockStore.Name()),
		Times:         b.Times,
		RID:           rid,
		LockWait:      b.Config.Lock.Wait,
		LockExpire:    b.Config.Lock.Expire,
		RetryCount:    b.Config.Lock.Retries,
		Cleaner:       cleaner,
		WriteClaimTTL: b.Manager.Features().CellTTL,
	})
}

// NewAuthority creates an id block authority writing with rid
func (b *Backend) NewAuthority(rid []byte) (*idauthority.Authority, error) {
	ca, err := b.Config.ConflictAvoidance()
	if err != nil {
		return nil, err
	}
	return idauthority.NewAuthority(b.Manager, idauthority.Options{
		Times:             b.Times,
		RID:               rid,
		IDWait:            b.Config.ID.Wait,
		RetryCount:        b.Config.ID.Retries,
		ConflictAvoidance: ca,
		BlockSizer: idauthority.SimpleBlockSizer{
			Size:       b.Config.ID.BlockSize,
			UpperBound: b.Config.ID.UpperBound,
		},
	})
}

// Close stops the cleaners, the store manager and the NodeHost
func (b *Backend) Close() error {
	for _, c := range b.cleaners {
		c.Close()
	}
	err := b.Manager.Close()
	if b.nodeHost != nil {
		b.nodeHost.Close()
	}
	return err
}
