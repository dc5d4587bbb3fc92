package dstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/ValentinKolb/dClaim/lib/store/dstore/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// ColumnStateMachine is a Dragonboat state machine holding every store of a shard.
// Each store is one db.KCVDB created on first write by the factory.
type ColumnStateMachine struct {
	replicaID uint64
	shardID   uint64
	factory   store.DBFactory
	stores    *xsync.MapOf[string, db.KCVDB]
}

// CreateStateMachineFactory returns a function that can be used by dragonboat to create a new state machine for a node host.
// The factory pattern is used to enable the caller to pass an interchangeable dbFactory.
func CreateStateMachineFactory(dbFactory store.DBFactory) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return NewColumnStateMachine(shardID, replicaID, dbFactory)
	}
}

// NewColumnStateMachine creates an empty state machine
func NewColumnStateMachine(shardID, replicaID uint64, dbFactory store.DBFactory) *ColumnStateMachine {
	return &ColumnStateMachine{
		replicaID: replicaID,
		shardID:   shardID,
		factory:   dbFactory,
		stores:    xsync.NewMapOf[string, db.KCVDB](),
	}
}

// engine returns the engine of a store, creating it if create is set
func (fsm *ColumnStateMachine) engine(name string, create bool) (db.KCVDB, error) {
	if e, ok := fsm.stores.Load(name); ok || !create {
		return e, nil
	}
	var openErr error
	e, _ := fsm.stores.Compute(name, func(old db.KCVDB, loaded bool) (db.KCVDB, bool) {
		if loaded {
			return old, false
		}
		created, err := fsm.factory(name)
		if err != nil {
			openErr = err
			return nil, true
		}
		return created, false
	})
	return e, openErr
}

// Lookup handles read-only queries
func (fsm *ColumnStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	e, err := fsm.engine(q.Store, false)
	if err != nil {
		return nil, store.NewError(store.RetCInternalError, err.Error())
	}

	switch q.Type {
	case internal.QueryTSlice:
		if len(q.Keys) != 1 {
			return nil, store.NewError(store.RetCInvalidOperation, "slice query needs exactly one key")
		}
		if e == nil {
			return []db.Entry(nil), nil
		}
		entries, err := e.GetSlice(q.Keys[0], q.Start, q.End, q.Limit)
		if err != nil {
			return nil, store.NewError(store.RetCInternalError, err.Error())
		}
		return entries, nil
	case internal.QueryTMultiSlice:
		out := make(map[string][]db.Entry, len(q.Keys))
		for _, key := range q.Keys {
			if e == nil {
				out[string(key)] = nil
				continue
			}
			entries, err := e.GetSlice(key, q.Start, q.End, q.Limit)
			if err != nil {
				return nil, store.NewError(store.RetCInternalError, err.Error())
			}
			out[string(key)] = entries
		}
		return out, nil
	case internal.QueryTGetDBInfo:
		if e == nil {
			return db.DatabaseInfo{}, nil
		}
		return e.GetInfo(), nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update applies write commands. Every entry gets a result, a failed row does not stop the batch.
func (fsm *ColumnStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()

	for idx, e := range entries {
		entries[idx].Result = fsm.apply(e.Cmd)
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("state machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

func (fsm *ColumnStateMachine) apply(data []byte) sm.Result {
	if len(data) == 0 {
		return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("empty command ignored")}
	}
	cmd := internal.Command{}
	if err := cmd.Deserialize(data); err != nil {
		return sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
	}
	feat, err := cmd.Type.ToDBFeature()
	if err != nil {
		return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte(fmt.Sprintf("unknown Command operation: %s", cmd.Type))}
	}

	for _, row := range cmd.Rows {
		e, err := fsm.engine(row.Store, true)
		if err != nil {
			return sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(err.Error())}
		}
		if !e.SupportsFeature(feat) {
			return sm.Result{Value: uint64(store.RetCUnsupportedOperation), Data: []byte(fmt.Sprintf("%s operation is not supported", cmd.Type))}
		}
		if err := e.Mutate(row.Key, row.Additions, row.Deletions); err != nil {
			return sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(err.Error())}
		}
	}
	return sm.Result{Value: uint64(store.RetCSuccess), Data: []byte(fmt.Sprintf("%s: %d rows", cmd.Type, len(cmd.Rows)))}
}

// PrepareSnapshot returns the store names to include, the engine snapshots themselves are fuzzy
func (fsm *ColumnStateMachine) PrepareSnapshot() (interface{}, error) {
	var names []string
	fsm.stores.Range(func(name string, _ db.KCVDB) bool {
		names = append(names, name)
		return true
	})
	return names, nil
}

// SaveSnapshot writes every store as: name length (uint16), name, blob length (uint64), blob
func (fsm *ColumnStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, done <-chan struct{}) error {
	names, _ := ctx.([]string)
	if err := binary.Write(writer, binary.BigEndian, uint32(len(names))); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, name := range names {
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}
		e, _ := fsm.stores.Load(name)
		if e == nil || !e.SupportsFeature(db.FeatureSave) {
			return fmt.Errorf("store %q does not support Save() operations", name)
		}
		buf.Reset()
		if err := e.Save(&buf); err != nil {
			return fmt.Errorf("save store %q: %w", name, err)
		}
		if err := binary.Write(writer, binary.BigEndian, uint16(len(name))); err != nil {
			return err
		}
		if _, err := io.WriteString(writer, name); err != nil {
			return err
		}
		if err := binary.Write(writer, binary.BigEndian, uint64(buf.Len())); err != nil {
			return err
		}
		if _, err := writer.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// RecoverFromSnapshot replaces every store with its snapshot content. Stores missing from the snapshot are dropped.
func (fsm *ColumnStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, done <-chan struct{}) error {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return err
	}
	seen := make(map[string]bool, count)
	for i := uint32(0); i < count; i++ {
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}
		var nameLen uint16
		if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
			return err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return err
		}
		var blobLen uint64
		if err := binary.Read(r, binary.BigEndian, &blobLen); err != nil {
			return err
		}
		e, err := fsm.engine(string(name), true)
		if err != nil {
			return err
		}
		if !e.SupportsFeature(db.FeatureLoad) {
			return fmt.Errorf("store %q does not support Load() operations", name)
		}
		if err := e.Load(io.LimitReader(r, int64(blobLen))); err != nil {
			return fmt.Errorf("load store %q: %w", name, err)
		}
		seen[string(name)] = true
	}

	fsm.stores.Range(func(name string, e db.KCVDB) bool {
		if !seen[name] {
			_ = e.Close()
			fsm.stores.Delete(name)
		}
		return true
	})
	return nil
}

// Close closes every engine
func (fsm *ColumnStateMachine) Close() error {
	var firstErr error
	fsm.stores.Range(func(_ string, e db.KCVDB) bool {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
