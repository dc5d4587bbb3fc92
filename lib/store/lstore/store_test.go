package lstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
	"github.com/ValentinKolb/dClaim/lib/db/engines/birch"
	"github.com/ValentinKolb/dClaim/lib/failure"
	"github.com/ValentinKolb/dClaim/lib/store"
)

func newManager(t *testing.T) store.IStoreManager {
	m := NewLocalStoreManager(func(name string) (db.KCVDB, error) {
		return birch.NewBirchDB(&birch.DBOptions{NumShards: 2}), nil
	}, &Options{Name: "local(birch)"})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMutateAndSlice(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	s, err := m.OpenStore("edges")
	if err != nil {
		t.Fatal(err)
	}
	tx, _ := m.BeginTransaction(ctx, store.TxConfig{Consistency: store.ConsistencyKey})

	err = s.Mutate(ctx, []byte("k"), []store.Entry{
		{Column: []byte("b"), Value: []byte("2")},
		{Column: []byte("a"), Value: []byte("1"), TTL: time.Hour},
	}, nil, tx)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSlice(ctx, store.KeySliceQuery{Key: []byte("k")}, tx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || string(got[0].Column) != "a" || string(got[1].Column) != "b" {
		t.Fatalf("unexpected slice %v", got)
	}
	if got[0].TTL <= 0 || got[0].TTL > time.Hour || got[1].TTL != 0 {
		t.Errorf("unexpected TTLs %v %v", got[0].TTL, got[1].TTL)
	}

	multi, err := s.GetSlices(ctx, [][]byte{[]byte("k"), []byte("missing")}, store.SliceQuery{Limit: 1}, tx)
	if err != nil {
		t.Fatal(err)
	}
	if len(multi["k"]) != 1 || len(multi["missing"]) != 0 {
		t.Errorf("unexpected multi slice %v", multi)
	}
}

func TestOpenStoreIsShared(t *testing.T) {
	m := newManager(t)
	a, _ := m.OpenStore("s")
	b, _ := m.OpenStore("s")
	if a != b {
		t.Error("OpenStore must return the same store for the same name")
	}
	if _, err := m.OpenStore(""); err == nil {
		t.Error("OpenStore(\"\") should fail")
	}
}

func TestFinishedTransaction(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	s, _ := m.OpenStore("s")
	tx, _ := m.BeginTransaction(ctx, store.TxConfig{})
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	err := s.Mutate(ctx, []byte("k"), []store.Entry{{Column: []byte("c")}}, nil, tx)
	var se *store.Error
	if !errors.As(err, &se) || se.Code != store.RetCInvalidOperation {
		t.Errorf("expected RetCInvalidOperation, got %v", err)
	}
	if err := tx.Rollback(); err == nil {
		t.Error("Rollback after Commit should fail")
	}
}

func TestDeadlineIsTemporary(t *testing.T) {
	m := newManager(t)
	s, _ := m.OpenStore("s")
	tx, _ := m.BeginTransaction(context.Background(), store.TxConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	err := s.Mutate(ctx, []byte("k"), []store.Entry{{Column: []byte("c")}}, nil, tx)
	if !failure.IsTemporary(err) {
		t.Errorf("expired deadline should classify as temporary, got %v", err)
	}
	if !failure.IsTimeout(err) {
		t.Errorf("expired deadline should be a timeout, got %v", err)
	}
}

func TestMutateManyAndFeatures(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	tx, _ := m.BeginTransaction(ctx, store.TxConfig{})
	err := m.MutateMany(ctx, map[string]map[string]store.Mutation{
		"a": {"k1": {Additions: []store.Entry{{Column: []byte("c"), Value: []byte("1")}}}},
		"b": {"k2": {Additions: []store.Entry{{Column: []byte("c"), Value: []byte("2")}}}},
	}, tx)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.OpenStore("b")
	got, _ := b.GetSlice(ctx, store.KeySliceQuery{Key: []byte("k2")}, tx)
	if len(got) != 1 || string(got[0].Value) != "2" {
		t.Errorf("MutateMany did not write store b: %v", got)
	}

	f := m.Features()
	if !f.KeyConsistent || !f.Ordered || !f.CellTTL || !f.LocalKeyPartition || f.Distributed {
		t.Errorf("unexpected features %s", f)
	}
	ranges, err := m.LocalKeyPartition()
	if err != nil || len(ranges) != 1 || ranges[0].End != nil {
		t.Errorf("unexpected local partition %v, %v", ranges, err)
	}
}

func TestClosedManager(t *testing.T) {
	m := newManager(t)
	s, _ := m.OpenStore("s")
	_ = m.Close()
	tx := store.NewBaseTx(store.TxConfig{})
	var se *store.Error
	if err := s.Mutate(context.Background(), []byte("k"), nil, nil, tx); !errors.As(err, &se) || se.Code != store.RetCClosed {
		t.Errorf("expected RetCClosed, got %v", err)
	}
}

// noTTLEngine hides the TTL support of the wrapped engine
type noTTLEngine struct {
	db.KCVDB
}

func (e noTTLEngine) SupportsFeature(f db.Feature) bool {
	return f&db.FeatureCellTTL == 0 && e.KCVDB.SupportsFeature(f)
}

func TestFeaturesFollowEngine(t *testing.T) {
	m := NewLocalStoreManager(func(string) (db.KCVDB, error) {
		return noTTLEngine{birch.NewBirchDB(nil)}, nil
	}, nil)
	defer m.Close()

	if m.Features().CellTTL {
		t.Error("CellTTL reported before any engine exists")
	}
	if _, err := m.OpenStore("s"); err != nil {
		t.Fatal(err)
	}
	if m.Features().CellTTL {
		t.Error("CellTTL reported for an engine without TTL support")
	}

	birchManager := newManager(t)
	if _, err := birchManager.OpenStore("s"); err != nil {
		t.Fatal(err)
	}
	if !birchManager.Features().CellTTL {
		t.Error("CellTTL missing for a TTL capable engine")
	}
}
