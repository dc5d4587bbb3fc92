package testing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
)

// DBFactory is a function that creates a new instance of a KCVDB implementation
type DBFactory func() db.KCVDB

// RunKCVDBTests runs the conformance test suite for a KCVDB implementation.
func RunKCVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("MutateGetSlice", func(t *testing.T) {
			testMutateGetSlice(t, open(t, factory))
		})

		t.Run("ColumnOrder", func(t *testing.T) {
			testColumnOrder(t, open(t, factory))
		})

		t.Run("SliceBounds", func(t *testing.T) {
			testSliceBounds(t, open(t, factory))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, open(t, factory))
		})

		t.Run("RowIsolation", func(t *testing.T) {
			testRowIsolation(t, open(t, factory))
		})

		t.Run("CellExpiry", func(t *testing.T) {
			testCellExpiry(t, open(t, factory))
		})

		t.Run("GarbageCollect", func(t *testing.T) {
			testGarbageCollect(t, open(t, factory))
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("ConcurrentClaims", func(t *testing.T) {
			testConcurrentClaims(t, open(t, factory))
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, open(t, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func open(t *testing.T, factory DBFactory) db.KCVDB {
	database := factory()
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KCVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

func entry(col, val string) db.Entry {
	return db.Entry{Column: []byte(col), Value: []byte(val)}
}

func mustMutate(t testing.TB, database db.KCVDB, key string, additions []db.Entry, deletions ...string) {
	t.Helper()
	var dels [][]byte
	for _, d := range deletions {
		dels = append(dels, []byte(d))
	}
	if err := database.Mutate([]byte(key), additions, dels); err != nil {
		t.Fatalf("Mutate(%q) failed: %v", key, err)
	}
}

func mustSlice(t testing.TB, database db.KCVDB, key string, start, end []byte, limit int) []db.Entry {
	t.Helper()
	entries, err := database.GetSlice([]byte(key), start, end, limit)
	if err != nil {
		t.Fatalf("GetSlice(%q) failed: %v", key, err)
	}
	return entries
}

func columns(entries []db.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Column)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testMutateGetSlice(t *testing.T, database db.KCVDB) {
	mustMutate(t, database, "row", []db.Entry{entry("a", "1"), entry("b", "2")})

	got := mustSlice(t, database, "row", nil, nil, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(got))
	}
	if string(got[0].Value) != "1" || string(got[1].Value) != "2" {
		t.Errorf("unexpected values: %q %q", got[0].Value, got[1].Value)
	}

	// overwrite
	mustMutate(t, database, "row", []db.Entry{entry("a", "updated")})
	got = mustSlice(t, database, "row", []byte("a"), []byte("b"), 0)
	if len(got) != 1 || string(got[0].Value) != "updated" {
		t.Errorf("expected overwritten value, got %v", got)
	}

	// returned slices are copies
	got[0].Value[0] = 'X'
	again := mustSlice(t, database, "row", []byte("a"), []byte("b"), 0)
	if string(again[0].Value) != "updated" {
		t.Errorf("engine returned a shared buffer: %q", again[0].Value)
	}

	// missing row
	if got := mustSlice(t, database, "missing", nil, nil, 0); len(got) != 0 {
		t.Errorf("expected empty slice for missing row, got %v", got)
	}
}

func testColumnOrder(t *testing.T, database db.KCVDB) {
	// big endian timestamps must sort numerically
	var additions []db.Entry
	var want []string
	for _, ts := range []uint64{300, 2, 1 << 40, 17, 255, 256} {
		col := make([]byte, 8)
		binary.BigEndian.PutUint64(col, ts)
		additions = append(additions, db.Entry{Column: col, Value: []byte{0}})
	}
	for _, ts := range []uint64{2, 17, 255, 256, 300, 1 << 40} {
		col := make([]byte, 8)
		binary.BigEndian.PutUint64(col, ts)
		want = append(want, string(col))
	}
	mustMutate(t, database, "ts", additions)

	if got := columns(mustSlice(t, database, "ts", nil, nil, 0)); !equalStrings(got, want) {
		t.Errorf("columns not in byte order: %x", got)
	}

	// prefixes sort before longer columns
	mustMutate(t, database, "p", []db.Entry{entry("ab", ""), entry("a", ""), entry("b", ""), entry("aa", "")})
	if got := columns(mustSlice(t, database, "p", nil, nil, 0)); !equalStrings(got, []string{"a", "aa", "ab", "b"}) {
		t.Errorf("unexpected order: %v", got)
	}
}

func testSliceBounds(t *testing.T, database db.KCVDB) {
	var additions []db.Entry
	for i := 0; i < 10; i++ {
		additions = append(additions, entry(fmt.Sprintf("c%02d", i), fmt.Sprintf("v%d", i)))
	}
	mustMutate(t, database, "row", additions)

	tests := []struct {
		name       string
		start, end []byte
		limit      int
		want       []string
	}{
		{"all", nil, nil, 0, nil},
		{"start inclusive", []byte("c07"), nil, 0, []string{"c07", "c08", "c09"}},
		{"end exclusive", []byte("c02"), []byte("c04"), 0, []string{"c02", "c03"}},
		{"limit", nil, nil, 3, []string{"c00", "c01", "c02"}},
		{"limit beyond", []byte("c08"), nil, 10, []string{"c08", "c09"}},
		{"empty range", []byte("c05"), []byte("c05"), 0, []string{}},
		{"between columns", []byte("c031"), []byte("c05"), 0, []string{"c04"}},
		{"past end", []byte("d"), nil, 0, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := columns(mustSlice(t, database, "row", tt.start, tt.end, tt.limit))
			if tt.want == nil {
				if len(got) != 10 {
					t.Errorf("expected 10 cells, got %d", len(got))
				}
				return
			}
			if !equalStrings(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func testDelete(t *testing.T, database db.KCVDB) {
	mustMutate(t, database, "row", []db.Entry{entry("a", "1"), entry("b", "2"), entry("c", "3")})
	mustMutate(t, database, "row", nil, "b", "missing")

	if got := columns(mustSlice(t, database, "row", nil, nil, 0)); !equalStrings(got, []string{"a", "c"}) {
		t.Errorf("unexpected columns after delete: %v", got)
	}

	// deletions are applied before additions
	mustMutate(t, database, "row", []db.Entry{entry("a", "new")}, "a")
	got := mustSlice(t, database, "row", []byte("a"), []byte("b"), 0)
	if len(got) != 1 || string(got[0].Value) != "new" {
		t.Errorf("expected re-added cell, got %v", got)
	}

	// deleting everything leaves an empty row
	mustMutate(t, database, "row", nil, "a", "c")
	if got := mustSlice(t, database, "row", nil, nil, 0); len(got) != 0 {
		t.Errorf("expected empty row, got %v", columns(got))
	}

	// deleting from a missing row is a no-op
	mustMutate(t, database, "nothing", nil, "x")
}

func testRowIsolation(t *testing.T, database db.KCVDB) {
	mustMutate(t, database, "r1", []db.Entry{entry("c", "1")})
	mustMutate(t, database, "r2", []db.Entry{entry("c", "2")})
	mustMutate(t, database, "r", []db.Entry{entry("c", "prefix")})

	for key, want := range map[string]string{"r1": "1", "r2": "2", "r": "prefix"} {
		got := mustSlice(t, database, key, nil, nil, 0)
		if len(got) != 1 || string(got[0].Value) != want {
			t.Errorf("row %q: expected %q, got %v", key, want, got)
		}
	}
}

func testCellExpiry(t *testing.T, database db.KCVDB) {
	requireFeature(t, database, db.FeatureCellTTL)

	now := time.Now().UnixNano()
	mustMutate(t, database, "row", []db.Entry{
		{Column: []byte("dead"), Value: []byte("x"), ExpireAt: now - int64(time.Second)},
		{Column: []byte("short"), Value: []byte("x"), ExpireAt: now + int64(50*time.Millisecond)},
		{Column: []byte("long"), Value: []byte("x"), ExpireAt: now + int64(time.Hour)},
		{Column: []byte("never"), Value: []byte("x")},
	})

	if got := columns(mustSlice(t, database, "row", nil, nil, 0)); !equalStrings(got, []string{"long", "never", "short"}) {
		t.Errorf("unexpected live columns: %v", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := columns(mustSlice(t, database, "row", nil, nil, 0)); !equalStrings(got, []string{"long", "never"}) {
		t.Errorf("unexpected live columns after expiry: %v", got)
	}

	// expired cells do not count against the limit
	if got := columns(mustSlice(t, database, "row", nil, nil, 1)); !equalStrings(got, []string{"long"}) {
		t.Errorf("limit should skip expired cells: %v", got)
	}

	// overwriting an expiring cell without ttl makes it permanent
	mustMutate(t, database, "row", []db.Entry{entry("long", "y")})
	got := mustSlice(t, database, "row", []byte("long"), []byte("longa"), 0)
	if len(got) != 1 || got[0].ExpireAt != 0 {
		t.Errorf("expected permanent cell, got %v", got)
	}
}

func testGarbageCollect(t *testing.T, database db.KCVDB) {
	requireFeature(t, database, db.FeatureCellTTL|db.FeatureGarbageCollect)

	now := time.Now().UnixNano()
	var additions []db.Entry
	for i := 0; i < 100; i++ {
		additions = append(additions, db.Entry{
			Column:   []byte(fmt.Sprintf("c%03d", i)),
			Value:    []byte("x"),
			ExpireAt: now + int64(20*time.Millisecond),
		})
	}
	mustMutate(t, database, "gc", additions)
	mustMutate(t, database, "keep", []db.Entry{entry("c", "x")})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info := database.GetInfo(); info.Cells == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("expired cells were not collected: %+v", database.GetInfo())
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	source := open(t, factory)
	requireFeature(t, source, db.FeatureSave|db.FeatureLoad)

	now := time.Now().UnixNano()
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("row-%d", i)
		mustMutate(t, source, key, []db.Entry{
			entry("a", key),
			{Column: []byte("b"), Value: []byte("ttl"), ExpireAt: now + int64(time.Hour)},
			{Column: []byte("c"), Value: []byte("dead"), ExpireAt: now - 1},
		})
	}

	var buf bytes.Buffer
	if err := source.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	target := open(t, factory)
	mustMutate(t, target, "stale", []db.Entry{entry("x", "must be replaced")})
	if err := target.Load(&buf); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := mustSlice(t, target, "stale", nil, nil, 0); len(got) != 0 {
		t.Errorf("Load must replace existing content, found %v", columns(got))
	}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("row-%d", i)
		got := mustSlice(t, target, key, nil, nil, 0)
		if !equalStrings(columns(got), []string{"a", "b"}) {
			t.Fatalf("row %q: unexpected columns %v", key, columns(got))
		}
		if string(got[0].Value) != key || got[1].ExpireAt != now+int64(time.Hour) {
			t.Errorf("row %q: cell content not restored: %v", key, got)
		}
	}

	if err := target.Load(bytes.NewReader([]byte("garbage"))); err == nil {
		t.Error("Load should fail on invalid input")
	}
}

// testConcurrentClaims writes disjoint columns into one row from many goroutines,
// the access pattern of competing lock claims.
func testConcurrentClaims(t *testing.T, database db.KCVDB) {
	const writers = 16
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				col := []byte(fmt.Sprintf("w%02d-%03d", w, i))
				if err := database.Mutate([]byte("lock"), []db.Entry{{Column: col, Value: []byte{0}}}, nil); err != nil {
					t.Errorf("Mutate failed: %v", err)
					return
				}
				if _, err := database.GetSlice([]byte("lock"), nil, nil, 0); err != nil {
					t.Errorf("GetSlice failed: %v", err)
					return
				}
				if i%2 == 1 {
					prev := []byte(fmt.Sprintf("w%02d-%03d", w, i-1))
					if err := database.Mutate([]byte("lock"), nil, [][]byte{prev}); err != nil {
						t.Errorf("Mutate(delete) failed: %v", err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	if got := mustSlice(t, database, "lock", nil, nil, 0); len(got) != writers*perWriter/2 {
		t.Errorf("expected %d cells, got %d", writers*perWriter/2, len(got))
	}
}

func testEdgeCases(t *testing.T, database db.KCVDB) {
	// empty value
	mustMutate(t, database, "row", []db.Entry{{Column: []byte("empty")}})
	got := mustSlice(t, database, "row", nil, nil, 0)
	if len(got) != 1 || len(got[0].Value) != 0 {
		t.Errorf("expected one empty cell, got %v", got)
	}

	// binary keys and columns
	key := []byte{0, 1, 2, 0xff}
	col := []byte{0xff, 0, 0xfe}
	if err := database.Mutate(key, []db.Entry{{Column: col, Value: []byte{0}}}, nil); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	bin, err := database.GetSlice(key, nil, nil, 0)
	if err != nil || len(bin) != 1 || !bytes.Equal(bin[0].Column, col) {
		t.Errorf("binary row not readable: %v, %v", bin, err)
	}

	// empty mutation
	mustMutate(t, database, "noop", nil)

	// info
	info := database.GetInfo()
	if info.DbType == "" || len(info.SupportedFeatures) == 0 {
		t.Errorf("GetInfo misses implementation details: %+v", info)
	}
}
