package pebbledb

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ValentinKolb/dClaim/lib/db"
	dbtesting "github.com/ValentinKolb/dClaim/lib/db/testing"
)

func factory(tb testing.TB) dbtesting.DBFactory {
	root := tb.TempDir()
	return func() db.KCVDB {
		dir, err := os.MkdirTemp(root, "pebble")
		if err != nil {
			tb.Fatal(err)
		}
		database, err := NewPebbleDB(&DBOptions{Dir: dir})
		if err != nil {
			tb.Fatal(err)
		}
		return database
	}
}

func Test(t *testing.T) {
	dbtesting.RunKCVDBTests(t, "PebbleDB", factory(t))
}

func Benchmark(b *testing.B) {
	dbtesting.RunKCVDBBenchmarks(b, "PebbleDB", factory(b))
}

func TestReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	database, err := NewPebbleDB(DefaultOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Mutate([]byte("row"), []db.Entry{{Column: []byte("c"), Value: []byte("v")}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := database.Close(); err != nil {
		t.Fatal(err)
	}

	database, err = NewPebbleDB(DefaultOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	got, err := database.GetSlice([]byte("row"), nil, nil, 0)
	if err != nil || len(got) != 1 || !bytes.Equal(got[0].Value, []byte("v")) {
		t.Errorf("data not persisted across reopen: %v, %v", got, err)
	}
	if !database.SupportsFeature(db.FeaturePersistent) {
		t.Error("pebble engine must report FeaturePersistent")
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte{0, 0, 0, 1, 'a'}, []byte{0, 0, 0, 1, 'b'}},
		{[]byte{0, 0, 0, 1, 0xff}, []byte{0, 0, 0, 2}},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tt := range tests {
		if got := prefixEnd(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("prefixEnd(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestRowPrefixSeparatesKeys(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must land in different rows
	a := cellKey(rowPrefix([]byte("ab")), []byte("c"))
	b := cellKey(rowPrefix([]byte("a")), []byte("bc"))
	if bytes.Equal(a, b) {
		t.Error("cell keys of different rows collide")
	}
}

func TestPurgeKeepsRewrittenCell(t *testing.T) {
	const now = int64(1_000_000_000)
	database, err := NewPebbleDB(&DBOptions{Dir: t.TempDir(), Clock: func() int64 { return now }})
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	row, col := []byte("row"), []byte("c")
	for i := 0; i < 200; i++ {
		if err := database.Mutate(row, []db.Entry{{Column: col, Value: []byte("old"), ExpireAt: now - 1}}, nil); err != nil {
			t.Fatal(err)
		}

		// readers see the expired cell and purge it while it is rewritten
		stop := make(chan struct{})
		var wg sync.WaitGroup
		for r := 0; r < 2; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					_, _ = database.GetSlice(row, nil, nil, 0)
				}
			}()
		}
		if err := database.Mutate(row, []db.Entry{{Column: col, Value: []byte("new")}}, nil); err != nil {
			t.Fatal(err)
		}
		close(stop)
		wg.Wait()

		got, err := database.GetSlice(row, nil, nil, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || !bytes.Equal(got[0].Value, []byte("new")) {
			t.Fatalf("round %d: live cell lost, got %v", i, got)
		}
	}
}
