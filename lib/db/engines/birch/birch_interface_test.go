package birch

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
	dbtesting "github.com/ValentinKolb/dClaim/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunKCVDBTests(t, "BirchDB", func() db.KCVDB {
		return NewBirchDB(&DBOptions{NumShards: 4, GCInterval: 10 * time.Millisecond})
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunKCVDBBenchmarks(b, "BirchDB", func() db.KCVDB {
		return NewBirchDB(nil)
	})
}

func TestInjectedClock(t *testing.T) {
	var now int64 = 1000
	database := NewBirchDB(&DBOptions{NumShards: 1, GCInterval: -1, Clock: func() int64 { return now }})
	defer database.Close()

	if err := database.Mutate([]byte("k"), []db.Entry{{Column: []byte("c"), Value: []byte("v"), ExpireAt: 2000}}, nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := database.GetSlice([]byte("k"), nil, nil, 0); len(got) != 1 {
		t.Fatalf("cell should be live at t=1000, got %v", got)
	}

	now = 2000
	if got, _ := database.GetSlice([]byte("k"), nil, nil, 0); len(got) != 0 {
		t.Errorf("cell should be expired at t=2000, got %v", got)
	}

	// manual collection removes the cell and the empty row
	impl := database.(*birchImpl)
	if removed := impl.collect(); removed != 1 {
		t.Errorf("collect() removed %d cells, want 1", removed)
	}
	if info := database.GetInfo(); info.Rows != 0 || info.Cells != 0 {
		t.Errorf("expected empty database, got %+v", info)
	}
}

func TestClosed(t *testing.T) {
	database := NewBirchDB(nil)
	if err := database.Close(); err != nil {
		t.Fatal(err)
	}
	if err := database.Mutate([]byte("k"), nil, nil); err != ErrClosed {
		t.Errorf("Mutate after Close = %v, want ErrClosed", err)
	}
	if err := database.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
