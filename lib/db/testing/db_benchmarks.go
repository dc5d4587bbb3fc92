package testing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
)

// RunKCVDBBenchmarks runs all benchmarks for a key-column-value database implementation
func RunKCVDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Mutate", func(b *testing.B) {
			benchmarkMutate(b, factory())
		})

		b.Run("MutateWithTTL", func(b *testing.B) {
			benchmarkMutateWithTTL(b, factory())
		})

		b.Run("GetSlice", func(b *testing.B) {
			benchmarkGetSlice(b, factory())
		})

		b.Run("ClaimRound", func(b *testing.B) {
			benchmarkClaimRound(b, factory())
		})

		b.Run("SaveLoad", func(b *testing.B) {
			benchmarkSaveLoad(b, factory)
		})
	})
}

func claimColumn(ts uint64, rid uint64) []byte {
	col := make([]byte, 16)
	binary.BigEndian.PutUint64(col, ts)
	binary.BigEndian.PutUint64(col[8:], rid)
	return col
}

func benchmarkMutate(b *testing.B, database db.KCVDB) {
	defer database.Close()
	var counter atomic.Uint64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			key := []byte(fmt.Sprintf("row-%d", i%1024))
			_ = database.Mutate(key, []db.Entry{{Column: claimColumn(i, 1), Value: []byte{0}}}, nil)
		}
	})
}

func benchmarkMutateWithTTL(b *testing.B, database db.KCVDB) {
	defer database.Close()
	var counter atomic.Uint64
	expireAt := time.Now().Add(time.Hour).UnixNano()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			key := []byte(fmt.Sprintf("row-%d", i%1024))
			_ = database.Mutate(key, []db.Entry{{Column: claimColumn(i, 1), Value: []byte{0}, ExpireAt: expireAt}}, nil)
		}
	})
}

func benchmarkGetSlice(b *testing.B, database db.KCVDB) {
	defer database.Close()
	for r := 0; r < 64; r++ {
		var additions []db.Entry
		for c := 0; c < 16; c++ {
			additions = append(additions, db.Entry{Column: claimColumn(uint64(c), uint64(r)), Value: []byte{0}})
		}
		_ = database.Mutate([]byte(fmt.Sprintf("row-%d", r)), additions, nil)
	}
	var counter atomic.Uint64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			_, _ = database.GetSlice([]byte(fmt.Sprintf("row-%d", i%64)), nil, nil, 0)
		}
	})
}

// benchmarkClaimRound measures write claim, read row, delete claim on a shared row
func benchmarkClaimRound(b *testing.B, database db.KCVDB) {
	defer database.Close()
	var counter atomic.Uint64
	key := []byte("lock-row")
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			col := claimColumn(i, i)
			_ = database.Mutate(key, []db.Entry{{Column: col, Value: []byte{0}}}, nil)
			_, _ = database.GetSlice(key, nil, nil, 0)
			_ = database.Mutate(key, nil, [][]byte{col})
		}
	})
}

func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	source := factory()
	defer source.Close()
	if !source.SupportsFeature(db.FeatureSave | db.FeatureLoad) {
		b.Skip()
	}
	for r := 0; r < 10_000; r++ {
		_ = source.Mutate([]byte(fmt.Sprintf("row-%d", r)), []db.Entry{{Column: claimColumn(uint64(r), 1), Value: []byte("value")}}, nil)
	}
	var buf bytes.Buffer

	b.Run("Save", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf.Reset()
			if err := source.Save(&buf); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("Load", func(b *testing.B) {
		target := factory()
		defer target.Close()
		data := buf.Bytes()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if err := target.Load(bytes.NewReader(data)); err != nil {
				b.Fatal(err)
			}
		}
	})
}
