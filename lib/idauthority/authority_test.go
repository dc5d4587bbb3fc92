package idauthority

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
	"github.com/ValentinKolb/dClaim/lib/db/engines/birch"
	"github.com/ValentinKolb/dClaim/lib/failure"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/ValentinKolb/dClaim/lib/store/lstore"
	"github.com/ValentinKolb/dClaim/lib/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.authority(t, "a")

	b1, err := a.GetIDBlock(ctx, 0, 1, time.Second)
	require.NoError(t, err)
	b2, err := a.GetIDBlock(ctx, 0, 1, time.Second)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), b1.Start())
	assert.Equal(t, uint64(10), b1.Size())
	assert.Equal(t, uint64(11), b2.Start())
	assert.Equal(t, uint64(1), b1.GetID(0))
	assert.Equal(t, uint64(20), b2.GetID(9))

	// only committed boundaries remain, the claims are gone
	for _, e := range f.row(t, 0, 1, 0) {
		assert.Equal(t, colBoundary, e.Column[0])
	}
}

func TestPartitionsAndNamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.authority(t, "a")

	for _, pn := range [][2]uint32{{0, 1}, {0, 2}, {1, 1}} {
		b, err := a.GetIDBlock(ctx, pn[0], pn[1], time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), b.Start(), "partition %d namespace %d", pn[0], pn[1])
	}
}

func TestExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.authority(t, "a", func(o *Options) { o.BlockSizer = SimpleBlockSizer{Size: 1, UpperBound: 4} })

	for i := 0; i < 4; i++ {
		b, err := a.GetIDBlock(ctx, 0, 0, time.Second)
		require.NoError(t, err, "allocation %d", i+1)
		assert.Equal(t, uint64(i+1), b.GetID(0))
	}
	_, err := a.GetIDBlock(ctx, 0, 0, time.Second)
	require.Error(t, err)
	assert.True(t, failure.IsPermanent(err))

	_, err = a.GetIDBlock(ctx, 0, 0, time.Second)
	assert.True(t, failure.IsPermanent(err), "exhaustion is final")
}

func TestFixedTag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.authority(t, "a", func(o *Options) {
		o.ConflictAvoidance = ConflictAvoidance{Mode: ModeFixed, Bits: 1, Tag: 1}
		o.BlockSizer = SimpleBlockSizer{Size: 1, UpperBound: 9}
	})

	var ids []uint64
	for i := 0; i < 4; i++ {
		b, err := a.GetIDBlock(ctx, 0, 0, time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), b.Tag())
		ids = append(ids, b.GetID(0))
	}
	assert.Equal(t, []uint64{3, 5, 7, 9}, ids)

	_, err := a.GetIDBlock(ctx, 0, 0, time.Second)
	assert.True(t, failure.IsPermanent(err))
	assert.NotEmpty(t, f.row(t, 0, 0, 1))
	assert.Empty(t, f.row(t, 0, 0, 0))
}

func TestGlobalAutoUsesEveryTagBeforeExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.authority(t, "a", func(o *Options) {
		o.ConflictAvoidance = ConflictAvoidance{Mode: ModeGlobalAuto, Bits: 2}
		// one counter per tag
		o.BlockSizer = SimpleBlockSizer{Size: 1, UpperBound: 7}
		o.RetryCount = 100
	})

	tags := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		b, err := a.GetIDBlock(ctx, 0, 0, time.Second)
		require.NoError(t, err)
		id := b.GetID(0)
		assert.Equal(t, uint64(b.Tag()), id&3, "tag is stored in the low bits")
		tags[b.Tag()] = true
	}
	assert.Len(t, tags, 4)

	_, err := a.GetIDBlock(ctx, 0, 0, time.Second)
	require.Error(t, err)
	assert.True(t, failure.IsPermanent(err))
}

func TestSeniorClaimCausesCollision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager.before = func(n int, s store.IStore, key []byte, additions []store.Entry, tx store.Tx) {
		if n != 1 {
			return
		}
		// a foreign allocator claimed the same range one tick earlier
		own, err := decodeClaim(additions[0].Column, additions[0].Value)
		require.NoError(t, err)
		col, val := encodeClaim(claim{ticks: own.ticks - 1, rid: []byte("z"), start: own.start, end: own.end})
		require.NoError(t, s.Mutate(ctx, key, []store.Entry{{Column: col, Value: val}}, nil, tx))
	}
	a := f.authority(t, "a")

	b, err := a.GetIDBlock(ctx, 0, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), b.Start(), "the range of the senior claim is skipped")
}

func TestExpiredClaimsAreIgnoredAndRemoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.authority(t, "a", func(o *Options) { o.ClaimExpire = time.Second })

	s, err := f.manager.IStoreManager.OpenStore(DefaultStoreName)
	require.NoError(t, err)
	tx, err := f.manager.BeginTransaction(ctx, store.TxConfig{Consistency: store.ConsistencyKey})
	require.NoError(t, err)
	old := f.times.Ticks(f.times.Now().Add(-time.Hour))
	col, val := encodeClaim(claim{ticks: old, rid: []byte("dead"), start: 1, end: 100})
	require.NoError(t, s.Mutate(ctx, rowKey(0, 0, 0), []store.Entry{{Column: col, Value: val}}, nil, tx))

	b, err := a.GetIDBlock(ctx, 0, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Start())

	row := f.row(t, 0, 0, 0)
	require.Len(t, row, 1)
	assert.Equal(t, colBoundary, row[0].Column[0])
}

func TestSlowClaimIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.manager.after = func(n int) {
		if n == 1 {
			f.times.Advance(2 * testWait)
		}
	}
	a := f.authority(t, "a")

	b, err := a.GetIDBlock(ctx, 0, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Start())
}

func TestTimeout(t *testing.T) {
	f := newFixture(t)
	a := f.authority(t, "a")

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := a.GetIDBlock(ctx, 0, 0, 0)
	require.Error(t, err)
	assert.True(t, failure.IsTemporary(err))
	assert.True(t, failure.IsTimeout(err))
}

func TestSetIDBlockSizer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.authority(t, "a")

	a.SetIDBlockSizer(SimpleBlockSizer{Size: 3, UpperBound: 100})
	b, err := a.GetIDBlock(ctx, 0, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b.Size())

	a.SetIDBlockSizer(SimpleBlockSizer{Size: 0, UpperBound: 100})
	_, err = a.GetIDBlock(ctx, 0, 0, time.Second)
	assert.True(t, failure.IsPermanent(err))
}

func TestLocalIDPartitionAndClose(t *testing.T) {
	f := newFixture(t)
	a := f.authority(t, "a")

	ranges, err := a.GetLocalIDPartition()
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Nil(t, ranges[0].End)

	require.NoError(t, a.Close())
	_, err = a.GetIDBlock(context.Background(), 0, 0, time.Second)
	assert.True(t, failure.IsPermanent(err))
}

func TestNewAuthorityValidation(t *testing.T) {
	f := newFixture(t)
	_, err := NewAuthority(f.manager, Options{})
	assert.Error(t, err, "rid is required")
	_, err = NewAuthority(f.manager, Options{RID: []byte("a"), ConflictAvoidance: ConflictAvoidance{Mode: ModeFixed, Bits: 2, Tag: 4}})
	assert.Error(t, err)
}

func TestConcurrentAllocatorsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	m := lstore.NewLocalStoreManager(func(string) (db.KCVDB, error) { return birch.NewBirchDB(nil), nil }, nil)
	defer m.Close()
	times := timestamp.NewProvider(time.Millisecond)

	const allocators, blocksEach = 4, 5
	var mu sync.Mutex
	var blocks []*IDBlock
	var wg sync.WaitGroup
	errs := make(chan error, allocators)

	for i := 0; i < allocators; i++ {
		a, err := NewAuthority(m, Options{
			Times:      times,
			RID:        []byte(fmt.Sprintf("allocator-%d", i)),
			IDWait:     20 * time.Millisecond,
			RetryCount: 200,
			BlockSizer: SimpleBlockSizer{Size: 7, UpperBound: 1 << 30},
		})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < blocksEach; j++ {
				b, err := a.GetIDBlock(ctx, 3, 9, 30*time.Second)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				blocks = append(blocks, b)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, blocks, allocators*blocksEach)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Start() < blocks[j].Start() })
	for i := 1; i < len(blocks); i++ {
		prev := blocks[i-1]
		assert.LessOrEqual(t, prev.Start()+prev.Size(), blocks[i].Start(), "%s overlaps %s", prev, blocks[i])
	}
}
