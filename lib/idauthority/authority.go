package idauthority

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dClaim/lib/failure"
	"github.com/ValentinKolb/dClaim/lib/locking"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/ValentinKolb/dClaim/lib/timestamp"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("idauthority")

var (
	blocksOK        = metrics.NewCounter(`dclaim_idblocks_total{result="ok"}`)
	blocksCollision = metrics.NewCounter(`dclaim_idblocks_total{result="collision"}`)
	blocksExhausted = metrics.NewCounter(`dclaim_idblocks_total{result="exhausted"}`)
	blocksError     = metrics.NewCounter(`dclaim_idblocks_total{result="error"}`)
)

const (
	DefaultStoreName   = "ids"
	DefaultIDWait      = 300 * time.Millisecond
	DefaultClaimExpire = time.Minute
	DefaultRetryCount  = 20
)

// errCollision marks an attempt lost to a senior claim or a committed block
var errCollision = errors.New("id block collision")

// Options configures an Authority.
type Options struct {
	StoreName         string             // store holding the id rows (default "ids")
	Times             timestamp.Provider // claim clock (nil = timestamp.Milli)
	RID               []byte             // writer identity, must be unique per allocator and non empty
	IDWait            time.Duration      // uncertainty window (0 = DefaultIDWait)
	ClaimExpire       time.Duration      // age after which claims are ignored (0 = DefaultClaimExpire)
	RetryCount        int                // attempts per GetIDBlock (0 = DefaultRetryCount)
	ConflictAvoidance ConflictAvoidance  // tagging
	BlockSizer        BlockSizer         // (nil = SimpleBlockSizer{Size: 10000, UpperBound: 1<<56})
}

// Authority allocates disjoint id blocks per (partition, namespace) using claims on a key consistent store.
type Authority struct {
	manager     store.IStoreManager
	store       store.IStore
	times       timestamp.Provider
	rid         []byte
	idWait      time.Duration
	claimExpire time.Duration
	retryCount  int
	conflict    ConflictAvoidance

	sizerMu sync.RWMutex
	sizer   BlockSizer

	closed atomic.Bool
}

// NewAuthority opens the id store on manager. The manager must support key consistent transactions.
func NewAuthority(manager store.IStoreManager, opts Options) (*Authority, error) {
	if !manager.Features().KeyConsistent {
		return nil, store.NewError(store.RetCUnsupportedOperation, fmt.Sprintf("%s does not support key consistent transactions", manager.Name()))
	}
	if len(opts.RID) == 0 {
		return nil, fmt.Errorf("idauthority: rid must not be empty")
	}
	if err := opts.ConflictAvoidance.Validate(); err != nil {
		return nil, fmt.Errorf("idauthority: %w", err)
	}
	if opts.StoreName == "" {
		opts.StoreName = DefaultStoreName
	}
	s, err := manager.OpenStore(opts.StoreName)
	if err != nil {
		return nil, err
	}
	a := &Authority{
		manager:     manager,
		store:       s,
		times:       opts.Times,
		rid:         append([]byte(nil), opts.RID...),
		idWait:      opts.IDWait,
		claimExpire: opts.ClaimExpire,
		retryCount:  opts.RetryCount,
		conflict:    opts.ConflictAvoidance,
		sizer:       opts.BlockSizer,
	}
	if a.times == nil {
		a.times = timestamp.Milli
	}
	if a.idWait <= 0 {
		a.idWait = DefaultIDWait
	}
	if a.claimExpire <= 0 {
		a.claimExpire = DefaultClaimExpire
	}
	if a.retryCount <= 0 {
		a.retryCount = DefaultRetryCount
	}
	if a.sizer == nil {
		a.sizer = SimpleBlockSizer{Size: 10000, UpperBound: 1 << 56}
	}
	return a, nil
}

// SetIDBlockSizer replaces the block sizer for future allocations.
func (a *Authority) SetIDBlockSizer(sizer BlockSizer) {
	a.sizerMu.Lock()
	defer a.sizerMu.Unlock()
	a.sizer = sizer
}

func (a *Authority) blockSizer() BlockSizer {
	a.sizerMu.RLock()
	defer a.sizerMu.RUnlock()
	return a.sizer
}

// GetLocalIDPartition returns the key ranges of the id store held by this process.
// Fails with RetCUnsupportedOperation if the store does not know its local partition.
func (a *Authority) GetLocalIDPartition() ([]store.KeyRange, error) {
	if !a.manager.Features().LocalKeyPartition {
		return nil, store.NewError(store.RetCUnsupportedOperation, "store does not report local key partitions")
	}
	return a.manager.LocalKeyPartition()
}

// Close rejects further allocations. The store manager is not closed.
func (a *Authority) Close() error {
	a.closed.Store(true)
	return nil
}

// --------------------------------------------------------------------------
// Allocation
// --------------------------------------------------------------------------

// GetIDBlock allocates the next block of (partition, namespace). A timeout > 0 bounds the whole call,
// exceeding it is a temporary failure.
func (a *Authority) GetIDBlock(ctx context.Context, partition, namespace uint32, timeout time.Duration) (*IDBlock, error) {
	const op = "idauthority.GetIDBlock"
	if a.closed.Load() {
		return nil, failure.NewPermanent(op, "authority closed", nil)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sizer := a.blockSizer()
	size := sizer.BlockSize(namespace)
	if size == 0 {
		return nil, failure.NewPermanent(op, fmt.Sprintf("block size of namespace %d is zero", namespace), nil)
	}
	counterBound := sizer.IDUpperBound(namespace) >> a.conflict.Bits

	if err := ctx.Err(); err != nil {
		blocksError.Inc()
		return nil, contextFailure(op, err)
	}
	tx, err := a.manager.BeginTransaction(ctx, store.TxConfig{Consistency: store.ConsistencyKey, Name: "idauthority"})
	if err != nil {
		blocksError.Inc()
		return nil, failure.Classify(op, err)
	}
	defer func() { _ = tx.Commit() }()

	exhausted := make(map[uint32]bool)
	tag := a.nextTag(exhausted)
	var lastErr error
	for attempt := 1; attempt <= a.retryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		block, err := a.attempt(ctx, tx, partition, namespace, tag, size, counterBound)
		switch {
		case err == nil:
			blocksOK.Inc()
			log.Debugf("allocated id block %s for partition %d namespace %d (attempt %d)", block, partition, namespace, attempt)
			return block, nil

		case errors.Is(err, errCollision):
			blocksCollision.Inc()
			log.Debugf("id block collision on partition %d namespace %d tag %d (%d/%d)", partition, namespace, tag, attempt, a.retryCount)
			if a.conflict.Mode == ModeGlobalAuto {
				tag = a.nextTag(exhausted)
			}
			lastErr = err

		case errors.Is(err, errExhausted):
			exhausted[tag] = true
			if a.conflict.Mode != ModeGlobalAuto || uint32(len(exhausted)) >= a.conflict.tagCount() {
				blocksExhausted.Inc()
				return nil, failure.NewPermanent(op, fmt.Sprintf("id pool of partition %d namespace %d exhausted", partition, namespace), err)
			}
			tag = a.nextTag(exhausted)
			lastErr = err

		case failure.IsPermanent(err):
			blocksError.Inc()
			return nil, err

		default:
			log.Debugf("temporary failure allocating id block, retrying (%d/%d): %v", attempt, a.retryCount, err)
			lastErr = err
		}
	}

	blocksError.Inc()
	if err := ctx.Err(); err != nil {
		return nil, contextFailure(op, err)
	}
	return nil, failure.NewTemporary(op, fmt.Sprintf("no id block after %d attempts", a.retryCount), lastErr)
}

// contextFailure converts a done context into a timeout (temporary) or cancellation (permanent)
func contextFailure(op string, err error) error {
	if failure.IsTimeout(err) {
		return failure.NewTemporary(op, "timeout allocating id block", err)
	}
	return failure.NewPermanent(op, "allocation canceled", err)
}

var errExhausted = errors.New("id pool exhausted")

// nextTag returns the tag of the next attempt, GlobalAuto picks a random tag that is not exhausted
func (a *Authority) nextTag(exhausted map[uint32]bool) uint32 {
	switch a.conflict.Mode {
	case ModeFixed:
		return a.conflict.Tag
	case ModeGlobalAuto:
		n := a.conflict.tagCount()
		for {
			tag := rand.Uint32N(n)
			if !exhausted[tag] {
				return tag
			}
		}
	default:
		return 0
	}
}

// attempt runs one claim/verify round on the row of (partition, namespace, tag)
func (a *Authority) attempt(ctx context.Context, tx store.Tx, partition, namespace, tag uint32, size, counterBound uint64) (*IDBlock, error) {
	const op = "idauthority.GetIDBlock"
	row := rowKey(partition, namespace, tag)

	entries, err := a.store.GetSlice(ctx, store.KeySliceQuery{Key: row}, tx)
	if err != nil {
		return nil, failure.Classify(op, err)
	}

	cutoff := a.times.Ticks(a.times.Now().Add(-a.claimExpire))
	start := uint64(1)
	var stale [][]byte
	for _, e := range entries {
		if len(e.Column) == 0 {
			continue
		}
		switch e.Column[0] {
		case colBoundary:
			b, err := decodeBoundary(e.Column, e.Value)
			if err != nil {
				log.Warningf("ignoring malformed boundary in id row: %v", err)
				continue
			}
			start = max(start, b.end)
		case colClaim:
			c, err := decodeClaim(e.Column, e.Value)
			if err != nil {
				log.Warningf("ignoring malformed claim in id row: %v", err)
				continue
			}
			if c.ticks < cutoff {
				stale = append(stale, e.Column)
				continue
			}
			start = max(start, c.end)
		}
	}

	end := start + size
	if end < start || end-1 > counterBound {
		return nil, errExhausted
	}

	// claim [start, end)
	ts := a.times.Now()
	own := claim{ticks: a.times.Ticks(ts), rid: a.rid, start: start, end: end}
	claimCol, claimVal := encodeClaim(own)
	if err := a.store.Mutate(ctx, row, []store.Entry{{Column: claimCol, Value: claimVal}}, stale, tx); err != nil {
		a.deleteClaim(ctx, row, claimCol, tx)
		return nil, failure.Classify(op, err)
	}
	if elapsed := a.times.Now().Sub(ts); elapsed > a.idWait {
		a.deleteClaim(ctx, row, claimCol, tx)
		return nil, failure.NewTemporary(op, fmt.Sprintf("claim write took %s, longer than the id wait", elapsed), nil)
	}

	if _, err := a.times.SleepPast(ctx, ts.Add(a.idWait)); err != nil {
		a.deleteClaim(ctx, row, claimCol, tx)
		return nil, failure.Classify(op, err)
	}

	// verify that no senior claim or committed block overlaps
	entries, err = a.store.GetSlice(ctx, store.KeySliceQuery{Key: row}, tx)
	if err != nil {
		a.deleteClaim(ctx, row, claimCol, tx)
		return nil, failure.Classify(op, err)
	}
	cutoff = a.times.Ticks(a.times.Now().Add(-a.claimExpire))
	ownOrder := locking.Claim{Ticks: own.ticks, RID: own.rid}
	found := false
	for _, e := range entries {
		if len(e.Column) == 0 {
			continue
		}
		switch e.Column[0] {
		case colBoundary:
			b, err := decodeBoundary(e.Column, e.Value)
			if err == nil && overlaps(start, end, b.start, b.end) {
				a.deleteClaim(ctx, row, claimCol, tx)
				return nil, errCollision
			}
		case colClaim:
			if bytes.Equal(e.Column, claimCol) {
				found = true
				continue
			}
			c, err := decodeClaim(e.Column, e.Value)
			if err != nil || c.ticks < cutoff || !overlaps(start, end, c.start, c.end) {
				continue
			}
			if (locking.Claim{Ticks: c.ticks, RID: c.rid}).Less(ownOrder) {
				a.deleteClaim(ctx, row, claimCol, tx)
				return nil, errCollision
			}
		}
	}
	if !found {
		return nil, failure.NewTemporary(op, "own id claim disappeared", nil)
	}

	// commit the block and drop the claim in one row write
	bCol, bVal := encodeBoundary(boundary{start: start, end: end, ticks: own.ticks, rid: a.rid})
	if err := a.store.Mutate(ctx, row, []store.Entry{{Column: bCol, Value: bVal}}, [][]byte{claimCol}, tx); err != nil {
		a.deleteClaim(ctx, row, claimCol, tx)
		return nil, failure.Classify(op, err)
	}
	return &IDBlock{start: start, size: size, bits: a.conflict.Bits, tag: tag}, nil
}

// deleteClaim removes an own claim best effort, failures are logged
func (a *Authority) deleteClaim(ctx context.Context, row, col []byte, tx store.Tx) {
	if err := a.store.Mutate(context.WithoutCancel(ctx), row, nil, [][]byte{col}, tx); err != nil {
		log.Warningf("failed to delete id claim, it will expire: %v", err)
	}
}
