package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dClaim/lib/failure"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/ValentinKolb/dClaim/lib/timestamp"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("locking")

const (
	DefaultLockWait   = 100 * time.Millisecond
	DefaultLockExpire = 5 * time.Minute
	DefaultRetryCount = 3
)

// Locker is the lock protocol consumed by the expected-value layer and the lock manager.
type Locker interface {
	// WriteLock claims id for tx. Writing the same lock twice is a no-op.
	WriteLock(ctx context.Context, id LockID, tx store.Tx) error
	// CheckLocks verifies that every unchecked claim of tx is senior.
	CheckLocks(ctx context.Context, tx store.Tx) error
	// DeleteLocks removes every claim of tx and releases the local locks.
	DeleteLocks(ctx context.Context, tx store.Tx) error
}

// State is the state of one lock of one transaction.
type State uint8

const (
	Unlocked     State = iota // no claim, no local lock
	LocalLocked               // local lock held, claim not yet written
	ClaimWritten              // claim written, not yet verified
	Checked                   // claim verified as senior
	Released                  // claim deleted, local lock released
	Failed                    // permanent failure, the lock cannot be used by this transaction
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case LocalLocked:
		return "local-locked"
	case ClaimWritten:
		return "claim-written"
	case Checked:
		return "checked"
	case Released:
		return "released"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Options configures a ConsistentKeyLocker.
type Options struct {
	Store         store.IStore       // store holding the lock rows
	Mediator      *Mediator          // local lock table, required
	Times         timestamp.Provider // claim clock (nil = timestamp.Milli)
	RID           []byte             // writer identity, must be unique per process and non empty
	LockWait      time.Duration      // uncertainty window (0 = DefaultLockWait)
	LockExpire    time.Duration      // claim lifetime (0 = DefaultLockExpire)
	RetryCount    int                // attempts per WriteLock (0 = DefaultRetryCount)
	Cleaner       *Cleaner           // removes expired foreign claims (optional)
	WriteClaimTTL bool               // write claims with TTL 2*LockExpire, needs a store with cell TTL
}

// lockStatus is the per transaction record of one lock
type lockStatus struct {
	state State
	ts    time.Time // timestamp of the accepted claim
	claim []byte    // column of the accepted claim
}

// txLocks holds every lock of one transaction
type txLocks struct {
	mu    sync.Mutex
	locks map[LockID]*lockStatus
}

// ConsistentKeyLocker implements the claim/verify lock protocol on a key consistent store.
// Transactions passed in must be key consistent, the locker does not open transactions itself.
type ConsistentKeyLocker struct {
	store      store.IStore
	mediator   *Mediator
	times      timestamp.Provider
	rid        []byte
	lockWait   time.Duration
	lockExpire time.Duration
	retryCount int
	cleaner    *Cleaner
	claimTTL   time.Duration

	txs *xsync.MapOf[store.Tx, *txLocks]
}

// NewConsistentKeyLocker creates a locker. It returns an error if a required option is missing.
func NewConsistentKeyLocker(opts Options) (*ConsistentKeyLocker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("locking: store is required")
	}
	if opts.Mediator == nil {
		return nil, fmt.Errorf("locking: mediator is required")
	}
	if len(opts.RID) == 0 {
		return nil, fmt.Errorf("locking: rid must not be empty")
	}
	l := &ConsistentKeyLocker{
		store:      opts.Store,
		mediator:   opts.Mediator,
		times:      opts.Times,
		rid:        append([]byte(nil), opts.RID...),
		lockWait:   opts.LockWait,
		lockExpire: opts.LockExpire,
		retryCount: opts.RetryCount,
		cleaner:    opts.Cleaner,
		txs:        xsync.NewMapOf[store.Tx, *txLocks](),
	}
	if l.times == nil {
		l.times = timestamp.Milli
	}
	if l.lockWait <= 0 {
		l.lockWait = DefaultLockWait
	}
	if l.lockExpire <= 0 {
		l.lockExpire = DefaultLockExpire
	}
	if l.retryCount <= 0 {
		l.retryCount = DefaultRetryCount
	}
	if opts.WriteClaimTTL {
		l.claimTTL = 2 * l.lockExpire
	}
	return l, nil
}

// Status returns the state of id in tx. Transactions whose locks were deleted report Unlocked.
func (l *ConsistentKeyLocker) Status(tx store.Tx, id LockID) State {
	tl, ok := l.txs.Load(tx)
	if !ok {
		return Unlocked
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if st, ok := tl.locks[id]; ok {
		return st.state
	}
	return Unlocked
}

func (l *ConsistentKeyLocker) txState(tx store.Tx) *txLocks {
	tl, _ := l.txs.LoadOrCompute(tx, func() *txLocks {
		return &txLocks{locks: make(map[LockID]*lockStatus)}
	})
	return tl
}

// --------------------------------------------------------------------------
// WriteLock
// --------------------------------------------------------------------------

func (l *ConsistentKeyLocker) WriteLock(ctx context.Context, id LockID, tx store.Tx) error {
	const op = "locking.WriteLock"
	if tx == nil {
		return failure.NewPermanent(op, "nil transaction", nil)
	}

	tl := l.txState(tx)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	st, ok := tl.locks[id]
	if ok {
		switch st.state {
		case ClaimWritten, Checked:
			return nil
		case Failed:
			return failure.NewPermanent(op, fmt.Sprintf("lock %s already failed in this transaction", id), nil)
		}
	} else {
		st = &lockStatus{}
		tl.locks[id] = st
	}

	if !l.mediator.Lock(id, tx, l.times.Now().Add(l.lockExpire)) {
		lockWritesLocalRefused.Inc()
		delete(tl.locks, id)
		return failure.NewTemporary(op, fmt.Sprintf("lock %s is held by another local transaction", id), nil)
	}
	st.state = LocalLocked

	ts, claim, err := l.writeClaim(ctx, id, tx)
	if err != nil {
		l.mediator.Unlock(id, tx)
		if failure.IsPermanent(err) {
			st.state = Failed
		} else {
			delete(tl.locks, id)
		}
		return err
	}

	st.state = ClaimWritten
	st.ts = ts
	st.claim = claim
	l.mediator.Extend(id, tx, ts.Add(l.lockExpire))
	return nil
}

// writeClaim writes a claim until one is written within the lock wait window.
// Claims that were written too slowly or whose write failed are collected in outstanding
// and deleted with the next attempt, or on the way out if no attempt succeeds.
func (l *ConsistentKeyLocker) writeClaim(ctx context.Context, id LockID, tx store.Tx) (time.Time, []byte, error) {
	const op = "locking.WriteLock"
	row := LockRow(id)

	var outstanding [][]byte
	var lastErr error
	for attempt := 1; attempt <= l.retryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		ts := l.times.Now()
		claim := EncodeClaim(l.times.Ticks(ts), l.rid)
		err := l.store.Mutate(ctx, row, []store.Entry{{Column: claim, Value: claimValue, TTL: l.claimTTL}}, outstanding, tx)
		elapsed := l.times.Now().Sub(ts)
		lockWriteDuration.Update(elapsed.Seconds())

		if err == nil {
			outstanding = nil
			if elapsed <= l.lockWait {
				lockWritesOK.Inc()
				log.Debugf("claim for %s written (attempt %d/%d, %s)", id, attempt, l.retryCount, elapsed)
				return ts, claim, nil
			}
			lockWritesSlow.Inc()
			log.Debugf("claim for %s took %s, longer than the lock wait %s, retrying (%d/%d)", id, elapsed, l.lockWait, attempt, l.retryCount)
			outstanding = [][]byte{claim}
			lastErr = fmt.Errorf("claim write took %s", elapsed)
			continue
		}

		// the write may have been applied, the claim is outstanding either way
		outstanding = append(outstanding, claim)
		if failure.IsPermanent(err) {
			lockWritesPermanent.Inc()
			l.deleteClaims(ctx, row, outstanding, tx)
			return time.Time{}, nil, failure.NewPermanent(op, fmt.Sprintf("writing claim for %s failed", id), err)
		}
		lockWritesTemporary.Inc()
		log.Debugf("claim for %s failed temporarily, retrying (%d/%d): %v", id, attempt, l.retryCount, err)
		lastErr = err
	}

	l.deleteClaims(ctx, row, outstanding, tx)
	switch err := ctx.Err(); {
	case failure.IsTimeout(err):
		return time.Time{}, nil, failure.NewTemporary(op, fmt.Sprintf("timeout writing claim for %s", id), err)
	case err != nil:
		return time.Time{}, nil, failure.NewPermanent(op, fmt.Sprintf("writing claim for %s canceled", id), err)
	}
	return time.Time{}, nil, failure.NewTemporary(op, fmt.Sprintf("could not write claim for %s in %d attempts", id, l.retryCount), lastErr)
}

// deleteClaims removes claims best effort, failures are logged
func (l *ConsistentKeyLocker) deleteClaims(ctx context.Context, row []byte, claims [][]byte, tx store.Tx) {
	if len(claims) == 0 {
		return
	}
	if err := l.store.Mutate(context.WithoutCancel(ctx), row, nil, claims, tx); err != nil {
		log.Warningf("failed to delete %d claims, they will expire: %v", len(claims), err)
	}
}

// --------------------------------------------------------------------------
// CheckLocks
// --------------------------------------------------------------------------

func (l *ConsistentKeyLocker) CheckLocks(ctx context.Context, tx store.Tx) error {
	tl, ok := l.txs.Load(tx)
	if !ok {
		return nil
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()

	for id, st := range tl.locks {
		if st.state != ClaimWritten {
			continue
		}
		if err := l.checkSingle(ctx, id, st, tx); err != nil {
			if failure.IsPermanent(err) {
				st.state = Failed
			}
			return err
		}
		st.state = Checked
	}
	return nil
}

func (l *ConsistentKeyLocker) checkSingle(ctx context.Context, id LockID, st *lockStatus, tx store.Tx) error {
	const op = "locking.CheckLocks"

	if _, err := l.times.SleepPast(ctx, st.ts.Add(l.lockWait)); err != nil {
		lockChecksError.Inc()
		return failure.Classify(op, err)
	}

	row := LockRow(id)
	entries, err := l.store.GetSlice(ctx, store.KeySliceQuery{Key: row}, tx)
	if err != nil {
		lockChecksError.Inc()
		return failure.Classify(op, err)
	}

	own, err := DecodeClaim(st.claim)
	if err != nil {
		lockChecksError.Inc()
		return failure.NewPermanent(op, "invalid own claim", err)
	}

	cutoff := l.times.Ticks(l.times.Now().Add(-l.lockExpire))
	var senior *Claim
	var expired [][]byte
	found := false
	for _, e := range entries {
		c, err := DecodeClaim(e.Column)
		if err != nil {
			log.Warningf("ignoring malformed claim column in lock row of %s: %v", id, err)
			continue
		}
		isOwn := c.Equal(own)
		if c.Ticks < cutoff {
			if isOwn {
				lockChecksExpired.Inc()
				return failure.NewPermanent(op, fmt.Sprintf("own claim for %s expired before it was checked", id), nil)
			}
			expired = append(expired, e.Column)
			continue
		}
		found = found || isOwn
		if senior == nil || c.Less(*senior) {
			c := c
			senior = &c
		}
	}

	if len(expired) > 0 && l.cleaner != nil {
		l.cleaner.Clean(row, expired)
	}

	if !found {
		lockChecksExpired.Inc()
		return failure.NewPermanent(op, fmt.Sprintf("own claim for %s is missing", id), nil)
	}
	if !senior.Equal(own) {
		lockChecksNotSenior.Inc()
		log.Debugf("lock %s is held by senior claim of %x", id, senior.RID)
		return failure.NewTemporary(op, fmt.Sprintf("lock %s is held by another claim", id), nil)
	}

	lockChecksOK.Inc()
	return nil
}

// --------------------------------------------------------------------------
// DeleteLocks
// --------------------------------------------------------------------------

func (l *ConsistentKeyLocker) DeleteLocks(ctx context.Context, tx store.Tx) error {
	tl, ok := l.txs.LoadAndDelete(tx)
	if !ok {
		return nil
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	for id, st := range tl.locks {
		if st.claim != nil {
			l.deleteClaims(ctx, LockRow(id), [][]byte{st.claim}, tx)
		}
		l.mediator.Unlock(id, tx)
		st.state = Released
	}
	return nil
}
