package locking

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/puzpuzpuz/xsync/v3"
)

const cleanQueueSize = 256

type cleanJob struct {
	row    []byte
	claims [][]byte
}

// Cleaner deletes expired claims found by CheckLocks in the background.
// Each lock row is queued at most once at a time, further requests for a queued row are dropped.
type Cleaner struct {
	manager store.IStoreManager
	store   store.IStore
	timeout time.Duration

	pending *xsync.MapOf[string, struct{}]
	queue   chan cleanJob
	stop    chan struct{}
	done    sync.WaitGroup
	once    sync.Once
}

// NewCleaner starts a cleaner deleting claims from s. Each deletion runs in its own
// key consistent transaction of manager, bounded by timeout (0 = 10s).
func NewCleaner(manager store.IStoreManager, s store.IStore, timeout time.Duration) *Cleaner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Cleaner{
		manager: manager,
		store:   s,
		timeout: timeout,
		pending: xsync.NewMapOf[string, struct{}](),
		queue:   make(chan cleanJob, cleanQueueSize),
		stop:    make(chan struct{}),
	}
	c.done.Add(1)
	go c.run()
	return c
}

// Clean queues the deletion of claims in row. It returns false if the row is already queued,
// the queue is full or the cleaner is closed.
func (c *Cleaner) Clean(row []byte, claims [][]byte) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	if _, loaded := c.pending.LoadOrStore(string(row), struct{}{}); loaded {
		return false
	}
	select {
	case c.queue <- cleanJob{row: row, claims: claims}:
		return true
	default:
		c.pending.Delete(string(row))
		log.Debugf("clean queue full, dropping %d expired claims", len(claims))
		return false
	}
}

func (c *Cleaner) run() {
	defer c.done.Done()
	for {
		select {
		case <-c.stop:
			return
		case job := <-c.queue:
			c.clean(job)
			c.pending.Delete(string(job.row))
		}
	}
}

func (c *Cleaner) clean(job cleanJob) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	tx, err := c.manager.BeginTransaction(ctx, store.TxConfig{Consistency: store.ConsistencyKey, Name: "lock-cleaner"})
	if err != nil {
		log.Warningf("lock cleaner could not begin transaction: %v", err)
		return
	}
	if err := c.store.Mutate(ctx, job.row, nil, job.claims, tx); err != nil {
		log.Warningf("lock cleaner failed to delete %d claims: %v", len(job.claims), err)
		_ = tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		log.Warningf("lock cleaner commit failed: %v", err)
		return
	}
	claimsCleaned.Add(len(job.claims))
	log.Debugf("lock cleaner deleted %d expired claims", len(job.claims))
}

// Close stops the worker. Queued jobs that did not start are dropped.
func (c *Cleaner) Close() {
	c.once.Do(func() {
		close(c.stop)
		c.done.Wait()
	})
}
