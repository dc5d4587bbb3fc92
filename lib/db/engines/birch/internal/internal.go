package internal

import (
	"bytes"
	"sync"

	"github.com/ValentinKolb/dClaim/lib/db/util"
	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"
)

// btreeDegree is the fan out of the per row column trees
const btreeDegree = 16

// --------------------------------------------------------------------------
// Cell Type (one column of a row)
// --------------------------------------------------------------------------

// Cell is a single column of a row, ordered by the raw bytes of Column
type Cell struct {
	Column   []byte
	Value    []byte
	ExpireAt int64 // unix nano, 0 = never
}

// Less implements btree.Item
func (c *Cell) Less(than btree.Item) bool {
	return bytes.Compare(c.Column, than.(*Cell).Column) < 0
}

// Expired reports whether the cell is expired at now (unix nano)
func (c *Cell) Expired(now int64) bool {
	return c.ExpireAt != 0 && c.ExpireAt <= now
}

// Size estimates the memory used by the cell in bytes
func (c *Cell) Size() int {
	return len(c.Column) + len(c.Value) + 8
}

// --------------------------------------------------------------------------
// Row Type (ordered set of cells)
// --------------------------------------------------------------------------

// Row holds the cells of one key. Writers only ever touch a row from inside
// the Compute callback of its shard map, readers take the read lock.
type Row struct {
	mu    sync.RWMutex
	Cells *btree.BTree
}

// NewRow creates an empty row
func NewRow() *Row {
	return &Row{Cells: btree.New(btreeDegree)}
}

// Lock / Unlock guard writes to the row
func (r *Row) Lock()    { r.mu.Lock() }
func (r *Row) Unlock()  { r.mu.Unlock() }
func (r *Row) RLock()   { r.mu.RLock() }
func (r *Row) RUnlock() { r.mu.RUnlock() }

// --------------------------------------------------------------------------
// Shard Type (partition of the database)
// --------------------------------------------------------------------------

// CellRef locates a cell registered for expiry
type CellRef struct {
	Key    string
	Column string
}

// Shard represents a partition of the database.
// Each shard has its own row map and expiry heap.
// The heap is keyed by cell hash, cells with colliding hashes share one heap
// entry scheduled at the earliest of their expiries.
type Shard struct {
	Rows *xsync.MapOf[string, *Row]

	gcMu       sync.Mutex
	ExpireHeap *util.MapHeap
	Expiring   map[uint64]map[CellRef]int64
}

// NewShard creates a new empty shard
func NewShard() *Shard {
	return &Shard{
		Rows:       xsync.NewMapOf[string, *Row](),
		ExpireHeap: util.NewMapHeap(),
		Expiring:   make(map[uint64]map[CellRef]int64),
	}
}

// Track registers a cell for expiry at expireAt (unix nano)
func (s *Shard) Track(hash uint64, ref CellRef, expireAt int64) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	refs, ok := s.Expiring[hash]
	if !ok {
		refs = make(map[CellRef]int64, 1)
		s.Expiring[hash] = refs
	}
	refs[ref] = expireAt
	s.reschedule(hash, refs)
}

// Untrack removes a cell from the expiry heap
func (s *Shard) Untrack(hash uint64, ref CellRef) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	refs, ok := s.Expiring[hash]
	if !ok {
		return
	}
	delete(refs, ref)
	s.reschedule(hash, refs)
}

// Due removes and returns all tracked cells whose expiry is <= now
func (s *Shard) Due(now int64) []CellRef {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	var due []CellRef
	for _, hash := range s.ExpireHeap.PopDue(uint64(now)) {
		refs := s.Expiring[hash]
		for ref, expireAt := range refs {
			if expireAt <= now {
				due = append(due, ref)
				delete(refs, ref)
			}
		}
		s.reschedule(hash, refs)
	}
	return due
}

// reschedule puts hash on the heap at the earliest expiry of refs, or drops it if refs is empty.
// Must be called with gcMu held.
func (s *Shard) reschedule(hash uint64, refs map[CellRef]int64) {
	if len(refs) == 0 {
		s.ExpireHeap.RemoveByKey(hash)
		delete(s.Expiring, hash)
		return
	}
	first := true
	var earliest int64
	for _, expireAt := range refs {
		if first || expireAt < earliest {
			earliest, first = expireAt, false
		}
	}
	s.ExpireHeap.AddItem(hash, uint64(earliest))
}

// Tracked returns the number of cells waiting for expiry
func (s *Shard) Tracked() int {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()
	n := 0
	for _, refs := range s.Expiring {
		n += len(refs)
	}
	return n
}

// GetShard returns the shard responsible for the given hash
func GetShard(hash util.UintKey, shards []*Shard) *Shard {
	return shards[uint64(hash)%uint64(len(shards))]
}
