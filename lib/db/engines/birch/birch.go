package birch

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
	"github.com/ValentinKolb/dClaim/lib/db/engines/birch/internal"
	"github.com/ValentinKolb/dClaim/lib/db/util"
	"github.com/google/btree"
	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Constants for database behavior and structure
const (
	magicNum          = "BIRCHDB\x00"          // File format identifier
	birchVersion      = 1                      // Database version
	defaultGCInterval = 100 * time.Millisecond // Default interval between GC runs
)

var (
	log = logger.GetLogger("birch")

	// ErrClosed is returned by all operations after Close
	ErrClosed = errors.New("birch: database closed")
)

// --------------------------------------------------------------------------
// Core Birch database structure
// --------------------------------------------------------------------------

// birchImpl implements an in-memory ordered key-column-value database
type birchImpl struct {
	seed   uint64            // Seed for hash function
	shards []*internal.Shard // Array of shards
	clock  func() int64      // Current time in unix nano
	closed atomic.Bool

	// garbage collection
	gcInterval time.Duration
	gcStop     chan struct{}
	gcDone     sync.WaitGroup
	gcMu       sync.Mutex
}

// DBOptions configures the birchImpl behavior during initialization
type DBOptions struct {
	NumShards  int           // Number of shards (0 = number of CPUs)
	GCInterval time.Duration // Time between GC runs (0 = default, < 0 disables the GC)
	Clock      func() int64  // Time source in unix nano used for expiry (nil = time.Now)
}

// DefaultOptions returns the default birchImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards:  runtime.NumCPU(),
		GCInterval: defaultGCInterval,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewBirchDB creates a new BirchDB instance with the specified options (optional)
func NewBirchDB(opts *DBOptions) db.KCVDB {
	if opts == nil {
		opts = DefaultOptions()
	}
	numShards := opts.NumShards
	if numShards <= 0 {
		numShards = runtime.NumCPU()
	}
	gcInterval := opts.GCInterval
	if gcInterval == 0 {
		gcInterval = defaultGCInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixNano() }
	}

	newDB := &birchImpl{
		seed:       util.GenerateSeed(),
		shards:     newShards(numShards),
		clock:      clock,
		gcInterval: gcInterval,
	}
	newDB.startGC()
	return newDB
}

func newShards(n int) []*internal.Shard {
	shards := make([]*internal.Shard, n)
	for i := range shards {
		shards[i] = internal.NewShard()
	}
	return shards
}

func (b *birchImpl) shardFor(key string) *internal.Shard {
	return internal.GetShard(util.HashString(key, b.seed), b.shards)
}

func (b *birchImpl) cellHash(key string, column []byte) uint64 {
	return uint64(util.HashCell(key, column, b.seed))
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// --------------------------------------------------------------------------
// KCVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Mutate applies deletions and then additions to one row atomically.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (b *birchImpl) Mutate(key []byte, additions []db.Entry, deletions [][]byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	k := string(key)
	shard := b.shardFor(k)

	shard.Rows.Compute(k, func(row *internal.Row, loaded bool) (*internal.Row, bool) {
		if !loaded {
			if len(additions) == 0 {
				return nil, true
			}
			row = internal.NewRow()
		}

		row.Lock()
		defer row.Unlock()

		for _, col := range deletions {
			if old := row.Cells.Delete(&internal.Cell{Column: col}); old != nil && old.(*internal.Cell).ExpireAt != 0 {
				shard.Untrack(b.cellHash(k, col), internal.CellRef{Key: k, Column: string(col)})
			}
		}
		for _, e := range additions {
			cell := &internal.Cell{Column: clone(e.Column), Value: clone(e.Value), ExpireAt: e.ExpireAt}
			old := row.Cells.ReplaceOrInsert(cell)
			switch {
			case cell.ExpireAt != 0:
				shard.Track(b.cellHash(k, cell.Column), internal.CellRef{Key: k, Column: string(cell.Column)}, cell.ExpireAt)
			case old != nil && old.(*internal.Cell).ExpireAt != 0:
				shard.Untrack(b.cellHash(k, cell.Column), internal.CellRef{Key: k, Column: string(cell.Column)})
			}
		}

		// empty rows are removed from the map
		return row, row.Cells.Len() == 0
	})
	return nil
}

// --------------------------------------------------------------------------
// KCVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// GetSlice returns copies of the live cells of a row in [start, end).
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (b *birchImpl) GetSlice(key, start, end []byte, limit int) ([]db.Entry, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	k := string(key)
	row, ok := b.shardFor(k).Rows.Load(k)
	if !ok {
		return nil, nil
	}

	now := b.clock()
	var out []db.Entry

	row.RLock()
	defer row.RUnlock()
	row.Cells.AscendGreaterOrEqual(&internal.Cell{Column: start}, func(i btree.Item) bool {
		c := i.(*internal.Cell)
		if end != nil && bytes.Compare(c.Column, end) >= 0 {
			return false
		}
		if c.Expired(now) {
			return true
		}
		out = append(out, db.Entry{Column: clone(c.Column), Value: clone(c.Value), ExpireAt: c.ExpireAt})
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

// --------------------------------------------------------------------------
// Garbage Collection
// --------------------------------------------------------------------------

// startGC starts the garbage collector if it is enabled and not running
func (b *birchImpl) startGC() {
	b.gcMu.Lock()
	defer b.gcMu.Unlock()
	if b.gcInterval < 0 || b.gcStop != nil {
		return
	}
	b.gcStop = make(chan struct{})
	b.gcDone.Add(1)
	go b.garbageCollector(b.gcStop)
}

// stopGC stops the garbage collector and waits for it to exit
func (b *birchImpl) stopGC() {
	b.gcMu.Lock()
	defer b.gcMu.Unlock()
	if b.gcStop == nil {
		return
	}
	close(b.gcStop)
	b.gcDone.Wait()
	b.gcStop = nil
}

// garbageCollector removes expired cells every gcInterval until stop is closed
func (b *birchImpl) garbageCollector(stop chan struct{}) {
	defer b.gcDone.Done()

	ticker := time.NewTicker(b.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		removed := b.collect()
		if removed > 0 {
			log.Debugf("gc removed %d expired cells", removed)
		}
	}
}

// collect removes every tracked cell that is expired now and returns how many were removed
func (b *birchImpl) collect() int {
	// the time is read once so a cycle always terminates
	now := b.clock()
	removed := 0

	for _, shard := range b.shards {
		for _, ref := range shard.Due(now) {
			shard.Rows.Compute(ref.Key, func(row *internal.Row, loaded bool) (*internal.Row, bool) {
				if !loaded {
					return nil, true
				}
				row.Lock()
				defer row.Unlock()

				// the cell may have been overwritten in the meantime
				probe := &internal.Cell{Column: []byte(ref.Column)}
				if item := row.Cells.Get(probe); item != nil && item.(*internal.Cell).Expired(now) {
					row.Cells.Delete(probe)
					removed++
				}
				return row, row.Cells.Len() == 0
			})
		}
	}
	return removed
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save persists the database to the writer. Expired cells are skipped.
//
// Thread-safety: Concurrent reads and writes are allowed, each row is copied under its read lock.
func (b *birchImpl) Save(w io.Writer) error {
	if b.closed.Load() {
		return ErrClosed
	}

	type rowToSave struct {
		key   string
		cells []internal.Cell
	}

	now := b.clock()
	var rows []rowToSave
	for _, shard := range b.shards {
		shard.Rows.Range(func(key string, row *internal.Row) bool {
			r := rowToSave{key: key}
			row.RLock()
			row.Cells.Ascend(func(i btree.Item) bool {
				c := i.(*internal.Cell)
				if !c.Expired(now) {
					r.cells = append(r.cells, internal.Cell{Column: clone(c.Column), Value: clone(c.Value), ExpireAt: c.ExpireAt})
				}
				return true
			})
			row.RUnlock()
			if len(r.cells) > 0 {
				rows = append(rows, r)
			}
			return true
		})
	}

	bw := bufio.NewWriterSize(w, 1024*1024)

	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(birchVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(rows))); err != nil {
		return err
	}

	for _, r := range rows {
		if err := writeBytes(bw, []byte(r.key)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(r.cells))); err != nil {
			return err
		}
		for _, c := range r.cells {
			if err := writeBytes(bw, c.Column); err != nil {
				return err
			}
			if err := binary.Write(bw, binary.LittleEndian, c.ExpireAt); err != nil {
				return err
			}
			if err := writeBytes(bw, c.Value); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}

// Load replaces the content of the database with the data read from r.
//
// Thread-safety: This function is not thread-safe and should not be called concurrently
func (b *birchImpl) Load(r io.Reader) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.stopGC()
	defer b.startGC()

	br := bufio.NewReaderSize(r, 1024*1024)

	magicBytes := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magicBytes); err != nil {
		return err
	}
	if string(magicBytes) != magicNum {
		return fmt.Errorf("invalid file format: magic number mismatch")
	}

	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != birchVersion {
		return fmt.Errorf("unsupported birch version: %d", version)
	}

	var rowCount uint64
	if err := binary.Read(br, binary.LittleEndian, &rowCount); err != nil {
		return err
	}

	shards := newShards(len(b.shards))
	for i := uint64(0); i < rowCount; i++ {
		key, err := readBytes(br)
		if err != nil {
			return err
		}
		var cellCount uint32
		if err := binary.Read(br, binary.LittleEndian, &cellCount); err != nil {
			return err
		}

		k := string(key)
		shard := internal.GetShard(util.HashString(k, b.seed), shards)
		row := internal.NewRow()
		for j := uint32(0); j < cellCount; j++ {
			col, err := readBytes(br)
			if err != nil {
				return err
			}
			var expireAt int64
			if err := binary.Read(br, binary.LittleEndian, &expireAt); err != nil {
				return err
			}
			val, err := readBytes(br)
			if err != nil {
				return err
			}
			row.Cells.ReplaceOrInsert(&internal.Cell{Column: col, Value: val, ExpireAt: expireAt})
			if expireAt != 0 {
				shard.Track(b.cellHash(k, col), internal.CellRef{Key: k, Column: string(col)}, expireAt)
			}
		}
		if row.Cells.Len() > 0 {
			shard.Rows.Store(k, row)
		}
	}

	b.shards = shards
	return nil
}

func writeBytes(w io.Writer, p []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(p))); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, err
	}
	return p, nil
}

// --------------------------------------------------------------------------
// KCVDB Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

const supportedFeatures = db.FeatureMutate |
	db.FeatureGetSlice |
	db.FeatureCellTTL |
	db.FeatureSave |
	db.FeatureLoad |
	db.FeatureGarbageCollect

// GetInfo returns row and cell counts together with an estimated size
func (b *birchImpl) GetInfo() db.DatabaseInfo {
	var rows, cells, size, tracked int
	for _, shard := range b.shards {
		tracked += shard.Tracked()
		shard.Rows.Range(func(key string, row *internal.Row) bool {
			rows++
			size += len(key)
			row.RLock()
			cells += row.Cells.Len()
			row.Cells.Ascend(func(i btree.Item) bool {
				size += i.(*internal.Cell).Size()
				return true
			})
			row.RUnlock()
			return true
		})
	}

	return db.DatabaseInfo{
		Rows:              rows,
		Cells:             cells,
		SizeBytes:         size,
		DbType:            db.ImplBirch,
		SupportedFeatures: supportedFeatures.Features(),
		Metadata: map[string]interface{}{
			"shards":        len(b.shards),
			"pending_gc":    tracked,
			"gc_interval":   b.gcInterval.String(),
			"btree_degree":  16,
			"file_version":  birchVersion,
			"storage_class": "memory",
		},
	}
}

// SupportsFeature checks if this implementation supports a specific KCVDB feature
func (b *birchImpl) SupportsFeature(feature db.Feature) bool {
	return supportedFeatures&feature == feature
}

// Close stops the garbage collector. All later operations fail with ErrClosed.
func (b *birchImpl) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.stopGC()
	return nil
}
