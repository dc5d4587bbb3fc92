package pebbledb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
	"github.com/ValentinKolb/dClaim/lib/db/util"
	"github.com/cockroachdb/pebble"
	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magicNum         = "PEBBLDB\x00" // Snapshot format identifier
	snapshotVersion  = 1
	keyLenSize       = 4  // uint32 big endian row key length
	expireHeaderSize = 8  // int64 big endian expiry in front of every value
	defaultCacheSize = 64 << 20
	rowLockStripes   = 256
)

var (
	log = logger.GetLogger("pebbledb")

	// ErrClosed is returned by all operations after Close
	ErrClosed = errors.New("pebbledb: database closed")

	// upper bound for every encoded key
	keySpaceEnd = []byte{0xff, 0xff, 0xff, 0xff, 0xff}
)

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

type pebbleImpl struct {
	pdb    *pebble.DB
	dir    string
	sync   bool
	clock  func() int64
	closed atomic.Bool

	// rowLocks serializes Mutate and purge of the same row
	rowLocks [rowLockStripes]sync.Mutex
}

// DBOptions configures the pebble engine
type DBOptions struct {
	Dir       string       // Data directory (required)
	Sync      bool         // fsync every mutation
	CacheSize int64        // Block cache size in bytes (0 = 64 MiB)
	Clock     func() int64 // Time source in unix nano used for expiry (nil = time.Now)
}

// DefaultOptions returns the default options for the given directory
func DefaultOptions(dir string) *DBOptions {
	return &DBOptions{Dir: dir, Sync: true, CacheSize: defaultCacheSize}
}

// pebbleLogger routes pebble's own log output through the dragonboat logger
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{})  { log.Debugf(format, args...) }
func (pebbleLogger) Fatalf(format string, args ...interface{}) { log.Panicf(format, args...) }

// NewPebbleDB opens (or creates) a pebble backed database in opts.Dir
func NewPebbleDB(opts *DBOptions) (db.KCVDB, error) {
	if opts == nil || opts.Dir == "" {
		return nil, fmt.Errorf("pebbledb: data directory required")
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixNano() }
	}

	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	pdb, err := pebble.Open(opts.Dir, &pebble.Options{
		Cache:  cache,
		Logger: pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("pebbledb: open %s: %w", opts.Dir, err)
	}
	log.Infof("opened pebble database in %s", opts.Dir)

	return &pebbleImpl{pdb: pdb, dir: opts.Dir, sync: opts.Sync, clock: clock}, nil
}

// --------------------------------------------------------------------------
// Key / value layout
// --------------------------------------------------------------------------

// rowPrefix returns len(key) || key
func rowPrefix(key []byte) []byte {
	p := make([]byte, keyLenSize+len(key))
	binary.BigEndian.PutUint32(p, uint32(len(key)))
	copy(p[keyLenSize:], key)
	return p
}

// cellKey returns len(key) || key || column
func cellKey(prefix, column []byte) []byte {
	k := make([]byte, len(prefix)+len(column))
	copy(k, prefix)
	copy(k[len(prefix):], column)
	return k
}

// prefixEnd returns the smallest key greater than every key starting with prefix
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeValue(e db.Entry) []byte {
	v := make([]byte, expireHeaderSize+len(e.Value))
	binary.BigEndian.PutUint64(v, uint64(e.ExpireAt))
	copy(v[expireHeaderSize:], e.Value)
	return v
}

func decodeValue(raw []byte) (value []byte, expireAt int64, err error) {
	if len(raw) < expireHeaderSize {
		return nil, 0, fmt.Errorf("pebbledb: corrupt value of length %d", len(raw))
	}
	value = make([]byte, len(raw)-expireHeaderSize)
	copy(value, raw[expireHeaderSize:])
	return value, int64(binary.BigEndian.Uint64(raw)), nil
}

// rowLock returns the mutex guarding the row with the given prefix
func (p *pebbleImpl) rowLock(prefix []byte) *sync.Mutex {
	return &p.rowLocks[uint64(util.HashString(string(prefix), 0))%rowLockStripes]
}

func (p *pebbleImpl) writeOpts() *pebble.WriteOptions {
	if p.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// --------------------------------------------------------------------------
// KCVDB Interface Methods
// --------------------------------------------------------------------------

// Mutate writes one batch per row, which pebble applies atomically
func (p *pebbleImpl) Mutate(key []byte, additions []db.Entry, deletions [][]byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if len(additions) == 0 && len(deletions) == 0 {
		return nil
	}
	prefix := rowPrefix(key)
	mu := p.rowLock(prefix)
	mu.Lock()
	defer mu.Unlock()

	b := p.pdb.NewBatch()
	defer b.Close()

	for _, col := range deletions {
		if err := b.Delete(cellKey(prefix, col), nil); err != nil {
			return err
		}
	}
	for _, e := range additions {
		if err := b.Set(cellKey(prefix, e.Column), encodeValue(e), nil); err != nil {
			return err
		}
	}
	return b.Commit(p.writeOpts())
}

// GetSlice walks the row range and drops expired cells, which are removed in the background
func (p *pebbleImpl) GetSlice(key, start, end []byte, limit int) ([]db.Entry, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	prefix := rowPrefix(key)
	upper := prefixEnd(prefix)
	if end != nil {
		upper = cellKey(prefix, end)
	}

	now := p.clock()
	var (
		out     []db.Entry
		expired [][]byte
	)

	iter := p.pdb.NewIter(&pebble.IterOptions{
		LowerBound: cellKey(prefix, start),
		UpperBound: upper,
	})
	for iter.First(); iter.Valid(); iter.Next() {
		value, expireAt, err := decodeValue(iter.Value())
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		column := append([]byte(nil), iter.Key()[len(prefix):]...)
		if expireAt != 0 && expireAt <= now {
			expired = append(expired, column)
			continue
		}
		out = append(out, db.Entry{Column: column, Value: value, ExpireAt: expireAt})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		p.purge(prefix, expired, now)
	}
	return out, nil
}

// purge deletes cells that were found expired at now, unless they were rewritten since.
// The row lock keeps a concurrent Mutate from landing between the re-read and the delete.
func (p *pebbleImpl) purge(prefix []byte, columns [][]byte, now int64) {
	mu := p.rowLock(prefix)
	mu.Lock()
	defer mu.Unlock()

	b := p.pdb.NewBatch()
	defer b.Close()
	for _, col := range columns {
		k := cellKey(prefix, col)
		raw, closer, err := p.pdb.Get(k)
		if err != nil {
			continue
		}
		_, expireAt, derr := decodeValue(raw)
		_ = closer.Close()
		if derr == nil && expireAt != 0 && expireAt <= now {
			_ = b.Delete(k, nil)
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		log.Warningf("failed to purge %d expired cells: %v", len(columns), err)
	}
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save writes every live cell in its encoded form
func (p *pebbleImpl) Save(w io.Writer) error {
	if p.closed.Load() {
		return ErrClosed
	}
	snap := p.pdb.NewSnapshot()
	defer snap.Close()

	bw := bufio.NewWriterSize(w, 1024*1024)
	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(snapshotVersion)); err != nil {
		return err
	}

	now := p.clock()
	iter := snap.NewIter(&pebble.IterOptions{UpperBound: keySpaceEnd})
	for iter.First(); iter.Valid(); iter.Next() {
		raw := iter.Value()
		if len(raw) >= expireHeaderSize {
			if expireAt := int64(binary.BigEndian.Uint64(raw)); expireAt != 0 && expireAt <= now {
				continue
			}
		}
		if err := writeRecord(bw, iter.Key(), raw); err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	// zero length key terminates the stream
	if err := binary.Write(bw, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}
	return bw.Flush()
}

// Load replaces the database content with a stream written by Save
func (p *pebbleImpl) Load(r io.Reader) error {
	if p.closed.Load() {
		return ErrClosed
	}
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
	if version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version: %d", version)
	}

	b := p.pdb.NewBatch()
	defer b.Close()
	if err := b.DeleteRange([]byte{}, keySpaceEnd, nil); err != nil {
		return err
	}
	for {
		key, value, err := readRecord(br)
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
		if err := b.Set(key, value, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func writeRecord(w io.Writer, key, value []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(key))); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(value))); err != nil {
		return err
	}
	_, err := w.Write(value)
	return err
}

func readRecord(r io.Reader) (key, value []byte, err error) {
	var n uint32
	if err = binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, nil
	}
	key = make([]byte, n)
	if _, err = io.ReadFull(r, key); err != nil {
		return nil, nil, err
	}
	if err = binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, err
	}
	value = make([]byte, n)
	if _, err = io.ReadFull(r, value); err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

// --------------------------------------------------------------------------
// Features and Metadata
// --------------------------------------------------------------------------

const supportedFeatures = db.FeatureMutate |
	db.FeatureGetSlice |
	db.FeatureCellTTL |
	db.FeatureSave |
	db.FeatureLoad |
	db.FeaturePersistent

// GetInfo scans the key space to count rows and cells
func (p *pebbleImpl) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType:            db.ImplPebble,
		SupportedFeatures: supportedFeatures.Features(),
	}
	if p.closed.Load() {
		return info
	}

	var lastRow []byte
	iter := p.pdb.NewIter(&pebble.IterOptions{UpperBound: keySpaceEnd})
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		info.Cells++
		info.SizeBytes += len(k) + len(iter.Value())
		if len(k) < keyLenSize {
			continue
		}
		row := k[:keyLenSize+int(binary.BigEndian.Uint32(k))]
		if string(row) != string(lastRow) {
			info.Rows++
			lastRow = append(lastRow[:0], row...)
		}
	}
	_ = iter.Close()

	info.Metadata = map[string]interface{}{
		"dir":        p.dir,
		"sync":       p.sync,
		"disk_usage": p.pdb.Metrics().DiskSpaceUsage(),
	}
	return info
}

// SupportsFeature checks if this implementation supports a specific KCVDB feature
func (p *pebbleImpl) SupportsFeature(feature db.Feature) bool {
	return supportedFeatures&feature == feature
}

// Close flushes and closes the pebble database
func (p *pebbleImpl) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pdb.Close()
}
