package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
)

// --------------------------------------------------------------------------
// Data Types
// --------------------------------------------------------------------------

// DBFactory is a function type that creates the db backing one named store.
// This is used to abstract the creation of the db from the store implementation.
type DBFactory func(name string) (db.KCVDB, error)

// Entry is a cell as seen by store clients.
type Entry struct {
	Column []byte
	Value  []byte
	// TTL is the time to live of the cell. Zero means the cell never expires.
	// On reads it holds the remaining time to live.
	TTL time.Duration
}

// SliceQuery selects the columns in [Start, End) of a row, ordered by column bytes.
// A nil End is unbounded, a Limit <= 0 returns all matching columns.
type SliceQuery struct {
	Start []byte
	End   []byte
	Limit int
}

// KeySliceQuery is a SliceQuery on one row.
type KeySliceQuery struct {
	Key []byte
	SliceQuery
}

// Mutation is the set of changes to one row. Deletions are applied before additions.
type Mutation struct {
	Additions []Entry
	Deletions [][]byte
}

// KeyRange is a half open range [Start, End) of row keys. A nil End is unbounded.
type KeyRange struct {
	Start []byte
	End   []byte
}

// Consistency is the read consistency requested for a transaction.
type Consistency uint8

const (
	// ConsistencyDefault is whatever the backend offers cheaply, reads may be stale.
	ConsistencyDefault Consistency = iota
	// ConsistencyKey guarantees that a read observes every write to the same key
	// that completed before the read started.
	ConsistencyKey
)

func (c Consistency) String() string {
	switch c {
	case ConsistencyDefault:
		return "default"
	case ConsistencyKey:
		return "key"
	default:
		return fmt.Sprintf("Consistency(%d)", uint8(c))
	}
}

// TxConfig configures a transaction.
type TxConfig struct {
	Consistency Consistency
	Name        string // optional, used in log output
}

// Tx is a transaction handle. Writes of the stores in this package are applied
// immediately, the handle carries the consistency level and rejects use after
// Commit or Rollback. Implementations must be comparable (pointer types), since
// lock layers use handles as map keys.
type Tx interface {
	Config() TxConfig
	Commit() error
	Rollback() error
}

// Features are the capabilities a store manager reports.
type Features struct {
	Ordered           bool // columns are returned in byte order
	KeyConsistent     bool // supports ConsistencyKey
	LocalKeyPartition bool // can report which key ranges are stored locally
	MultiQuery        bool // GetSlices is served in one round trip
	CellTTL           bool // per cell TTL
	StoreTTL          bool // per store TTL
	Persistent        bool // data survives a restart
	Distributed       bool // data is replicated across processes
}

func (f Features) String() string {
	var names []string
	for _, x := range []struct {
		on   bool
		name string
	}{
		{f.Ordered, "ordered"},
		{f.KeyConsistent, "key-consistent"},
		{f.LocalKeyPartition, "local-key-partition"},
		{f.MultiQuery, "multi-query"},
		{f.CellTTL, "cell-ttl"},
		{f.StoreTTL, "store-ttl"},
		{f.Persistent, "persistent"},
		{f.Distributed, "distributed"},
	} {
		if x.on {
			names = append(names, x.name)
		}
	}
	return "[" + strings.Join(names, " ") + "]"
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is one named ordered key-column-value store.
// All operations take the transaction they run in; its consistency decides how reads are served.
type IStore interface {
	// Name returns the name the store was opened with.
	Name() string
	// Mutate applies deletions and then additions to one row atomically.
	Mutate(ctx context.Context, key []byte, additions []Entry, deletions [][]byte, tx Tx) (err error)
	// GetSlice returns the live cells of a row selected by the query, ordered by column.
	GetSlice(ctx context.Context, query KeySliceQuery, tx Tx) (entries []Entry, err error)
	// GetSlices runs the same slice query on several rows. The result is keyed by string(key).
	GetSlices(ctx context.Context, keys [][]byte, query SliceQuery, tx Tx) (entries map[string][]Entry, err error)
	// Close releases the store. The manager may keep the underlying data.
	Close() (err error)
}

// IStoreManager opens stores and transactions on one backend.
type IStoreManager interface {
	// Name identifies the backend, e.g. "local(birch)".
	Name() string
	// OpenStore opens (or creates) the named store. Opening the same name twice returns the same store.
	OpenStore(name string) (IStore, error)
	// BeginTransaction opens a transaction with the given configuration.
	BeginTransaction(ctx context.Context, config TxConfig) (Tx, error)
	// MutateMany applies mutations keyed by store name and then by string(row key).
	// Each row mutation is atomic, there is no atomicity across rows.
	MutateMany(ctx context.Context, mutations map[string]map[string]Mutation, tx Tx) (err error)
	// Features returns the capabilities of the backend.
	Features() Features
	// LocalKeyPartition returns the key ranges held by this process.
	// Fails with RetCUnsupportedOperation unless Features().LocalKeyPartition is set.
	LocalKeyPartition() ([]KeyRange, error)
	// Close closes all stores.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code  RetCode // The return code
	Msg   string  // The error message.
	Cause error   // The underlying error, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap returns the cause, so errors.Is sees e.g. context.DeadlineExceeded.
func (e *Error) Unwrap() error { return e.Cause }

// Temporary reports whether retrying the operation may succeed.
func (e *Error) Temporary() bool {
	return e.Code == RetCTemporaryFailure
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// WrapError creates a store error with code that keeps cause in the error chain.
func WrapError(code RetCode, cause error) *Error {
	return &Error{
		Code:  code,
		Msg:   cause.Error(),
		Cause: cause,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying database.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCTemporaryFailure                    // 4: Transient failure (busy, timeout), retry may succeed.
	RetCClosed                              // 5: Store or manager already closed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "RetCSuccess"
	case RetCInternalError:
		return "RetCInternalError"
	case RetCUnsupportedOperation:
		return "RetCUnsupportedOperation"
	case RetCInvalidOperation:
		return "RetCInvalidOperation"
	case RetCTemporaryFailure:
		return "RetCTemporaryFailure"
	case RetCClosed:
		return "RetCClosed"
	default:
		return fmt.Sprintf("RetCode(%d)", uint64(c))
	}
}
