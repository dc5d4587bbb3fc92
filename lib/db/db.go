package db

import (
	"bytes"
	"io"
	"strings"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplBirch  Implementation = "birch"
	ImplPebble Implementation = "pebble"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureMutate         Feature = 1 << iota // Support for Mutate operations
	FeatureGetSlice                           // Support for GetSlice operations
	FeatureCellTTL                            // Support for per cell expiration
	FeatureSave                               // Support for Save operations
	FeatureLoad                               // Support for Load operations
	FeatureGarbageCollect                     // Expired cells are removed in the background
	FeaturePersistent                         // Data survives a restart of the process
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureMutate, "Mutate"},
	{FeatureGetSlice, "GetSlice"},
	{FeatureCellTTL, "CellTTL"},
	{FeatureSave, "Save"},
	{FeatureLoad, "Load"},
	{FeatureGarbageCollect, "GarbageCollect"},
	{FeaturePersistent, "Persistent"},
}

func (f Feature) String() string {
	var names []string
	for _, fn := range featureNames {
		if f&fn.f != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "Unknown"
	}
	return strings.Join(names, "|")
}

// Features splits a feature mask into its single flags.
func (f Feature) Features() []Feature {
	var out []Feature
	for _, fn := range featureNames {
		if f&fn.f != 0 {
			out = append(out, fn.f)
		}
	}
	return out
}

type DatabaseInfo struct {
	Rows              int            `json:"rows"`
	Cells             int            `json:"cells"`
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// Entry is a single cell of a row.
type Entry struct {
	Column   []byte
	Value    []byte
	ExpireAt int64 // unix nano, 0 means the cell never expires
}

// Expired reports whether the cell is expired at the given unix nano time.
func (e Entry) Expired(now int64) bool {
	return e.ExpireAt != 0 && e.ExpireAt <= now
}

// InRange reports whether column lies in [start, end). A nil end is unbounded.
func InRange(column, start, end []byte) bool {
	if bytes.Compare(column, start) < 0 {
		return false
	}
	return end == nil || bytes.Compare(column, end) < 0
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KCVDB defines an interface for ordered key-column-value database implementations.
// A row is addressed by a key and holds any number of cells ordered by the raw bytes
// of their column name.
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
type KCVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Mutate applies deletions and then additions to the row with the given key.
	// The whole mutation is atomic: a concurrent GetSlice observes either none or all of it.
	// Adding an existing column overwrites the old cell. Deleting a missing column is a no-op.
	Mutate(key []byte, additions []Entry, deletions [][]byte) (err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// GetSlice returns the live cells of a row whose column is in [start, end), ordered by column.
	// A nil end is unbounded. A limit <= 0 returns all matching cells.
	// Expired cells must never be returned, even if they are still stored internally.
	GetSlice(key, start, end []byte, limit int) (entries []Entry, err error)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save persists the current state of the database to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load restores the database state data provided by an io.Reader.
	// Existing content is replaced.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Returns true if the feature is supported, false otherwise.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close closes the database.
	Close() (err error)
}
