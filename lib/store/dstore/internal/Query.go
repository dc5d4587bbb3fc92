package internal

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTSlice      QueryType = iota // Read a column range of one row.
	QueryTMultiSlice                  // Read the same column range of several rows.
	QueryTGetDBInfo                   // Retrieve metadata about the engine of a store.
)

func (q QueryType) String() string {
	switch q {
	case QueryTSlice:
		return "Slice"
	case QueryTMultiSlice:
		return "MultiSlice"
	case QueryTGetDBInfo:
		return "GetDBInfo"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead.
// Queries are executed on the local replica and are never serialized.
type Query struct {
	Type  QueryType
	Store string
	Keys  [][]byte // exactly one key for QueryTSlice
	Start []byte
	End   []byte // nil = unbounded
	Limit int
}
