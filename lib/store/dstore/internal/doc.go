// Package internal provides the communication protocol structures and serialization
// logic for the dstore package. It defines the wire format used to transmit operations
// between the store client and the distributed state machine.
//
// This package is intended for internal use by the dstore implementation and should
// not be imported directly by external code.
//
// The package consists of two main components:
//
//   - Command System: row mutations (Mutate for one row, Batch for several rows,
//     possibly across stores) that modify the state machine. Commands are serialized,
//     proposed to the RAFT shard and applied by every replica. TTLs are resolved
//     into absolute expiry times by the proposer, so replicas apply identical cells.
//
//   - Query System: slice reads and engine info lookups. Queries are executed locally
//     on the state machine and therefore do not require serialization.
//
// Command Format (all integers big endian):
//
//	- 1 byte:  command type
//	- 4 bytes: row count
//	- per row:
//	    2 bytes store name length, store name
//	    4 bytes key length, key
//	    4 bytes addition count, per addition:
//	        4 bytes column length, column, 8 bytes expireAt, 4 bytes value length, value
//	    4 bytes deletion count, per deletion:
//	        4 bytes column length, column
//
//	Deserialize rejects truncated input and trailing bytes.
//
// Thread Safety:
//
//	The types in this package are not thread-safe and should not be shared
//	across goroutines without external synchronization.
package internal
