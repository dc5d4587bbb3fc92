package internal

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dClaim/lib/db"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTMutate CommandType = iota // Mutate exactly one row.
	CommandTBatch                     // Mutate several rows, possibly in several stores.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTMutate:
		return "Mutate"
	case CommandTBatch:
		return "Batch"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// ToDBFeature converts a CommandType to the corresponding db.Feature.
// This can be used for checking if the database supports a certain operation.
func (ct CommandType) ToDBFeature() (db.Feature, error) {
	switch ct {
	case CommandTMutate, CommandTBatch:
		return db.FeatureMutate, nil
	default:
		return 0, fmt.Errorf("unknown command type %d", ct)
	}
}

// RowMutation is the change to one row of one store
type RowMutation struct {
	Store     string
	Key       []byte
	Additions []db.Entry // ExpireAt is absolute, resolved by the proposer
	Deletions [][]byte
}

// Command represents a command to be executed by the state machine (a single entry in the raft log)
type Command struct {
	Type CommandType
	Rows []RowMutation
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	size := 1 + 4 // Type + RowCount
	for _, r := range command.Rows {
		size += 2 + len(r.Store) + 4 + len(r.Key) + 4 + 4
		for _, e := range r.Additions {
			size += 4 + len(e.Column) + 8 + 4 + len(e.Value)
		}
		for _, d := range r.Deletions {
			size += 4 + len(d)
		}
	}
	return size
}

// Serialize serializes a command into a byte array with the format (all integers big endian):
// 1 byte operation type,
// 4 bytes row count, then per row:
// 2 bytes store name length + store name,
// 4 bytes key length + key,
// 4 bytes addition count, per addition: 4 bytes column length + column, 8 bytes expireAt, 4 bytes value length + value,
// 4 bytes deletion count, per deletion: 4 bytes column length + column
func (command *Command) Serialize() []byte {
	buf := make([]byte, command.SizeBytes())
	buf[0] = byte(command.Type)
	off := 1
	binary.BigEndian.PutUint32(buf[off:], uint32(len(command.Rows)))
	off += 4

	putBytes32 := func(p []byte) {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(p)))
		off += 4
		off += copy(buf[off:], p)
	}

	for _, r := range command.Rows {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(r.Store)))
		off += 2
		off += copy(buf[off:], r.Store)
		putBytes32(r.Key)

		binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Additions)))
		off += 4
		for _, e := range r.Additions {
			putBytes32(e.Column)
			binary.BigEndian.PutUint64(buf[off:], uint64(e.ExpireAt))
			off += 8
			putBytes32(e.Value)
		}

		binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Deletions)))
		off += 4
		for _, d := range r.Deletions {
			putBytes32(d)
		}
	}
	return buf
}

// decoder reads big endian fields and remembers the first error
type decoder struct {
	data []byte
	off  int
	err  error
}

func (d *decoder) need(n int, what string) bool {
	if d.err != nil {
		return false
	}
	if len(d.data)-d.off < n {
		d.err = fmt.Errorf("data too short for %s", what)
		return false
	}
	return true
}

func (d *decoder) uint16(what string) uint16 {
	if !d.need(2, what) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.data[d.off:])
	d.off += 2
	return v
}

func (d *decoder) uint32(what string) uint32 {
	if !d.need(4, what) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v
}

func (d *decoder) uint64(what string) uint64 {
	if !d.need(8, what) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}

func (d *decoder) bytes(n int, what string) []byte {
	if !d.need(n, what) {
		return nil
	}
	p := make([]byte, n)
	copy(p, d.data[d.off:d.off+n])
	d.off += n
	return p
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("data too short for command")
	}
	d := &decoder{data: data}
	command.Type = CommandType(data[0])
	d.off = 1

	rowCount := d.uint32("row count")
	if d.err == nil && int(rowCount) > len(data) {
		return fmt.Errorf("row count %d exceeds command size", rowCount)
	}
	command.Rows = make([]RowMutation, 0, rowCount)

	for i := uint32(0); i < rowCount && d.err == nil; i++ {
		var r RowMutation
		r.Store = string(d.bytes(int(d.uint16("store length")), "store name"))
		r.Key = d.bytes(int(d.uint32("key length")), "key")

		n := d.uint32("addition count")
		for j := uint32(0); j < n && d.err == nil; j++ {
			var e db.Entry
			e.Column = d.bytes(int(d.uint32("column length")), "column")
			e.ExpireAt = int64(d.uint64("expireAt"))
			e.Value = d.bytes(int(d.uint32("value length")), "value")
			r.Additions = append(r.Additions, e)
		}

		n = d.uint32("deletion count")
		for j := uint32(0); j < n && d.err == nil; j++ {
			r.Deletions = append(r.Deletions, d.bytes(int(d.uint32("column length")), "column"))
		}
		command.Rows = append(command.Rows, r)
	}
	if d.err != nil {
		return d.err
	}
	if d.off != len(data) {
		return fmt.Errorf("%d trailing bytes after command", len(data)-d.off)
	}
	return nil
}
