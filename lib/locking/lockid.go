package locking

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// LockID names the protected coordinate of a lock.
// It is a value type and can be used as a map key.
type LockID struct {
	Key    string
	Column string
}

// NewLockID creates a LockID from a row key and a column.
func NewLockID(key, column []byte) LockID {
	return LockID{Key: string(key), Column: string(column)}
}

func (id LockID) String() string {
	return fmt.Sprintf("%s/%s", hex.EncodeToString([]byte(id.Key)), hex.EncodeToString([]byte(id.Column)))
}

// LockRow returns the row holding the claims of id: uint32 BE len(key) || key || column.
// The length prefix keeps (key, column) pairs with a shared byte concatenation apart.
func LockRow(id LockID) []byte {
	row := make([]byte, 4+len(id.Key)+len(id.Column))
	binary.BigEndian.PutUint32(row, uint32(len(id.Key)))
	copy(row[4:], id.Key)
	copy(row[4+len(id.Key):], id.Column)
	return row
}

// --------------------------------------------------------------------------
// Claim columns
// --------------------------------------------------------------------------

const claimTicksLen = 8

// claimValue is the placeholder value of every claim cell
var claimValue = []byte{0}

// Claim is a decoded claim column.
type Claim struct {
	Ticks int64  // claim timestamp in provider ticks
	RID   []byte // writer identity
}

// EncodeClaim encodes a claim as uint64 BE ticks || rid.
// Byte order of encoded claims matches the (ticks, rid) order for non negative ticks.
func EncodeClaim(ticks int64, rid []byte) []byte {
	col := make([]byte, claimTicksLen+len(rid))
	binary.BigEndian.PutUint64(col, uint64(ticks))
	copy(col[claimTicksLen:], rid)
	return col
}

// DecodeClaim decodes a claim column. The rid must not be empty.
func DecodeClaim(col []byte) (Claim, error) {
	if len(col) <= claimTicksLen {
		return Claim{}, fmt.Errorf("claim column too short: %d bytes", len(col))
	}
	return Claim{
		Ticks: int64(binary.BigEndian.Uint64(col)),
		RID:   col[claimTicksLen:],
	}, nil
}

// Less orders claims by (ticks, rid). The smallest claim is the senior one.
func (c Claim) Less(o Claim) bool {
	if c.Ticks != o.Ticks {
		return c.Ticks < o.Ticks
	}
	return bytes.Compare(c.RID, o.RID) < 0
}

// Equal reports whether both claims are the same column.
func (c Claim) Equal(o Claim) bool {
	return c.Ticks == o.Ticks && bytes.Equal(c.RID, o.RID)
}
