package idauthority

import (
	"encoding/binary"
	"fmt"
)

const (
	colBoundary byte = 0x00 // committed block: 0x00 || end, value start || ticks || rid
	colClaim    byte = 0x01 // ephemeral claim: 0x01 || ticks || rid, value start || end
)

// rowKey returns uint32 BE partition || uint32 BE namespace || uint32 BE tag
func rowKey(partition, namespace, tag uint32) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key[0:], partition)
	binary.BigEndian.PutUint32(key[4:], namespace)
	binary.BigEndian.PutUint32(key[8:], tag)
	return key
}

type boundary struct {
	start, end uint64
	ticks      int64
	rid        []byte
}

func encodeBoundary(b boundary) (col, val []byte) {
	col = make([]byte, 9)
	col[0] = colBoundary
	binary.BigEndian.PutUint64(col[1:], b.end)
	val = make([]byte, 16+len(b.rid))
	binary.BigEndian.PutUint64(val[0:], b.start)
	binary.BigEndian.PutUint64(val[8:], uint64(b.ticks))
	copy(val[16:], b.rid)
	return col, val
}

func decodeBoundary(col, val []byte) (boundary, error) {
	if len(col) != 9 || col[0] != colBoundary || len(val) < 16 {
		return boundary{}, fmt.Errorf("malformed boundary column")
	}
	return boundary{
		end:   binary.BigEndian.Uint64(col[1:]),
		start: binary.BigEndian.Uint64(val[0:]),
		ticks: int64(binary.BigEndian.Uint64(val[8:])),
		rid:   val[16:],
	}, nil
}

type claim struct {
	ticks      int64
	rid        []byte
	start, end uint64
}

func encodeClaim(c claim) (col, val []byte) {
	col = make([]byte, 9+len(c.rid))
	col[0] = colClaim
	binary.BigEndian.PutUint64(col[1:], uint64(c.ticks))
	copy(col[9:], c.rid)
	val = make([]byte, 16)
	binary.BigEndian.PutUint64(val[0:], c.start)
	binary.BigEndian.PutUint64(val[8:], c.end)
	return col, val
}

func decodeClaim(col, val []byte) (claim, error) {
	if len(col) <= 9 || col[0] != colClaim || len(val) != 16 {
		return claim{}, fmt.Errorf("malformed claim column")
	}
	return claim{
		ticks: int64(binary.BigEndian.Uint64(col[1:])),
		rid:   col[9:],
		start: binary.BigEndian.Uint64(val[0:]),
		end:   binary.BigEndian.Uint64(val[8:]),
	}, nil
}

// overlaps reports whether [s1,e1) and [s2,e2) intersect
func overlaps(s1, e1, s2, e2 uint64) bool {
	return s1 < e2 && s2 < e1
}
