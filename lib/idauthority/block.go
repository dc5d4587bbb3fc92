package idauthority

import "fmt"

// IDBlock is an allocated range [start, start+size) of counters of one (partition, namespace, tag).
// It is immutable.
type IDBlock struct {
	start uint64
	size  uint64
	bits  uint8
	tag   uint32
}

// Start returns the first counter of the block.
func (b *IDBlock) Start() uint64 { return b.start }

// Size returns the number of ids in the block.
func (b *IDBlock) Size() uint64 { return b.size }

// Tag returns the conflict avoidance tag embedded in every id.
func (b *IDBlock) Tag() uint32 { return b.tag }

// GetID returns the i-th id of the block, (start+i) << bits | tag.
// It panics if i is out of range.
func (b *IDBlock) GetID(i uint64) uint64 {
	if i >= b.size {
		panic(fmt.Sprintf("idauthority: index %d out of range for block of size %d", i, b.size))
	}
	return (b.start+i)<<b.bits | uint64(b.tag)
}

func (b *IDBlock) String() string {
	return fmt.Sprintf("[%d,%d) tag=%d", b.start, b.start+b.size, b.tag)
}
