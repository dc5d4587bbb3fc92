package idauthority

// BlockSizer decides block size and id space per namespace.
type BlockSizer interface {
	// BlockSize returns the number of ids per block.
	BlockSize(namespace uint32) uint64
	// IDUpperBound returns the largest id of the namespace, tag bits included.
	IDUpperBound(namespace uint32) uint64
}

// SimpleBlockSizer uses the same values for every namespace.
type SimpleBlockSizer struct {
	Size       uint64
	UpperBound uint64
}

func (s SimpleBlockSizer) BlockSize(uint32) uint64 { return s.Size }

func (s SimpleBlockSizer) IDUpperBound(uint32) uint64 { return s.UpperBound }
