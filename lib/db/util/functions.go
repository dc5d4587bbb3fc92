package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed creates a random seed for internal hash distribution
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fall back to the clock if the system has no entropy source
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// UintKey is the hashed representation of a key
type UintKey uint64

const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// HashString generates a seeded FNV-1a hash for a string
func HashString(s string, seed uint64) UintKey {
	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return UintKey(hash)
}

// HashCell generates a seeded FNV-1a hash for a (key, column) pair.
// The key length is mixed in first so ("ab","c") and ("a","bc") differ.
func HashCell(key string, column []byte, seed uint64) UintKey {
	hash := uint64(offset64) ^ seed
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(key)))
	for _, c := range l {
		hash ^= uint64(c)
		hash *= prime64
	}
	for i := 0; i < len(key); i++ {
		hash ^= uint64(key[i])
		hash *= prime64
	}
	for _, c := range column {
		hash ^= uint64(c)
		hash *= prime64
	}
	return UintKey(hash)
}
