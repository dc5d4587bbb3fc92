// Package util provides utility components for database implementations that
// satisfy the db.KCVDB interface.
//
// The package contains:
//   - functions: seed generation and seeded FNV-1a hashing of keys and cells
//   - mapheap: a min heap of expiry times that also supports access by key,
//     used by engines to find cells whose TTL has run out
package util
