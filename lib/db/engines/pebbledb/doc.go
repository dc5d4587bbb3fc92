// Package pebbledb provides a persistent implementation of the db.KCVDB
// interface on top of cockroachdb/pebble.
//
// Layout:
//
//	key   = uint32 BE len(rowKey) || rowKey || column
//	value = int64 BE expireAt || value
//
// The length prefix keeps rows apart (no row key is a prefix of another row's
// key space), and because pebble orders keys bytewise the cells of a row come
// back in column byte order. A row mutation is one pebble batch.
//
// Expired cells are skipped on read and purged with a follow up batch.
package pebbledb
