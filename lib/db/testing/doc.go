// Package testing provides standardised tests and benchmarks for database
// implementations that satisfy the db.KCVDB interface.
//
// The package contains:
//   - testing: a conformance suite for the KCVDB contract (ordering, slice bounds,
//     atomic row mutation, cell expiry, save/load, concurrency)
//   - benchmark: throughput of the operations the claim protocol issues
//
// Tests for optional behaviour are skipped when the engine does not report the
// matching feature flag.
//
// Example usage:
//
//	factory := func() db.KCVDB {
//		return NewMyDatabase()
//	}
//
//	dbtesting.RunKCVDBTests(t, "MyDatabase", factory)
//	dbtesting.RunKCVDBBenchmarks(b, "MyDatabase", factory)
package testing
