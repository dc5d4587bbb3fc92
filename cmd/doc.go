// Package cmd implements the command-line interface of dClaim. It wires the
// libraries under lib/ into a small set of commands that work against a local
// or a raft backed column store.
//
// The package is organized into several subpackages:
//
//   - lock: acquire (and hold) a lock on a (key, column) coordinate
//   - id: allocate id blocks (next) and run concurrent allocators (perf)
//   - cell: read cells and write them guarded by an expected value
//   - util: flags, configuration loading and backend setup (internal use)
//
// The configuration is read from flags, DCLAIM_ environment variables and .env files.
// See dclaim -help for a list of all commands.
package cmd
