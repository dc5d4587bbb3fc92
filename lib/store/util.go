package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db"
)

// --------------------------------------------------------------------------
// Transaction handle shared by the backends
// --------------------------------------------------------------------------

// BaseTx is a Tx that only tracks its configuration and whether it has finished.
type BaseTx struct {
	config TxConfig
	done   atomic.Bool
}

// NewBaseTx creates an open transaction handle.
func NewBaseTx(config TxConfig) *BaseTx {
	return &BaseTx{config: config}
}

func (t *BaseTx) Config() TxConfig { return t.config }

func (t *BaseTx) Commit() error { return t.finish("commit") }

func (t *BaseTx) Rollback() error { return t.finish("rollback") }

func (t *BaseTx) finish(op string) error {
	if !t.done.CompareAndSwap(false, true) {
		return NewError(RetCInvalidOperation, op+" of a finished transaction")
	}
	return nil
}

// CheckTx returns the consistency of tx, or an error if tx is nil or already finished.
func CheckTx(tx Tx) (Consistency, error) {
	if tx == nil {
		return 0, NewError(RetCInvalidOperation, "nil transaction")
	}
	if b, ok := tx.(*BaseTx); ok && b.done.Load() {
		return 0, NewError(RetCInvalidOperation, "transaction already finished")
	}
	return tx.Config().Consistency, nil
}

// CheckContext converts a finished context into a store error.
func CheckContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return WrapError(RetCTemporaryFailure, err)
		}
		return WrapError(RetCInvalidOperation, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Conversion between store and db entries
// --------------------------------------------------------------------------

// ToDBEntries converts client entries into engine cells, resolving TTLs against now.
func ToDBEntries(entries []Entry, now time.Time) []db.Entry {
	out := make([]db.Entry, len(entries))
	for i, e := range entries {
		out[i] = db.Entry{Column: e.Column, Value: e.Value}
		if e.TTL > 0 {
			out[i].ExpireAt = now.Add(e.TTL).UnixNano()
		}
	}
	return out
}

// FromDBEntries converts engine cells into client entries with their remaining TTL.
func FromDBEntries(entries []db.Entry, now time.Time) []Entry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Column: e.Column, Value: e.Value}
		if e.ExpireAt != 0 {
			out[i].TTL = time.Duration(e.ExpireAt - now.UnixNano())
		}
	}
	return out
}

// HasTTL reports whether any entry carries a TTL.
func HasTTL(entries []Entry) bool {
	for _, e := range entries {
		if e.TTL > 0 {
			return true
		}
	}
	return false
}
