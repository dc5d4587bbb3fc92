package locking

import (
	"time"

	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/ValentinKolb/dClaim/lib/timestamp"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Mediator registry
// --------------------------------------------------------------------------

// Mediators is the registry of mediator groups of a process.
// Lockers built on the same group name share local exclusion, lockers on different groups never interfere.
type Mediators struct {
	times  timestamp.Provider
	groups *xsync.MapOf[string, *Mediator]
}

// NewMediators creates an empty registry. times is used to decide whether an entry has expired (nil = timestamp.Milli).
func NewMediators(times timestamp.Provider) *Mediators {
	if times == nil {
		times = timestamp.Milli
	}
	return &Mediators{
		times:  times,
		groups: xsync.NewMapOf[string, *Mediator](),
	}
}

// Get returns the mediator of a group, creating it on first use.
func (r *Mediators) Get(group string) *Mediator {
	m, _ := r.groups.LoadOrCompute(group, func() *Mediator {
		return newMediator(group, r.times)
	})
	return m
}

// Clear drops every group. Mediators handed out before keep working but are no longer shared.
func (r *Mediators) Clear() {
	r.groups.Clear()
}

// --------------------------------------------------------------------------
// Mediator
// --------------------------------------------------------------------------

type mediatorEntry struct {
	holder   store.Tx
	expireAt time.Time
}

// Mediator is the local lock table of one group. Holders are compared with ==.
type Mediator struct {
	name  string
	times timestamp.Provider
	locks *xsync.MapOf[LockID, mediatorEntry]
}

func newMediator(name string, times timestamp.Provider) *Mediator {
	return &Mediator{
		name:  name,
		times: times,
		locks: xsync.NewMapOf[LockID, mediatorEntry](),
	}
}

// Name returns the group name.
func (m *Mediator) Name() string { return m.name }

// Lock registers holder for id until expireAt. It fails if another holder has an unexpired entry.
// Locking again as the current holder succeeds and keeps the original expiration.
func (m *Mediator) Lock(id LockID, holder store.Tx, expireAt time.Time) bool {
	now := m.times.Now()
	ok := false
	m.locks.Compute(id, func(old mediatorEntry, loaded bool) (mediatorEntry, bool) {
		switch {
		case loaded && old.holder == holder:
			ok = true
			return old, false
		case loaded && !old.expireAt.Before(now):
			return old, false
		default:
			ok = true
			return mediatorEntry{holder: holder, expireAt: expireAt}, false
		}
	})
	if ok {
		log.Debugf("[%s] local lock %s acquired", m.name, id)
	}
	return ok
}

// Extend moves the expiration of the entry of holder forward to expireAt.
// It never shortens an entry and fails if holder does not hold id.
func (m *Mediator) Extend(id LockID, holder store.Tx, expireAt time.Time) bool {
	ok := false
	m.locks.Compute(id, func(old mediatorEntry, loaded bool) (mediatorEntry, bool) {
		if !loaded {
			return old, true
		}
		if old.holder != holder {
			return old, false
		}
		ok = true
		if expireAt.After(old.expireAt) {
			old.expireAt = expireAt
		}
		return old, false
	})
	return ok
}

// Unlock removes the entry of id if holder holds it.
func (m *Mediator) Unlock(id LockID, holder store.Tx) bool {
	ok := false
	m.locks.Compute(id, func(old mediatorEntry, loaded bool) (mediatorEntry, bool) {
		if !loaded {
			return old, true
		}
		if old.holder != holder {
			return old, false
		}
		ok = true
		return old, true
	})
	return ok
}

// Holder returns the current holder of id and its expiration. Expired entries are still reported.
func (m *Mediator) Holder(id LockID) (store.Tx, time.Time, bool) {
	e, ok := m.locks.Load(id)
	return e.holder, e.expireAt, ok
}
