package locking

import (
	"testing"
	"time"

	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/ValentinKolb/dClaim/lib/timestamp"
	"github.com/stretchr/testify/assert"
)

func TestMediatorRegistry(t *testing.T) {
	r := NewMediators(nil)
	m := r.Get("g")
	assert.Same(t, m, r.Get("g"))
	assert.NotSame(t, m, r.Get("other"))
	assert.Equal(t, "g", m.Name())

	r.Clear()
	assert.NotSame(t, m, r.Get("g"))
}

func TestMediatorLockUnlock(t *testing.T) {
	times := timestamp.NewManualProvider(time.Unix(1_700_000_000, 0), time.Millisecond)
	m := NewMediators(times).Get("g")
	id := NewLockID([]byte("k"), []byte("c"))
	tx1 := store.NewBaseTx(store.TxConfig{})
	tx2 := store.NewBaseTx(store.TxConfig{})
	exp := times.Now().Add(time.Second)

	assert.True(t, m.Lock(id, tx1, exp))
	assert.False(t, m.Lock(id, tx2, exp), "other holder must be refused")
	assert.True(t, m.Lock(id, tx1, exp.Add(time.Hour)), "lock is re-entrant")

	h, got, ok := m.Holder(id)
	assert.True(t, ok)
	assert.Same(t, tx1, h)
	assert.Equal(t, exp, got, "re-locking must not extend the expiration")

	assert.False(t, m.Unlock(id, tx2))
	assert.True(t, m.Unlock(id, tx1))
	_, _, ok = m.Holder(id)
	assert.False(t, ok)
	assert.False(t, m.Unlock(id, tx1))
}

func TestMediatorExtend(t *testing.T) {
	times := timestamp.NewManualProvider(time.Unix(1_700_000_000, 0), time.Millisecond)
	m := NewMediators(times).Get("g")
	id := NewLockID([]byte("k"), []byte("c"))
	tx1 := store.NewBaseTx(store.TxConfig{})
	tx2 := store.NewBaseTx(store.TxConfig{})
	exp := times.Now().Add(time.Second)

	assert.False(t, m.Extend(id, tx1, exp), "extend without lock")
	_, _, ok := m.Holder(id)
	assert.False(t, ok)

	m.Lock(id, tx1, exp)
	assert.False(t, m.Extend(id, tx2, exp.Add(time.Minute)))
	assert.True(t, m.Extend(id, tx1, exp.Add(time.Minute)))
	_, got, _ := m.Holder(id)
	assert.Equal(t, exp.Add(time.Minute), got)

	assert.True(t, m.Extend(id, tx1, exp))
	_, got, _ = m.Holder(id)
	assert.Equal(t, exp.Add(time.Minute), got, "extend never shortens")
}

func TestMediatorExpiredEntryIsTakenOver(t *testing.T) {
	times := timestamp.NewManualProvider(time.Unix(1_700_000_000, 0), time.Millisecond)
	m := NewMediators(times).Get("g")
	id := NewLockID([]byte("k"), []byte("c"))
	tx1 := store.NewBaseTx(store.TxConfig{})
	tx2 := store.NewBaseTx(store.TxConfig{})

	assert.True(t, m.Lock(id, tx1, times.Now().Add(10*time.Millisecond)))
	times.Advance(5 * time.Millisecond)
	assert.False(t, m.Lock(id, tx2, times.Now().Add(time.Second)))
	times.Advance(10 * time.Millisecond)
	assert.True(t, m.Lock(id, tx2, times.Now().Add(time.Second)))

	h, _, _ := m.Holder(id)
	assert.Same(t, tx2, h)
	assert.False(t, m.Unlock(id, tx1), "previous holder cannot unlock")
}
