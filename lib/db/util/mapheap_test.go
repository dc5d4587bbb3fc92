package util

import (
	"math/rand"
	"sort"
	"testing"
)

func TestMapHeapOrder(t *testing.T) {
	h := NewMapHeap()
	priorities := []uint64{50, 10, 40, 30, 20}
	for i, p := range priorities {
		h.AddItem(uint64(i), p)
	}

	if it, ok := h.Peek(); !ok || it.Priority != 10 {
		t.Fatalf("Peek() = %v, %v; want priority 10", it, ok)
	}

	due := h.PopDue(30)
	want := []uint64{1, 4, 3}
	if len(due) != len(want) {
		t.Fatalf("PopDue(30) returned %v, want %v", due, want)
	}
	for i := range want {
		if due[i] != want[i] {
			t.Errorf("PopDue(30)[%d] = %d, want %d", i, due[i], want[i])
		}
	}
	if h.Len() != 2 {
		t.Errorf("Len() = %d after PopDue, want 2", h.Len())
	}
}

func TestMapHeapReschedule(t *testing.T) {
	h := NewMapHeap()
	h.AddItem(1, 100)
	h.AddItem(2, 200)

	// moving key 2 in front of key 1
	h.AddItem(2, 50)
	if h.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (reschedule must not duplicate)", h.Len())
	}
	if it, _ := h.Peek(); it.Key != 2 {
		t.Errorf("Peek().Key = %d, want 2", it.Key)
	}
}

func TestMapHeapRemove(t *testing.T) {
	h := NewMapHeap()
	h.AddItem(1, 100)
	h.AddItem(2, 200)

	if p, ok := h.RemoveByKey(1); !ok || p != 100 {
		t.Errorf("RemoveByKey(1) = %d, %v; want 100, true", p, ok)
	}
	if _, ok := h.RemoveByKey(1); ok {
		t.Error("RemoveByKey(1) twice should report false")
	}
	if h.Contains(1) || !h.Contains(2) {
		t.Error("Contains() inconsistent after remove")
	}
	if due := h.PopDue(150); len(due) != 0 {
		t.Errorf("PopDue(150) = %v, want nothing", due)
	}
}

func TestMapHeapRandom(t *testing.T) {
	h := NewMapHeap()
	r := rand.New(rand.NewSource(1))
	var prios []uint64
	for i := 0; i < 1000; i++ {
		p := uint64(r.Intn(10000))
		prios = append(prios, p)
		h.AddItem(uint64(i), p)
	}
	sort.Slice(prios, func(i, j int) bool { return prios[i] < prios[j] })

	var last uint64
	for h.Len() > 0 {
		it, _ := h.Peek()
		if it.Priority < last {
			t.Fatalf("heap order violated: %d after %d", it.Priority, last)
		}
		last = it.Priority
		h.PopDue(it.Priority)
	}
	if last != prios[len(prios)-1] {
		t.Errorf("last priority = %d, want %d", last, prios[len(prios)-1])
	}
}

func TestHashCell(t *testing.T) {
	seed := GenerateSeed()
	if HashCell("ab", []byte("c"), seed) == HashCell("a", []byte("bc"), seed) {
		t.Error("HashCell must separate key and column")
	}
	if HashCell("k", []byte("c"), seed) != HashCell("k", []byte("c"), seed) {
		t.Error("HashCell must be deterministic")
	}
	if HashString("k", 1) == HashString("k", 2) {
		t.Error("HashString must depend on the seed")
	}
}
