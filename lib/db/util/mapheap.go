// Package util
//
// This file provides the expiry heap used by engines with per cell TTL.
//
// MapHeap is a binary min heap ordered by priority (an expiry time) combined
// with a map from key to heap slot, so a key can be rescheduled or removed in
// O(log n) when its cell is overwritten or deleted before it expires.
//
// The heap is not thread-safe; engines guard it with their shard lock.
//
// Example usage:
//
//	h := NewMapHeap()
//	h.AddItem(cellHash, uint64(expireAt))
//	h.RemoveByKey(cellHash)          // cell overwritten without TTL
//	due := h.PopDue(uint64(now))     // keys whose expiry is <= now
package util

import (
	"container/heap"
	"strconv"
)

// item is one scheduled key
type item struct {
	Key      uint64 // hashed cell identity
	Priority uint64 // expiry time, smaller pops first
	index    int    // slot in the heap, maintained by container/heap
}

func (i *item) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// MapHeap is a min heap with key based access
type MapHeap struct {
	items []*item
	byKey map[uint64]*item
}

// NewMapHeap creates an empty heap
func NewMapHeap() *MapHeap {
	return &MapHeap{
		items: make([]*item, 0),
		byKey: make(map[uint64]*item),
	}
}

// heap.Interface

func (h *MapHeap) Len() int { return len(h.items) }

func (h *MapHeap) Less(i, j int) bool { return h.items[i].Priority < h.items[j].Priority }

func (h *MapHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.byKey[it.Key] = it
}

func (h *MapHeap) Pop() interface{} {
	n := len(h.items)
	it := h.items[n-1]
	h.items[n-1] = nil
	it.index = -1
	h.items = h.items[:n-1]
	delete(h.byKey, it.Key)
	return it
}

// AddItem schedules key at priority, rescheduling it if it is already present
func (h *MapHeap) AddItem(key, priority uint64) {
	if it, ok := h.byKey[key]; ok {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &item{Key: key, Priority: priority})
}

// RemoveByKey unschedules key and returns its priority
func (h *MapHeap) RemoveByKey(key uint64) (uint64, bool) {
	it, ok := h.byKey[key]
	if !ok {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the smallest priority without removing it
func (h *MapHeap) Peek() (*item, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// PopDue removes and returns, in priority order, all keys with a priority <= limit
func (h *MapHeap) PopDue(limit uint64) []uint64 {
	var keys []uint64
	for len(h.items) > 0 && h.items[0].Priority <= limit {
		keys = append(keys, heap.Pop(h).(*item).Key)
	}
	return keys
}

// Contains checks if a key is scheduled
func (h *MapHeap) Contains(key uint64) bool {
	_, ok := h.byKey[key]
	return ok
}
