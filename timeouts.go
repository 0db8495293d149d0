package netcall

import (
	"container/heap"
	"sync"
	"time"
)

// timeoutEntry is one pending (call id, deadline) pair.
type timeoutEntry struct {
	callID   uint64
	deadline time.Time
	index    int // heap index, -1 once removed
}

type timeoutHeap []*timeoutEntry

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timeoutHeap) Push(x interface{}) {
	e := x.(*timeoutEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timeoutRegistry tracks in-flight call ids against deadlines. It knows
// nothing of transports or serializers; the owner decides what expiry
// means.
type timeoutRegistry struct {
	mu   sync.Mutex
	heap timeoutHeap
	byID map[uint64]*timeoutEntry
}

func newTimeoutRegistry() *timeoutRegistry {
	return &timeoutRegistry{byID: make(map[uint64]*timeoutEntry)}
}

// register adds or refreshes the deadline for a call id.
func (r *timeoutRegistry) register(callID uint64, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[callID]; ok {
		e.deadline = deadline
		heap.Fix(&r.heap, e.index)
		return
	}
	e := &timeoutEntry{callID: callID, deadline: deadline}
	r.byID[callID] = e
	heap.Push(&r.heap, e)
}

// cancel removes a call id, normally because its call resolved.
func (r *timeoutRegistry) cancel(callID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[callID]; ok {
		delete(r.byID, callID)
		if e.index >= 0 {
			heap.Remove(&r.heap, e.index)
		}
	}
}

// sweep removes and returns every call id whose deadline is at or
// before now.
func (r *timeoutRegistry) sweep(now time.Time) (expired []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.heap) > 0 && !r.heap[0].deadline.After(now) {
		e := heap.Pop(&r.heap).(*timeoutEntry)
		delete(r.byID, e.callID)
		expired = append(expired, e.callID)
	}
	return
}

// len reports the number of pending entries.
func (r *timeoutRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
