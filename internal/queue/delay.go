package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DelayQueue holds task ids until their run time. Due removes and returns the
// ids whose run time is not after now, earliest first.
type DelayQueue interface {
	Schedule(ctx context.Context, taskID string, runAt time.Time) error
	Due(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// Scoper hands out a view of a queue that only sees ids scheduled through
// the same scope. Due on one scope never claims another scope's ids.
type Scoper interface {
	Scope(name string) DelayQueue
}

type delayed struct {
	id    string
	runAt time.Time
	seq   uint64
}

type byRunAt []delayed

func (h byRunAt) Len() int { return len(h) }
func (h byRunAt) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].runAt.Before(h[j].runAt)
}
func (h byRunAt) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *byRunAt) Push(x any)   { *h = append(*h, x.(delayed)) }
func (h *byRunAt) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type memStore struct {
	mu    sync.Mutex
	heaps map[string]*byRunAt
	next  uint64
}

// MemoryQ is an in-process DelayQueue.
type MemoryQ struct {
	store *memStore
	scope string
}

func NewMemory() *MemoryQ {
	return &MemoryQ{store: &memStore{heaps: map[string]*byRunAt{}}}
}

// Scope returns a view sharing this queue's storage.
func (q *MemoryQ) Scope(name string) DelayQueue {
	return &MemoryQ{store: q.store, scope: q.scope + "/" + name}
}

func (q *MemoryQ) Schedule(_ context.Context, taskID string, runAt time.Time) error {
	st := q.store
	st.mu.Lock()
	defer st.mu.Unlock()
	h, ok := st.heaps[q.scope]
	if !ok {
		h = &byRunAt{}
		st.heaps[q.scope] = h
	}
	st.next++
	heap.Push(h, delayed{id: taskID, runAt: runAt, seq: st.next})
	return nil
}

func (q *MemoryQ) Due(_ context.Context, now time.Time, limit int64) ([]string, error) {
	st := q.store
	st.mu.Lock()
	defer st.mu.Unlock()
	h, ok := st.heaps[q.scope]
	if !ok {
		return nil, nil
	}
	var ids []string
	for h.Len() > 0 && (limit <= 0 || int64(len(ids)) < limit) {
		if (*h)[0].runAt.After(now) {
			break
		}
		ids = append(ids, heap.Pop(h).(delayed).id)
	}
	return ids, nil
}

// Len counts the ids waiting in this view. The root view counts every scope.
func (q *MemoryQ) Len() int {
	st := q.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if q.scope != "" {
		if h, ok := st.heaps[q.scope]; ok {
			return h.Len()
		}
		return 0
	}
	n := 0
	for _, h := range st.heaps {
		n += h.Len()
	}
	return n
}
