package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"shutter/internal/services/jobs/domain"
)

// Memory is an in-process Queue for single-node deployments and tests
type Memory struct {
	mu      sync.Mutex
	ready   []domain.Snapshot
	delayed delayedHeap
	byID    map[string]*delayedEntry
}

// NewMemory returns an empty in-process queue
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*delayedEntry)}
}

// Enqueue appends s to the ready queue
func (m *Memory) Enqueue(_ context.Context, s domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, s)
	return nil
}

// Dequeue pops the oldest ready snapshot, or nil when empty
func (m *Memory) Dequeue(_ context.Context) (*domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ready) == 0 {
		return nil, nil
	}
	s := m.ready[0]
	m.ready = m.ready[1:]
	return &s, nil
}

// Size reports the ready queue depth
func (m *Memory) Size(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ready)), nil
}

// EnqueueDelayed schedules s for promotion at due. Re-scheduling an id
// already pending replaces its due time.
func (m *Memory) EnqueueDelayed(_ context.Context, s domain.Snapshot, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[s.JobID]; ok {
		old.cancelled = true
	}
	e := &delayedEntry{snap: s, due: due}
	m.byID[s.JobID] = e
	heap.Push(&m.delayed, e)
	return nil
}

// CancelDelayed removes a pending delayed entry
func (m *Memory) CancelDelayed(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[jobID]
	if !ok {
		return false, nil
	}
	e.cancelled = true
	delete(m.byID, jobID)
	return true, nil
}

// PromoteDue moves due, uncancelled entries to the ready queue
func (m *Memory) PromoteDue(_ context.Context, now time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := 0
	for moved < limit && m.delayed.Len() > 0 {
		next := m.delayed[0]
		if next.cancelled {
			heap.Pop(&m.delayed)
			continue
		}
		if next.due.After(now) {
			break
		}
		heap.Pop(&m.delayed)
		delete(m.byID, next.snap.JobID)
		m.ready = append(m.ready, next.snap)
		moved++
	}
	return moved, nil
}

// DelayedSize reports how many uncancelled entries are waiting; useful in
// tests and admin views
func (m *Memory) DelayedSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type delayedEntry struct {
	snap      domain.Snapshot
	due       time.Time
	cancelled bool
}

type delayedHeap []*delayedEntry

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(*delayedEntry)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
