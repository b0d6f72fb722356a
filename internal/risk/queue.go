package risk

import (
	"container/heap"

	"github.com/google/uuid"

	"VerseBet/internal/fixedpoint"
)

// QueueEntry is a position awaiting liquidation, ordered by priority.
// Priority grows as health shrinks so the least healthy positions are
// processed first.
type QueueEntry struct {
	PositionID     uuid.UUID
	Priority       int64
	HealthBps      int64
	EnqueuedAtSlot uint64
}

// Queue is a bounded max-priority queue of liquidation candidates. When full,
// a new entry displaces the lowest-priority one if it outranks it; otherwise
// the new entry is dropped. Re-enqueueing a known position updates its
// priority in place.
type Queue struct {
	items    queueHeap
	index    map[uuid.UUID]*queueItem
	capacity int
}

type queueItem struct {
	entry QueueEntry
	pos   int // heap slot, maintained by queueHeap
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make(queueHeap, 0, capacity),
		index:    make(map[uuid.UUID]*queueItem, capacity),
		capacity: capacity,
	}
}

// PriorityFor maps a health factor to a queue priority.
func PriorityFor(healthBps int64) int64 {
	p := int64(fixedpoint.BpsScale) - healthBps
	if p < 0 {
		p = 0
	}
	return p
}

// Enqueue inserts or updates a candidate. Returns true if the position is in
// the queue afterwards.
func (q *Queue) Enqueue(positionID uuid.UUID, healthBps int64, slot uint64) bool {
	priority := PriorityFor(healthBps)
	if item, ok := q.index[positionID]; ok {
		item.entry.Priority = priority
		item.entry.HealthBps = healthBps
		item.entry.EnqueuedAtSlot = slot
		heap.Fix(&q.items, item.pos)
		return true
	}

	if len(q.items) >= q.capacity {
		victim := q.lowest()
		if victim == nil || victim.entry.Priority >= priority {
			return false
		}
		heap.Remove(&q.items, victim.pos)
		delete(q.index, victim.entry.PositionID)
	}

	item := &queueItem{entry: QueueEntry{
		PositionID:     positionID,
		Priority:       priority,
		HealthBps:      healthBps,
		EnqueuedAtSlot: slot,
	}}
	q.index[positionID] = item
	heap.Push(&q.items, item)
	return true
}

// Remove drops a position from the queue, e.g. after a close or top-up.
func (q *Queue) Remove(positionID uuid.UUID) bool {
	item, ok := q.index[positionID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.pos)
	delete(q.index, positionID)
	return true
}

// PopBatch removes and returns up to n entries in descending priority order.
func (q *Queue) PopBatch(n int) []QueueEntry {
	if n <= 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]QueueEntry, 0, n)
	for i := 0; i < n; i++ {
		item := heap.Pop(&q.items).(*queueItem)
		delete(q.index, item.entry.PositionID)
		batch = append(batch, item.entry)
	}
	return batch
}

// Peek returns the highest-priority entry without removing it.
func (q *Queue) Peek() (QueueEntry, bool) {
	if len(q.items) == 0 {
		return QueueEntry{}, false
	}
	return q.items[0].entry, true
}

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Contains(positionID uuid.UUID) bool {
	_, ok := q.index[positionID]
	return ok
}

// lowest scans for the minimum-priority item. Linear, but the queue is small.
func (q *Queue) lowest() *queueItem {
	var min *queueItem
	for _, item := range q.items {
		if min == nil || item.entry.Priority < min.entry.Priority {
			min = item
		}
	}
	return min
}

type queueHeap []*queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	if h[i].entry.Priority != h[j].entry.Priority {
		return h[i].entry.Priority > h[j].entry.Priority
	}
	// Older entries first on ties.
	return h[i].entry.EnqueuedAtSlot < h[j].entry.EnqueuedAtSlot
}

func (h queueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *queueHeap) Push(x any) {
	item := x.(*queueItem)
	item.pos = len(*h)
	*h = append(*h, item)
}

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
