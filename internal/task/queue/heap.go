package queue

import (
	"sort"
	"time"
)

// orderedStamp fixes a task's place within its priority band. seq breaks
// equal-time ties so admission order is never ambiguous even when the
// clock does not advance between enqueues.
type orderedStamp struct {
	at  time.Time
	seq uint64
}

type heapEntry struct {
	task  Task
	stamp orderedStamp

	// queuedAt is the admission time, kept apart from the stamp because
	// Reorder rewrites stamps but waiting time must survive it.
	queuedAt time.Time
}

func entryLess(a, b *heapEntry) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.stamp.at.Equal(b.stamp.at) {
		return a.stamp.at.Before(b.stamp.at)
	}
	return a.stamp.seq < b.stamp.seq
}

// taskHeap is a min-heap: highest priority first, oldest stamp within a
// priority. Mutations happen under the service mutex.
type taskHeap []*heapEntry

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return entryLess(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*heapEntry)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (h taskHeap) find(id string) int {
	for i, e := range h {
		if e.task.ID == id {
			return i
		}
	}
	return -1
}

// sorted returns the entries in dispatch order without disturbing the
// heap's internal layout.
func (h taskHeap) sorted() []*heapEntry {
	out := make([]*heapEntry, len(h))
	copy(out, h)
	sort.Slice(out, func(i, j int) bool { return entryLess(out[i], out[j]) })
	return out
}
