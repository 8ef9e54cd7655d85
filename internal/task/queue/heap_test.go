package queue

import (
	"container/heap"
	"reflect"
	"testing"
	"time"
)

func pushEntry(h *taskHeap, id string, p Priority, at time.Time, seq uint64) {
	heap.Push(h, &heapEntry{
		task:     Task{ID: id, Priority: p},
		stamp:    orderedStamp{at: at, seq: seq},
		queuedAt: at,
	})
}

func popAll(h *taskHeap) []string {
	var out []string
	for h.Len() > 0 {
		e := heap.Pop(h).(*heapEntry)
		out = append(out, e.task.ID)
	}
	return out
}

func TestHeapPriorityBeforeFIFO(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var h taskHeap
	pushEntry(&h, "n1", Normal, base, 1)
	pushEntry(&h, "l1", Low, base.Add(time.Second), 2)
	pushEntry(&h, "h1", High, base.Add(2*time.Second), 3)
	pushEntry(&h, "n2", Normal, base.Add(3*time.Second), 4)
	pushEntry(&h, "h2", High, base.Add(4*time.Second), 5)

	got := popAll(&h)
	want := []string{"h1", "h2", "n1", "n2", "l1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("pop order = %v, want %v", got, want)
	}
}

func TestHeapSeqBreaksEqualTimes(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var h taskHeap
	// Same wall-clock stamp for all three; only seq differs.
	pushEntry(&h, "c", Normal, at, 30)
	pushEntry(&h, "a", Normal, at, 10)
	pushEntry(&h, "b", Normal, at, 20)

	got := popAll(&h)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("pop order = %v, want %v", got, want)
	}
}

func TestHeapSortedDoesNotDisturbHeap(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var h taskHeap
	pushEntry(&h, "n1", Normal, base, 1)
	pushEntry(&h, "h1", High, base.Add(time.Second), 2)
	pushEntry(&h, "l1", Low, base.Add(2*time.Second), 3)

	view := h.sorted()
	ids := make([]string, len(view))
	for i, e := range view {
		ids[i] = e.task.ID
	}
	if want := []string{"h1", "n1", "l1"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("sorted view = %v, want %v", ids, want)
	}

	// The underlying heap still pops correctly afterwards.
	if got, want := popAll(&h), []string{"h1", "n1", "l1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("pop order after sorted = %v, want %v", got, want)
	}
}

func TestHeapFind(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var h taskHeap
	pushEntry(&h, "a", Normal, base, 1)
	pushEntry(&h, "b", High, base, 2)

	if i := h.find("b"); i < 0 {
		t.Fatalf("find(b) = %d, want an index", i)
	}
	if i := h.find("zzz"); i != -1 {
		t.Fatalf("find(zzz) = %d, want -1", i)
	}
}
