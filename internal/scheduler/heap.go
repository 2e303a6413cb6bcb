package scheduler

// entry is one scheduled task in the priority queue. Only the ordering
// key lives here; task state is kept in the scheduler's id map so a
// server-side cancellation can drop a task without touching the heap
// (the stale entry is discarded when popped).
type entry struct {
	startEpoch int64
	stopEpoch  int64
	id         string
}

// taskHeap orders entries by (start, stop, id). The id tie-break keeps
// dispatch order deterministic when two tasks share a window.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].startEpoch != h[j].startEpoch {
		return h[i].startEpoch < h[j].startEpoch
	}
	if h[i].stopEpoch != h[j].stopEpoch {
		return h[i].stopEpoch < h[j].stopEpoch
	}
	return h[i].id < h[j].id
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*entry))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
