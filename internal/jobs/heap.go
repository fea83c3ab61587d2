package jobs

import "container/heap"

type heapItem struct {
	id   string
	rank int
	seq  uint64
}

// jobHeap orders job ids by priority, then submission order.
type jobHeap []heapItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(heapItem)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *jobHeap) push(job *Job) {
	heap.Push(h, heapItem{id: job.ID, rank: job.Priority.rank(), seq: job.Seq})
}

func (h *jobHeap) pop() (string, bool) {
	if h.Len() == 0 {
		return "", false
	}
	return heap.Pop(h).(heapItem).id, true
}
