package leader

import (
	"container/heap"

	"replog/internal/replog"
)

type waiter struct {
	index replog.LogIndex
	ch    chan error
}

// waiterHeap is a min-heap of waiters ordered by index, so that resolving everything up to the commit index only
// touches the waiters that are actually resolved
type waiterHeap []waiter

func (h waiterHeap) Len() int           { return len(h) }
func (h waiterHeap) Less(i, j int) bool { return h[i].index < h[j].index }
func (h waiterHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *waiterHeap) Push(x any) {
	*h = append(*h, x.(waiter))
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = waiter{}
	*h = old[:n-1]
	return w
}

func (h *waiterHeap) add(index replog.LogIndex, ch chan error) {
	heap.Push(h, waiter{index: index, ch: ch})
}

// resolveUpTo completes every waiter with index <= commitIndex, in increasing index order
func (h *waiterHeap) resolveUpTo(commitIndex replog.LogIndex) int {
	resolved := 0
	for h.Len() > 0 && (*h)[0].index <= commitIndex {
		w := heap.Pop(h).(waiter)
		w.ch <- nil
		resolved++
	}
	return resolved
}

// failAll completes every waiter with err
func (h *waiterHeap) failAll(err error) {
	for h.Len() > 0 {
		w := heap.Pop(h).(waiter)
		w.ch <- err
	}
}
