package scheduler

import "container/heap"

// readyQueue orders ready instances by arena index, which is job
// declaration order followed by matrix expansion order.
type readyQueue []int

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i] < q[j] }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(int)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

func (q *readyQueue) push(idx int) { heap.Push(q, idx) }

// drain removes and returns all entries in order.
func (q *readyQueue) drain() []int {
	out := make([]int, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, heap.Pop(q).(int))
	}
	return out
}
