package kernel

import (
	"container/heap"
	"sort"
)

// taskQueue is an indexed binary heap of tasks. Each queue kind keeps the
// heap position in its own Task field so a task can be fixed or removed in
// O(log n) after a priority or deadline change.
type taskQueue struct {
	items []*Task
	less  func(a, b *Task) bool
	slot  func(*Task) *int
}

func readySlot(t *Task) *int { return &t.readyIndex }
func waitSlot(t *Task) *int  { return &t.waitIndex }

func (q *taskQueue) Len() int           { return len(q.items) }
func (q *taskQueue) Less(i, j int) bool { return q.less(q.items[i], q.items[j]) }

func (q *taskQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	*q.slot(q.items[i]) = i
	*q.slot(q.items[j]) = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*Task)
	*q.slot(t) = len(q.items)
	q.items = append(q.items, t)
}

func (q *taskQueue) Pop() any {
	n := len(q.items) - 1
	t := q.items[n]
	q.items[n] = nil
	q.items = q.items[:n]
	*q.slot(t) = -1
	return t
}

func (q *taskQueue) push(t *Task) { heap.Push(q, t) }

func (q *taskQueue) pop() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*Task)
}

func (q *taskQueue) peek() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *taskQueue) index(t *Task) int {
	i := *q.slot(t)
	if i < 0 || i >= len(q.items) || q.items[i] != t {
		return -1
	}
	return i
}

func (q *taskQueue) remove(t *Task) {
	if i := q.index(t); i >= 0 {
		heap.Remove(q, i)
	}
}

func (q *taskQueue) fix(t *Task) {
	if i := q.index(t); i >= 0 {
		heap.Fix(q, i)
	}
}

// sorted returns the queued tasks in dequeue order.
func (q *taskQueue) sorted() []*Task {
	out := append([]*Task(nil), q.items...)
	sort.Slice(out, func(i, j int) bool { return q.less(out[i], out[j]) })
	return out
}

// WaitList holds tasks blocked on one kernel object, most urgent first.
// All methods require the critical section.
type WaitList struct {
	q taskQueue
}

// NewWaitList returns a wait list ranked like the ready list.
func (k *Kernel) NewWaitList() *WaitList {
	return &WaitList{q: taskQueue{less: k.before, slot: waitSlot}}
}

// Len returns the number of waiting tasks.
func (w *WaitList) Len() int { return w.q.Len() }

// Tasks returns the waiting tasks in wake order.
func (w *WaitList) Tasks() []*Task { return w.q.sorted() }
