package dispatcher

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// timerKind distinguishes what a deadline firing should do.
type timerKind int

const (
	timerAckDeadline timerKind = iota
	timerExecDeadline
	timerRetryDeadline
)

// timerItem is one entry in the deadline priority queue.
type timerItem struct {
	jobID    uuid.UUID
	kind     timerKind
	deadline time.Time
	epoch    uint64 // cancels stale timers: a re-armed timer bumps epoch
	index    int    // heap.Interface bookkeeping
}

// timerQueue is a single container/heap min-heap keyed by deadline,
// multiplexing ack/execution/retry timers onto one goroutine. No off-the-shelf
// timer-wheel or priority-queue library appears anywhere in the retrieval
// pack, so this one piece is stdlib container/heap by necessity (see
// DESIGN.md).
type timerQueue []*timerItem

func (q timerQueue) Len() int { return len(q) }
func (q timerQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }
func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *timerQueue) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*q)
	*q = append(*q, item)
}
func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// timerWheel owns the heap and the epoch map used to invalidate
// superseded timers (e.g. an ack timer cancelled by an on-time ACK).
type timerWheel struct {
	q      timerQueue
	epochs map[uuid.UUID]map[timerKind]uint64
}

func newTimerWheel() *timerWheel {
	return &timerWheel{
		q:      timerQueue{},
		epochs: make(map[uuid.UUID]map[timerKind]uint64),
	}
}

// arm schedules (or re-schedules, invalidating the prior one) a deadline for
// (jobID, kind).
func (w *timerWheel) arm(jobID uuid.UUID, kind timerKind, deadline time.Time) {
	if w.epochs[jobID] == nil {
		w.epochs[jobID] = make(map[timerKind]uint64)
	}
	w.epochs[jobID][kind]++
	heap.Push(&w.q, &timerItem{jobID: jobID, kind: kind, deadline: deadline, epoch: w.epochs[jobID][kind]})
}

// disarm invalidates any pending timer for (jobID, kind) without needing to
// find and remove it from the heap — the popped item's epoch is checked
// against the live epoch and stale pops are silently dropped.
func (w *timerWheel) disarm(jobID uuid.UUID, kind timerKind) {
	if w.epochs[jobID] == nil {
		return
	}
	w.epochs[jobID][kind]++
}

// next returns the earliest-deadline live item and true, or false if the
// queue is empty. Stale (superseded) entries are dropped and skipped
// automatically.
func (w *timerWheel) next() (*timerItem, bool) {
	for w.q.Len() > 0 {
		item := heap.Pop(&w.q).(*timerItem)
		if live, ok := w.epochs[item.jobID][item.kind]; ok && live == item.epoch {
			return item, true
		}
	}
	return nil, false
}

// peekDeadline returns the earliest live deadline without popping, used by
// the run loop to size its sleep.
func (w *timerWheel) peekDeadline() (time.Time, bool) {
	for w.q.Len() > 0 {
		item := w.q[0]
		if live, ok := w.epochs[item.jobID][item.kind]; ok && live == item.epoch {
			return item.deadline, true
		}
		heap.Pop(&w.q)
	}
	return time.Time{}, false
}
