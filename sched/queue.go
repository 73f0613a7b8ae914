// ABOUTME: Run queue deque used for the global queue and per-worker queues
// ABOUTME: FIFO at the front for owners, stealable from the tail

package sched

// runQueue is a double-ended queue of runnable goroutines. The owner pushes
// and pops at the front in FIFO order; an idle worker steals from the tail.
// Synchronization is provided by the scheduler's lock.
type runQueue struct {
	items []*Goroutine
}

// pushBack appends a goroutine at the tail.
func (q *runQueue) pushBack(g *Goroutine) {
	q.items = append(q.items, g)
}

// popFront removes the eldest goroutine, or returns nil when empty.
func (q *runQueue) popFront() *Goroutine {
	if len(q.items) == 0 {
		return nil
	}
	g := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return g
}

// popBack removes the newest goroutine, used by stealing workers to take
// work the owner would reach last.
func (q *runQueue) popBack() *Goroutine {
	if len(q.items) == 0 {
		return nil
	}
	g := q.items[len(q.items)-1]
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return g
}

// size returns the number of queued goroutines.
func (q *runQueue) size() int {
	return len(q.items)
}
