// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package optimizer

import (
	"container/heap"
	"sync"
	"time"

	"memwatch/errors"
	"memwatch/events"
)

// OperationOptions controls queued-operation admission
type OperationOptions struct {
	Priority int
	Timeout  time.Duration
}

const defaultOperationTimeout = 30 * time.Second

// waiter is one parked caller awaiting admission
type waiter struct {
	priority int
	seq      uint64
	admit    chan struct{}
	rejected chan error
	index    int
}

// waiterHeap orders waiters by priority desc, then FIFO by sequence
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// operationQueue bounds concurrent background work at maxConcurrent, parking
// up to 2·maxConcurrent waiters by priority. Overflow drops the
// lowest-priority tail with an operations-dropped notification.
type operationQueue struct {
	mu            sync.Mutex
	maxConcurrent int
	active        int
	pending       waiterHeap
	seq           uint64
	dropped       uint64
	closed        bool
	bus           *events.Bus
}

func newOperationQueue(maxConcurrent int, bus *events.Bus) *operationQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &operationQueue{maxConcurrent: maxConcurrent, bus: bus}
}

// run admits, waits if necessary, and executes op. The deadline covers both
// queue wait and execution.
func (q *operationQueue) run(op func() error, opts OperationOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ShutdownError("queue-operation")
	}

	if q.active < q.maxConcurrent {
		q.active++
		q.mu.Unlock()
		return q.execute(op, deadline)
	}

	// Park this caller; shed the lowest-priority tail on overflow
	q.seq++
	w := &waiter{
		priority: opts.Priority,
		seq:      q.seq,
		admit:    make(chan struct{}),
		rejected: make(chan error, 1),
	}
	heap.Push(&q.pending, w)

	if q.pending.Len() > 2*q.maxConcurrent {
		q.dropTail()
	}
	q.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-w.admit:
		return q.execute(op, deadline)
	case err := <-w.rejected:
		return err
	case <-timer.C:
		q.mu.Lock()
		// Lost the race only when admission already happened
		if w.index >= 0 && w.index < q.pending.Len() && q.pending[w.index] == w {
			heap.Remove(&q.pending, w.index)
			q.mu.Unlock()
			return errors.New(errors.CodeQueueTimeout, errors.CategoryPerformance,
				"queue-operation", "operation timed out waiting for admission")
		}
		q.mu.Unlock()
		select {
		case <-w.admit:
			return q.execute(op, deadline)
		case err := <-w.rejected:
			return err
		}
	}
}

// dropTail evicts the lowest-priority, most-recent waiter. Caller holds q.mu.
func (q *operationQueue) dropTail() {
	victim := 0
	for i := 1; i < q.pending.Len(); i++ {
		v, w := q.pending[victim], q.pending[i]
		if w.priority < v.priority || (w.priority == v.priority && w.seq > v.seq) {
			victim = i
		}
	}
	w := heap.Remove(&q.pending, victim).(*waiter)
	q.dropped++
	w.rejected <- errors.New(errors.CodeQueueOverflow, errors.CategoryPerformance,
		"queue-operation", "operation dropped, queue overflow")

	if q.bus != nil {
		q.bus.Emit(events.EventOperationsDropped, events.SeverityWarning, "optimizer",
			"operation queue overflow, lowest-priority work dropped", map[string]interface{}{
				"pending":      q.pending.Len(),
				"totalDropped": q.dropped,
			})
	}
}

// execute runs op within the remaining deadline budget, then admits the next
// highest-priority waiter.
func (q *operationQueue) execute(op func() error, deadline time.Time) error {
	defer q.finish()

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return errors.New(errors.CodeQueueTimeout, errors.CategoryPerformance,
			"queue-operation", "operation timed out before execution")
	}

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- errors.Newf(errors.CodeInvalidTransition, errors.CategoryPerformance,
					"queue-operation", "operation panic: %v", r)
			}
		}()
		result <- op()
	}()

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return errors.New(errors.CodeQueueTimeout, errors.CategoryPerformance,
			"queue-operation", "operation timed out during execution")
	}
}

// finish releases an execution slot and dispatches the next waiter
func (q *operationQueue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	if q.closed || q.pending.Len() == 0 {
		return
	}
	next := heap.Pop(&q.pending).(*waiter)
	q.active++
	close(next.admit)
}

// shutdown rejects every parked waiter with a shutdown error
func (q *operationQueue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for q.pending.Len() > 0 {
		w := heap.Pop(&q.pending).(*waiter)
		w.rejected <- errors.ShutdownError("queue-operation")
	}
}

func (q *operationQueue) stats() (active, pending int, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active, q.pending.Len(), q.dropped
}
