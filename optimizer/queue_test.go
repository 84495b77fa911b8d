// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package optimizer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memwatch/errors"
)

func TestQueueRunsImmediatelyUnderCapacity(t *testing.T) {
	q := newOperationQueue(2, nil)

	called := false
	err := q.run(func() error {
		called = true
		return nil
	}, OperationOptions{})

	require.NoError(t, err)
	assert.True(t, called)
}

func TestQueueBoundsConcurrency(t *testing.T) {
	q := newOperationQueue(2, nil)

	var concurrent, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.run(func() error {
				cur := concurrent.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			}, OperationOptions{Timeout: 5 * time.Second})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestQueueAdmitsByPriority(t *testing.T) {
	q := newOperationQueue(1, nil)

	block := make(chan struct{})
	holderIn := make(chan struct{})
	go func() {
		_ = q.run(func() error {
			close(holderIn)
			<-block
			return nil
		}, OperationOptions{Timeout: 5 * time.Second})
	}()
	<-holderIn

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	enqueue := func(priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.run(func() error {
				mu.Lock()
				order = append(order, priority)
				mu.Unlock()
				return nil
			}, OperationOptions{Priority: priority, Timeout: 5 * time.Second})
		}()
	}

	enqueue(1)
	require.Eventually(t, func() bool { _, pending, _ := q.stats(); return pending == 1 },
		time.Second, time.Millisecond)
	enqueue(5)
	require.Eventually(t, func() bool { _, pending, _ := q.stats(); return pending == 2 },
		time.Second, time.Millisecond)

	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{5, 1}, order)
}

func TestQueueOverflowDropsLowestPriority(t *testing.T) {
	q := newOperationQueue(1, nil)

	block := make(chan struct{})
	holderIn := make(chan struct{})
	go func() {
		_ = q.run(func() error {
			close(holderIn)
			<-block
			return nil
		}, OperationOptions{Timeout: 5 * time.Second})
	}()
	<-holderIn

	results := make(chan error, 3)
	park := func(priority int) {
		go func() {
			results <- q.run(func() error { return nil },
				OperationOptions{Priority: priority, Timeout: 5 * time.Second})
		}()
	}

	// Capacity 1 parks at most 2 waiters; the third overflows
	park(5)
	require.Eventually(t, func() bool { _, p, _ := q.stats(); return p == 1 }, time.Second, time.Millisecond)
	park(4)
	require.Eventually(t, func() bool { _, p, _ := q.stats(); return p == 2 }, time.Second, time.Millisecond)
	park(1)

	var overflowErr error
	select {
	case overflowErr = <-results:
	case <-time.After(time.Second):
		t.Fatal("no waiter was dropped on overflow")
	}
	assert.True(t, errors.IsCode(overflowErr, errors.CodeQueueOverflow))

	_, _, dropped := q.stats()
	assert.Equal(t, uint64(1), dropped)

	close(block)
	assert.NoError(t, <-results)
	assert.NoError(t, <-results)
}

func TestQueueWaitTimeout(t *testing.T) {
	q := newOperationQueue(1, nil)

	block := make(chan struct{})
	defer close(block)
	holderIn := make(chan struct{})
	go func() {
		_ = q.run(func() error {
			close(holderIn)
			<-block
			return nil
		}, OperationOptions{Timeout: 5 * time.Second})
	}()
	<-holderIn

	err := q.run(func() error { return nil }, OperationOptions{Timeout: 20 * time.Millisecond})
	assert.True(t, errors.IsCode(err, errors.CodeQueueTimeout))
}

func TestQueueExecutionTimeout(t *testing.T) {
	q := newOperationQueue(1, nil)

	err := q.run(func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}, OperationOptions{Timeout: 20 * time.Millisecond})

	assert.True(t, errors.IsCode(err, errors.CodeQueueTimeout))
}

func TestQueueOperationPanicContained(t *testing.T) {
	q := newOperationQueue(1, nil)

	err := q.run(func() error { panic("op blew up") }, OperationOptions{Timeout: time.Second})
	require.Error(t, err)

	// Slot was released
	assert.NoError(t, q.run(func() error { return nil }, OperationOptions{Timeout: time.Second}))
}

func TestQueueShutdownRejectsWaiters(t *testing.T) {
	q := newOperationQueue(1, nil)

	block := make(chan struct{})
	defer close(block)
	holderIn := make(chan struct{})
	go func() {
		_ = q.run(func() error {
			close(holderIn)
			<-block
			return nil
		}, OperationOptions{Timeout: 5 * time.Second})
	}()
	<-holderIn

	result := make(chan error, 1)
	go func() {
		result <- q.run(func() error { return nil }, OperationOptions{Timeout: 5 * time.Second})
	}()
	require.Eventually(t, func() bool { _, p, _ := q.stats(); return p == 1 }, time.Second, time.Millisecond)

	q.shutdown()
	assert.True(t, errors.IsCode(<-result, errors.CodeShutdownInProgress))

	// New submissions are refused outright
	err := q.run(func() error { return nil }, OperationOptions{})
	assert.True(t, errors.IsCode(err, errors.CodeShutdownInProgress))
}
