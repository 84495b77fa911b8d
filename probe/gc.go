// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package probe

import (
	"context"
	"runtime/debug"
	"sync"
	"time"
)

// gcWatcher polls the runtime GC counters and enqueues one event per
// completed cycle. The queue is flushed into the next sample.
type gcWatcher struct {
	mu       sync.Mutex
	pending  []GCEvent
	lastNumG int64
	maxQueue int

	cancel context.CancelFunc
	done   chan struct{}
}

func newGCWatcher() *gcWatcher {
	return &gcWatcher{maxQueue: DefaultGCRingSize}
}

// Start launches the polling goroutine
func (w *gcWatcher) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	var stats debug.GCStats
	debug.ReadGCStats(&stats)
	w.lastNumG = stats.NumGC

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll()
			}
		}
	}()
}

// Stop halts the watcher and waits for the goroutine to exit
func (w *gcWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
		w.cancel = nil
	}
}

// poll records one event per GC cycle completed since the previous poll
func (w *gcWatcher) poll() {
	var stats debug.GCStats
	debug.ReadGCStats(&stats)

	w.mu.Lock()
	defer w.mu.Unlock()

	newCycles := stats.NumGC - w.lastNumG
	if newCycles <= 0 {
		return
	}
	if newCycles > int64(len(stats.Pause)) {
		newCycles = int64(len(stats.Pause))
	}

	// stats.Pause is most-recent-first; enqueue oldest-first
	for i := newCycles - 1; i >= 0; i-- {
		w.enqueue(GCEvent{
			Type:     GCMarkSweepCompact,
			Duration: stats.Pause[i],
		})
	}
	w.lastNumG = stats.NumGC
}

func (w *gcWatcher) enqueue(ev GCEvent) {
	if len(w.pending) >= w.maxQueue {
		w.pending = w.pending[1:]
	}
	w.pending = append(w.pending, ev)
}

// Flush drains the pending events in observation order
func (w *gcWatcher) Flush() []GCEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return nil
	}
	out := w.pending
	w.pending = nil
	return out
}

// latencyWatcher measures scheduler latency as timer-fire overshoot, the
// in-process analogue of event-loop delay.
type latencyWatcher struct {
	mu     sync.RWMutex
	delay  time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

func newLatencyWatcher() *latencyWatcher {
	return &latencyWatcher{}
}

// Start launches the measurement goroutine
func (w *latencyWatcher) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		for {
			start := time.Now()
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				overshoot := time.Since(start) - interval
				if overshoot < 0 {
					overshoot = 0
				}
				w.mu.Lock()
				// Exponential decay keeps spikes visible for a few samples
				w.delay = (w.delay + 3*overshoot) / 4
				w.mu.Unlock()
			}
		}
	}()
}

// Stop halts the watcher
func (w *latencyWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
		w.cancel = nil
	}
}

// Delay returns the smoothed scheduler latency overshoot
func (w *latencyWatcher) Delay() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.delay
}
