// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package resilience

import (
	"context"
	"sync"
	"time"

	"memwatch/logger"
)

// SafeTimer runs a callback on a fixed interval and re-arms itself even when
// the callback fails or panics. Callback errors are logged, never lost.
type SafeTimer struct {
	mu       sync.Mutex
	name     string
	interval time.Duration
	fn       func() error
	onError  func(error)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSafeTimer creates a safe timer. onError may be nil.
func NewSafeTimer(name string, interval time.Duration, fn func() error, onError func(error)) *SafeTimer {
	return &SafeTimer{
		name:     name,
		interval: interval,
		fn:       fn,
		onError:  onError,
	}
}

// Start launches the timer goroutine; calling Start on a running timer is a no-op
func (t *SafeTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.fire()
			}
		}
	}()
}

// fire runs one tick, containing panics so the timer keeps re-arming
func (t *SafeTimer) fire() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("timer %s callback panic: %v", t.name, r)
		}
	}()

	if err := t.fn(); err != nil {
		logger.Error("timer %s callback failed: %v", t.name, err)
		if t.onError != nil {
			t.onError(err)
		}
	}
}

// SetInterval changes the tick interval; takes effect on restart
func (t *SafeTimer) SetInterval(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = interval
}

// Interval returns the configured interval
func (t *SafeTimer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Restart stops and relaunches the timer, picking up an interval change
func (t *SafeTimer) Restart() {
	t.Stop()
	t.Start()
}

// Stop halts the timer and waits for the goroutine to exit
func (t *SafeTimer) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Running reports whether the timer goroutine is live
func (t *SafeTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}
