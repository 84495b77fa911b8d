// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"memwatch/errors"
)

func testRetryManager(maxRetries int) *RetryManager {
	return NewRetryManager(RetryConfig{
		MaxRetries:     maxRetries,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		BackoffFactor:  2.0,
		RetryableCodes: []string{errors.CodeSinkFailed},
	})
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	rm := testRetryManager(3)

	calls := 0
	err := rm.Do("test", func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	rm := testRetryManager(3)

	calls := 0
	err := rm.Do("test", func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.CodeSinkFailed, errors.CategoryReporting, "test", "sink down")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryNonRetryableStopsImmediately(t *testing.T) {
	rm := testRetryManager(3)
	fatal := errors.ConfigError("test", "bad config")

	calls := 0
	err := rm.Do("test", func() error {
		calls++
		return fatal
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, fatal, err)
}

func TestRetryExhaustionPropagatesLastError(t *testing.T) {
	rm := testRetryManager(2)
	last := errors.New(errors.CodeSinkFailed, errors.CategoryReporting, "test", "still down")

	calls := 0
	err := rm.Do("test", func() error {
		calls++
		return last
	})

	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.Same(t, last, err)
}

func TestRetryTransientMessageFragment(t *testing.T) {
	rm := testRetryManager(1)

	calls := 0
	err := rm.Do("test", func() error {
		calls++
		if calls == 1 {
			return stderrors.New("connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryContextCancellation(t *testing.T) {
	rm := NewRetryManager(RetryConfig{
		MaxRetries:     5,
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       time.Second,
		BackoffFactor:  2.0,
		RetryableCodes: []string{errors.CodeSinkFailed},
	})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := rm.DoWithContext(ctx, "test", func(context.Context) error {
		calls++
		return errors.New(errors.CodeSinkFailed, errors.CategoryReporting, "test", "down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls, 2)
}

func TestDelayForClampedAtMax(t *testing.T) {
	rm := testRetryManager(10)
	assert.Equal(t, time.Millisecond, rm.delayFor(0))
	assert.Equal(t, 2*time.Millisecond, rm.delayFor(1))
	assert.Equal(t, 10*time.Millisecond, rm.delayFor(20))
}
