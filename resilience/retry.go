// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package resilience

import (
	"context"
	"math"
	"time"

	"memwatch/errors"
	"memwatch/logger"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	RetryableCodes []string
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		RetryableCodes: []string{
			errors.CodeSinkFailed,
			errors.CodeSamplerFailed,
		},
	}
}

// RetryManager retries failure-prone operations with exponential backoff.
// Only errors carrying a configured retryable code, or whose message matches
// a transient-failure fragment, are retried; the last error is propagated
// unchanged.
type RetryManager struct {
	config RetryConfig
}

// NewRetryManager creates a retry manager
func NewRetryManager(config RetryConfig) *RetryManager {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = DefaultRetryConfig().BackoffFactor
	}
	return &RetryManager{config: config}
}

// Do executes fn with retry logic
func (rm *RetryManager) Do(operation string, fn func() error) error {
	return rm.DoWithContext(context.Background(), operation, func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retry logic under a context
func (rm *RetryManager) DoWithContext(ctx context.Context, operation string, fn Operation) error {
	var lastErr error

	for attempt := 0; attempt <= rm.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("operation %s succeeded after %d retries", operation, attempt)
			}
			return nil
		}
		lastErr = err

		if !rm.isRetryable(err) {
			logger.Warn("operation %s failed with non-retryable error: %v", operation, err)
			return err
		}
		if attempt >= rm.config.MaxRetries {
			break
		}

		delay := rm.delayFor(attempt)
		logger.Debug("operation %s failed (attempt %d/%d), retrying in %v: %v",
			operation, attempt+1, rm.config.MaxRetries+1, delay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	logger.Error("operation %s failed after %d attempts: %v", operation, rm.config.MaxRetries+1, lastErr)
	return lastErr
}

// delayFor computes min(base · factor^attempt, max)
func (rm *RetryManager) delayFor(attempt int) time.Duration {
	delay := time.Duration(float64(rm.config.BaseDelay) * math.Pow(rm.config.BackoffFactor, float64(attempt)))
	if delay > rm.config.MaxDelay || delay <= 0 {
		delay = rm.config.MaxDelay
	}
	return delay
}

// isRetryable checks configured codes first, then transient message patterns
func (rm *RetryManager) isRetryable(err error) bool {
	code := errors.GetCode(err)
	for _, c := range rm.config.RetryableCodes {
		if code == c {
			return true
		}
	}
	return errors.IsRetryable(err)
}
