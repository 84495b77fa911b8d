// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package snapshot

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"time"

	"memwatch/errors"
)

// ProfileResult is the outcome of a timed allocation profile
type ProfileResult struct {
	Duration     time.Duration `json:"duration"`
	AllocBytes   uint64        `json:"allocBytes"`
	AllocObjects uint64        `json:"allocObjects"`
	GCRuns       uint32        `json:"gcRuns"`
	Profile      []byte        `json:"-"` // pprof allocs profile at window end
	ProfileSize  int           `json:"profileSize"`
}

// Profile observes allocation activity for the given duration and captures an
// allocation profile at the end of the window. The call blocks for duration
// or until ctx is done.
func Profile(ctx context.Context, duration time.Duration) (*ProfileResult, error) {
	if duration <= 0 {
		return nil, errors.ConfigError("profile", "profile duration must be positive")
	}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.CodeProfilingFailed, errors.CategoryProfiling,
			"profile", "profiling window interrupted")
	}

	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	var buf bytes.Buffer
	if err := pprof.Lookup("allocs").WriteTo(&buf, 0); err != nil {
		return nil, errors.Wrap(err, errors.CodeProfilingFailed, errors.CategoryProfiling,
			"profile", "allocation profile capture failed")
	}

	return &ProfileResult{
		Duration:     time.Since(start),
		AllocBytes:   after.TotalAlloc - before.TotalAlloc,
		AllocObjects: after.Mallocs - before.Mallocs,
		GCRuns:       after.NumGC - before.NumGC,
		Profile:      buf.Bytes(),
		ProfileSize:  buf.Len(),
	}, nil
}
