// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package snapshot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memwatch/errors"
)

func TestTakeCapturesProfile(t *testing.T) {
	m := NewManager(10)

	s, err := m.Take()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s.ID, "snap-"))
	assert.False(t, s.Timestamp.IsZero())
	assert.NotZero(t, s.HeapAlloc)
	assert.NotZero(t, s.HeapSys)
	assert.NotEmpty(t, s.Profile)
	assert.Equal(t, len(s.Profile), s.ProfileSize)
}

func TestGet(t *testing.T) {
	m := NewManager(10)

	s, err := m.Take()
	require.NoError(t, err)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = m.Get("snap-missing")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestRetentionDropsOldest(t *testing.T) {
	m := NewManager(3)

	var ids []string
	for i := 0; i < 5; i++ {
		s, err := m.Take()
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	kept := m.List()
	assert.Equal(t, ids[2:], kept)

	_, err := m.Get(ids[0])
	assert.Error(t, err)
	_, err = m.Get(ids[4])
	assert.NoError(t, err)
}

func TestAnalyze(t *testing.T) {
	m := NewManager(10)

	s, err := m.Take()
	require.NoError(t, err)

	a, err := m.Analyze(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, a.SnapshotID)
	assert.Equal(t, s.HeapAlloc, a.HeapAlloc)
	if s.HeapObjects > 0 {
		assert.InDelta(t, float64(s.HeapAlloc)/float64(s.HeapObjects), a.AvgObjectSize, 1e-9)
	}
	assert.Greater(t, a.HeapShare, 0.0)
	assert.LessOrEqual(t, a.HeapShare, 1.0)

	_, err = m.Analyze("snap-missing")
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	m := NewManager(10)

	base, err := m.Take()
	require.NoError(t, err)

	// Allocate between the snapshots so the delta has a direction
	buf := make([]byte, 4<<20)
	for i := range buf {
		buf[i] = byte(i)
	}
	time.Sleep(5 * time.Millisecond)

	target, err := m.Take()
	require.NoError(t, err)

	c, err := m.Compare(base.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, base.ID, c.BaseID)
	assert.Equal(t, target.ID, c.TargetID)
	assert.Greater(t, c.Elapsed, time.Duration(0))
	assert.Equal(t, int64(target.HeapAlloc)-int64(base.HeapAlloc), c.AllocDelta)
	_ = buf
}

func TestCompareOrderEnforced(t *testing.T) {
	m := NewManager(10)

	base, err := m.Take()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	target, err := m.Take()
	require.NoError(t, err)

	_, err = m.Compare(target.ID, base.ID)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))

	_, err = m.Compare(base.ID, base.ID)
	assert.Error(t, err)
}

func TestProfileWindow(t *testing.T) {
	res, err := Profile(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Duration, 20*time.Millisecond)
	assert.NotEmpty(t, res.Profile)
	assert.Equal(t, len(res.Profile), res.ProfileSize)
}

func TestProfileRejectsBadDuration(t *testing.T) {
	_, err := Profile(context.Background(), 0)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidConfig))
}

func TestProfileCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := Profile(ctx, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeProfilingFailed))
	assert.ErrorIs(t, err, context.Canceled)
}
