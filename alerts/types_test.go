// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("error", "detector", "leak-detection", "Memory leak suspected")
	b := Fingerprint("error", "detector", "leak-detection", "Memory leak suspected")

	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestFingerprintDimensions(t *testing.T) {
	base := Fingerprint("error", "detector", "leak", "title")

	assert.NotEqual(t, base, Fingerprint("warning", "detector", "leak", "title"))
	assert.NotEqual(t, base, Fingerprint("error", "probe", "leak", "title"))
	assert.NotEqual(t, base, Fingerprint("error", "detector", "hotspot", "title"))
	assert.NotEqual(t, base, Fingerprint("error", "detector", "leak", "other"))

	// Separator keeps field boundaries unambiguous
	assert.NotEqual(t, Fingerprint("a", "bc", "d", "e"), Fingerprint("ab", "c", "d", "e"))
}

func TestComputeSeverity(t *testing.T) {
	// No metrics: plain level priority
	assert.Equal(t, 1, computeSeverity(LevelInfo, AlertMetrics{}))
	assert.Equal(t, 4, computeSeverity(LevelCritical, AlertMetrics{}))

	// Heap at 96% of limit: +3
	m := AlertMetrics{HeapUsed: 96, HeapLimit: 100}
	assert.Equal(t, 2*(1+3), computeSeverity(LevelWarning, m))

	// 90%: +2, 75%: +1
	assert.Equal(t, 3*(1+2), computeSeverity(LevelError, AlertMetrics{HeapUsed: 90, HeapLimit: 100}))
	assert.Equal(t, 3*(1+1), computeSeverity(LevelError, AlertMetrics{HeapUsed: 75, HeapLimit: 100}))

	// Every bonus maxed: +3 heap, +2 gc, +2 growth
	m = AlertMetrics{HeapUsed: 99, HeapLimit: 100, GCFrequency: 40, GrowthRate: 0.6}
	assert.Equal(t, 4*(1+7), computeSeverity(LevelCritical, m))
}

func TestEnhanceMessage(t *testing.T) {
	assert.Empty(t, enhanceMessage("no metrics", AlertMetrics{}, nil))

	m := AlertMetrics{HeapUsed: 512 << 20, HeapLimit: 1 << 30, GrowthRate: 0.25, GCFrequency: 12}
	got := enhanceMessage("heap pressure", m, []string{"bound the cache"})

	assert.Contains(t, got, "heap pressure [heap 512 MiB of 1.0 GiB (50%)")
	assert.Contains(t, got, "growth 25.0%")
	assert.Contains(t, got, "12.0 GC/min")
	assert.Contains(t, got, "Recommendations: bound the cache")
}

func TestNextLevel(t *testing.T) {
	assert.Equal(t, LevelWarning, nextLevel(LevelInfo))
	assert.Equal(t, LevelError, nextLevel(LevelWarning))
	assert.Equal(t, LevelCritical, nextLevel(LevelError))
	assert.Equal(t, LevelCritical, nextLevel(LevelCritical))
}

func TestFilterMatches(t *testing.T) {
	a := &Alert{Level: LevelError, Source: "detector", Category: "leak", Tags: []string{"heap", "leak"}}

	assert.True(t, Filter{}.matches(a))
	assert.True(t, Filter{Level: LevelError, Source: "detector"}.matches(a))
	assert.True(t, Filter{Tags: []string{"heap"}}.matches(a))
	assert.False(t, Filter{Level: LevelInfo}.matches(a))
	assert.False(t, Filter{Tags: []string{"heap", "rss"}}.matches(a))
}
