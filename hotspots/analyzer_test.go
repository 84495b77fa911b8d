// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package hotspots

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memwatch/config"
	"memwatch/events"
	"memwatch/probe"
)

func testAnalyzer(t *testing.T) (*Analyzer, config.HotspotsConfig) {
	t.Helper()
	cfg := config.Default().Hotspots
	bus := events.NewBus(64)
	t.Cleanup(bus.Stop)
	return New(cfg, bus, probe.New()), cfg
}

func heapSample(used uint64) *probe.Sample {
	return &probe.Sample{
		Timestamp: time.Now(),
		Heap:      probe.HeapStats{Used: used, Total: used * 2},
	}
}

func TestMemoryGrowthHotspot(t *testing.T) {
	a, _ := testAnalyzer(t)

	a.Analyze(heapSample(100 << 20))
	a.Analyze(heapSample(130 << 20)) // 30% over the window, above the 20% threshold

	got := a.Get(Filter{Type: TypeMemoryGrowth})
	require.Len(t, got, 1)
	assert.Equal(t, TypeMemoryGrowth, got[0].ID)
	assert.Equal(t, SeverityMedium, got[0].Severity)
	assert.Equal(t, 1, got[0].Occurrences)
	assert.InDelta(t, 0.3, got[0].Details["growthRate"].(float64), 1e-9)
}

func TestMemoryGrowthHighSeverity(t *testing.T) {
	a, _ := testAnalyzer(t)

	a.Analyze(heapSample(100 << 20))
	a.Analyze(heapSample(150 << 20)) // 50% growth, past twice the threshold

	got := a.Get(Filter{Type: TypeMemoryGrowth})
	require.Len(t, got, 1)
	assert.Equal(t, SeverityHigh, got[0].Severity)
}

func TestUpsertSeverityOnlyRises(t *testing.T) {
	a, _ := testAnalyzer(t)

	a.Analyze(heapSample(100 << 20))
	a.Analyze(heapSample(150 << 20)) // high
	a.Analyze(heapSample(130 << 20)) // window back in the medium band

	got := a.Get(Filter{Type: TypeMemoryGrowth})
	require.Len(t, got, 1)
	assert.Equal(t, SeverityHigh, got[0].Severity)
	assert.Equal(t, 2, got[0].Occurrences)
	assert.True(t, got[0].LastSeen.After(got[0].FirstSeen) || got[0].LastSeen.Equal(got[0].FirstSeen))
}

func TestHeapSpacePressure(t *testing.T) {
	a, _ := testAnalyzer(t)

	s := heapSample(100 << 20)
	s.Heap.Spaces = []probe.SpaceStats{
		{Name: "heap", Size: 100, Used: 85},
		{Name: "stack", Size: 100, Used: 97},
		{Name: "other", Size: 100, Used: 50},
	}
	a.Analyze(s)

	got := a.Get(Filter{Type: TypeHeapSpacePressure})
	require.Len(t, got, 2)

	bySeverity := a.GetStats().BySeverity
	assert.Equal(t, 1, bySeverity[SeverityHigh])
	assert.Equal(t, 1, bySeverity[SeverityCritical])
}

func TestObjectGrowthHotspot(t *testing.T) {
	a, cfg := testAnalyzer(t)

	big := cfg.Thresholds.Size * 2
	first := heapSample(100 << 20)
	first.Heap.Spaces = []probe.SpaceStats{{Name: "heap", Size: big * 4, Used: big}}
	second := heapSample(100 << 20)
	second.Heap.Spaces = []probe.SpaceStats{{Name: "heap", Size: big * 4, Used: big + big/2}}

	a.Analyze(first)
	a.Analyze(second)

	got := a.Get(Filter{Type: TypeObjectGrowth})
	require.Len(t, got, 1)
	assert.Equal(t, "object-heap", got[0].ID)
	assert.Equal(t, "heap", got[0].Details["space"])
}

func TestAllocationPatternRecurrence(t *testing.T) {
	a, cfg := testAnalyzer(t)

	for i := 0; i < cfg.Thresholds.Frequency; i++ {
		a.Analyze(heapSample(100 << 20))
	}

	got := a.Get(Filter{Type: TypeAllocationPattern})
	require.Len(t, got, 1)
	assert.Equal(t, SeverityLow, got[0].Severity)
	assert.Equal(t, cfg.Thresholds.Frequency, got[0].Details["frequency"])
}

func TestExpireStale(t *testing.T) {
	cfg := config.Default().Hotspots
	cfg.RetentionPeriod = 10 * time.Millisecond
	bus := events.NewBus(64)
	defer bus.Stop()
	a := New(cfg, bus, probe.New())

	a.Analyze(heapSample(100 << 20))
	a.Analyze(heapSample(150 << 20))
	require.Len(t, a.Get(Filter{}), 1)

	time.Sleep(20 * time.Millisecond)
	a.Analyze(heapSample(110 << 20)) // below the growth threshold, triggers expiry pass

	assert.Empty(t, a.Get(Filter{Type: TypeMemoryGrowth}))
	assert.Equal(t, uint64(1), a.GetStats().Expired)
}

func TestResolve(t *testing.T) {
	a, _ := testAnalyzer(t)

	a.Analyze(heapSample(100 << 20))
	a.Analyze(heapSample(150 << 20))

	require.NoError(t, a.Resolve(TypeMemoryGrowth, "cache bounded"))
	assert.Empty(t, a.Get(Filter{Type: TypeMemoryGrowth}))
	assert.Equal(t, uint64(1), a.GetStats().Resolved)

	assert.Error(t, a.Resolve("missing", "nope"))
}

func TestCategoryGating(t *testing.T) {
	cfg := config.Default().Hotspots
	cfg.Categories = map[string]bool{TypeMemoryGrowth: false}
	bus := events.NewBus(64)
	defer bus.Stop()
	a := New(cfg, bus, probe.New())

	a.Analyze(heapSample(100 << 20))
	a.Analyze(heapSample(200 << 20))

	assert.Empty(t, a.Get(Filter{Type: TypeMemoryGrowth}))
}

func TestGetFilterBySeverity(t *testing.T) {
	a, _ := testAnalyzer(t)

	a.Analyze(heapSample(100 << 20))
	a.Analyze(heapSample(150 << 20))

	assert.Len(t, a.Get(Filter{Severity: SeverityHigh}), 1)
	assert.Empty(t, a.Get(Filter{Severity: SeverityCritical}))
}

func TestGetReturnsCopies(t *testing.T) {
	a, _ := testAnalyzer(t)

	a.Analyze(heapSample(100 << 20))
	a.Analyze(heapSample(150 << 20))

	got := a.Get(Filter{})
	require.Len(t, got, 1)
	got[0].Severity = SeverityLow
	assert.Equal(t, SeverityHigh, a.Get(Filter{})[0].Severity)
}

func TestMemoryMap(t *testing.T) {
	a, _ := testAnalyzer(t)

	a.Analyze(heapSample(100 << 20))
	a.Analyze(heapSample(150 << 20))

	m := a.GetMemoryMap()
	require.NotNil(t, m)
	assert.False(t, m.Timestamp.IsZero())
	assert.NotEmpty(t, m.Spaces)
	assert.Len(t, m.Hotspots, 1)
}

func TestStartDisabled(t *testing.T) {
	cfg := config.Default().Hotspots
	cfg.Enabled = false
	bus := events.NewBus(64)
	defer bus.Stop()
	a := New(cfg, bus, probe.New())

	a.Start()
	a.Stop()
}
