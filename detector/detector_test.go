// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memwatch/config"
	"memwatch/events"
	"memwatch/probe"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Detection.Baseline.Samples = 3
	cfg.Detection.Baseline.Duration = time.Hour
	return cfg
}

func sample(used, total, limit uint64) *probe.Sample {
	return &probe.Sample{
		Timestamp: time.Now(),
		Heap:      probe.HeapStats{Used: used, Total: total, Limit: limit},
	}
}

func establishBaseline(t *testing.T, d *Detector, cfg *config.Config, used uint64) {
	t.Helper()
	for i := 0; i < cfg.Detection.Baseline.Samples; i++ {
		d.Process(sample(used, used, 0))
	}
	require.True(t, d.IsBaselineEstablished())
}

func TestBaselinePromotionByCount(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Baseline.Samples = 10
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	for i := 0; i < 9; i++ {
		assert.Nil(t, d.Process(sample(1000, 1000, 0)))
		assert.False(t, d.IsBaselineEstablished())
	}
	d.Process(sample(1000, 1000, 0))

	require.True(t, d.IsBaselineEstablished())
	b := d.Baseline()
	require.NotNil(t, b)
	assert.Equal(t, 1000.0, b.AvgHeapSize)
	assert.Equal(t, 0.0, b.StdDevHeapSize)
	assert.Equal(t, 10, b.SamplesUsed)
	assert.False(t, b.EstablishedAt.IsZero())
}

func TestBaselinePromotionByDuration(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Baseline.Samples = 1000
	cfg.Detection.Baseline.Duration = 10 * time.Millisecond
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	s := sample(1000, 1000, 0)
	s.Timestamp = time.Now().Add(time.Second)
	d.Process(s)

	assert.True(t, d.IsBaselineEstablished())
	assert.Equal(t, 1, d.Baseline().SamplesUsed)
}

func TestLeakVerdictHighSensitivity(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Sensitivity = config.SensitivityHigh
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	establishBaseline(t, d, cfg, 1000)

	// 90% above baseline and 95% of the heap limit
	v := d.Process(sample(1900, 1950, 2000))
	require.NotNil(t, v)
	assert.True(t, v.IsLeak)
	assert.InDelta(t, 0.40, v.Probability, 1e-9)
	assert.Len(t, v.Factors, 2)
	assert.Contains(t, v.Factors[0], "rapid-growth")
	assert.Contains(t, v.Factors[1], "memory-threshold")
	assert.Equal(t, uint64(1900), v.Metrics.HeapUsed)
	assert.Equal(t, uint64(2000), v.Metrics.HeapLimit)
	assert.NotEmpty(t, v.Recommendations)

	leaks := d.GetLeaks()
	require.Len(t, leaks, 1)
	assert.Same(t, v, leaks[0])
}

func TestWarningBandMediumSensitivity(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	establishBaseline(t, d, cfg, 1000)

	// Probability 0.40 sits between the warning floor and the 0.5 verdict
	// threshold at medium sensitivity
	v := d.Process(sample(1900, 1950, 2000))
	require.NotNil(t, v)
	assert.False(t, v.IsLeak)
	assert.Len(t, d.GetLeaks(), 1)
}

func TestBelowWarningFloorReturnsNil(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	establishBaseline(t, d, cfg, 1000)

	// Rapid growth alone scores exactly 0.30, not above the floor
	v := d.Process(sample(2000, 2000, 0))
	assert.Nil(t, v)
	assert.Empty(t, d.GetLeaks())
}

func TestPatternFilterExcludesFindings(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Patterns = []string{PatternMemoryThreshold}
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	establishBaseline(t, d, cfg, 1000)

	// Growth fires but is filtered out; no threshold breach with no limit
	v := d.Process(sample(5000, 5000, 0))
	assert.Nil(t, v)
}

func TestGCPatterns(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	establishBaseline(t, d, cfg, 1000)

	base := time.Now()
	var v *Verdict
	for i := 0; i < 6; i++ {
		s := sample(1000, 1000, 0)
		s.Timestamp = base.Add(time.Duration(i) * time.Second)
		s.GC = []probe.GCEvent{{Type: probe.GCMarkSweepCompact, Duration: time.Millisecond}}
		v = d.Process(s)
	}

	// Flat heap across frequent collections trips saw-tooth and gc-pressure
	require.NotNil(t, v)
	assert.InDelta(t, 0.35, v.Probability, 1e-9)
	assert.Contains(t, v.Factors[0], "saw-tooth")
	assert.Contains(t, v.Factors[1], "gc-pressure")
	assert.False(t, v.IsLeak)
}

func TestSteadyGrowthRegression(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Patterns = []string{PatternSteadyGrowth}
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	establishBaseline(t, d, cfg, 1000)

	var v *Verdict
	for i := 0; i < 6; i++ {
		v = d.Process(sample(1000+uint64(i)*100, 2000, 0))
	}

	// Slope 100 bytes/sample with a perfect fit, but 0.25 alone stays
	// below the warning floor
	assert.Nil(t, v)
}

func TestDetectionDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Enabled = false
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	for i := 0; i < 10; i++ {
		assert.Nil(t, d.Process(sample(1000, 1000, 0)))
	}
	assert.False(t, d.IsBaselineEstablished())
}

func TestReset(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Sensitivity = config.SensitivityHigh
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	establishBaseline(t, d, cfg, 1000)
	require.NotNil(t, d.Process(sample(1900, 1950, 2000)))

	d.Reset()
	assert.False(t, d.IsBaselineEstablished())
	assert.Nil(t, d.Baseline())
	assert.Empty(t, d.GetLeaks())
}

func TestBaselineCopyIsolated(t *testing.T) {
	cfg := testConfig()
	bus := events.NewBus(64)
	defer bus.Stop()
	d := New(cfg, bus)

	establishBaseline(t, d, cfg, 1000)
	b := d.Baseline()
	b.AvgHeapSize = 0
	assert.Equal(t, 1000.0, d.Baseline().AvgHeapSize)
}
