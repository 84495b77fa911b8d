// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"memwatch/config"
	"memwatch/events"
)

func testOptimizer(t *testing.T, strategy string) *Optimizer {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(bus.Stop)

	perf := config.PerformanceConfig{
		Adaptive:         true,
		SamplingStrategy: strategy,
		Throttling:       config.ThrottlingConfig{MaxConcurrent: 2},
		Caching:          config.CachingConfig{TTL: time.Minute, MaxEntries: 16},
	}
	mon := config.MonitoringConfig{
		Interval:         30 * time.Second,
		AdaptiveInterval: true,
		MinInterval:      5 * time.Second,
		MaxInterval:      5 * time.Minute,
	}
	o := New(perf, mon, bus, nil)
	t.Cleanup(o.Stop)
	return o
}

func TestIntervalGrowsUnderLoad(t *testing.T) {
	o := testOptimizer(t, "adaptive")

	got := o.OptimizeInterval(ResourceSnapshot{SystemLoad: 0.9, MemoryPressure: 0.2})
	assert.Equal(t, 45*time.Second, got)

	// Memory pressure alone also grows it
	got = o.OptimizeInterval(ResourceSnapshot{SystemLoad: 0.1, MemoryPressure: 0.9})
	assert.Equal(t, time.Duration(float64(45*time.Second)*1.5), got)
}

func TestIntervalShrinksWhenIdle(t *testing.T) {
	o := testOptimizer(t, "adaptive")

	got := o.OptimizeInterval(ResourceSnapshot{SystemLoad: 0.1, MemoryPressure: 0.2})
	assert.Equal(t, 24*time.Second, got)
}

func TestIntervalHoldsInMidBand(t *testing.T) {
	o := testOptimizer(t, "adaptive")

	got := o.OptimizeInterval(ResourceSnapshot{SystemLoad: 0.5, MemoryPressure: 0.6})
	assert.Equal(t, 30*time.Second, got)
}

func TestIntervalClamped(t *testing.T) {
	o := testOptimizer(t, "adaptive")

	for i := 0; i < 20; i++ {
		o.OptimizeInterval(ResourceSnapshot{SystemLoad: 0.9})
	}
	assert.Equal(t, 5*time.Minute, o.Interval())

	for i := 0; i < 20; i++ {
		o.OptimizeInterval(ResourceSnapshot{SystemLoad: 0.1})
	}
	assert.Equal(t, 5*time.Second, o.Interval())
}

func TestIntervalFixedWhenAdaptationOff(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Stop()
	o := New(config.PerformanceConfig{Throttling: config.ThrottlingConfig{MaxConcurrent: 1}},
		config.MonitoringConfig{Interval: 30 * time.Second, AdaptiveInterval: false}, bus, nil)
	defer o.Stop()

	got := o.OptimizeInterval(ResourceSnapshot{SystemLoad: 0.99, MemoryPressure: 0.99})
	assert.Equal(t, 30*time.Second, got)
}

func TestSamplingRateFixed(t *testing.T) {
	o := testOptimizer(t, "fixed")

	got := o.OptimizeSamplingRate(ResourceSnapshot{SystemLoad: 0.99, MemoryPressure: 0.99})
	assert.Equal(t, 1.0, got)
}

func TestSamplingRateAdaptive(t *testing.T) {
	o := testOptimizer(t, "adaptive")

	got := o.OptimizeSamplingRate(ResourceSnapshot{SystemLoad: 0.9})
	assert.InDelta(t, 0.7, got, 1e-9)

	got = o.OptimizeSamplingRate(ResourceSnapshot{SystemLoad: 0.5, MemoryPressure: 0.5})
	assert.InDelta(t, 0.7, got, 1e-9)

	got = o.OptimizeSamplingRate(ResourceSnapshot{SystemLoad: 0.1, MemoryPressure: 0.1})
	assert.InDelta(t, 0.84, got, 1e-9)
}

func TestSamplingRateIntelligent(t *testing.T) {
	o := testOptimizer(t, "intelligent")

	got := o.OptimizeSamplingRate(ResourceSnapshot{
		SystemLoad:         0.5,
		MemoryPressure:     0.25,
		OverheadEfficiency: 1.0,
	})
	// 0.4·0.5 + 0.4·0.75 + 0.2·1.0
	assert.InDelta(t, 0.70, got, 1e-9)
}

func TestSamplingRateClamped(t *testing.T) {
	o := testOptimizer(t, "intelligent")

	got := o.OptimizeSamplingRate(ResourceSnapshot{SystemLoad: 1.0, MemoryPressure: 1.0})
	assert.Equal(t, minSamplingRate, got)

	got = o.OptimizeSamplingRate(ResourceSnapshot{OverheadEfficiency: 1.0})
	assert.Equal(t, maxSamplingRate, got)
}

func TestSetOverheadEfficiencyClamped(t *testing.T) {
	o := testOptimizer(t, "intelligent")

	o.SetOverheadEfficiency(2.0)
	assert.Equal(t, 1.0, o.GetMetrics().OverheadEfficiency)

	o.SetOverheadEfficiency(-1.0)
	assert.Equal(t, 0.0, o.GetMetrics().OverheadEfficiency)
}

func TestGetMetricsShape(t *testing.T) {
	o := testOptimizer(t, "adaptive")

	m := o.GetMetrics()
	assert.Equal(t, 30*time.Second, m.Interval)
	assert.Equal(t, 1.0, m.SamplingRate)
	assert.Equal(t, "adaptive", m.Strategy)
	assert.Equal(t, 16, m.Cache.MaxEntries)
}
