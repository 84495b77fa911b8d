// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package detector

import (
	"fmt"

	"memwatch/probe"
)

// Pattern names
const (
	PatternRapidGrowth     = "rapid-growth"
	PatternSteadyGrowth    = "steady-growth"
	PatternSawTooth        = "saw-tooth"
	PatternGCPressure      = "gc-pressure"
	PatternMemoryThreshold = "memory-threshold"
)

// Fixed probability increments per firing pattern
const (
	incrementRapidGrowth     = 0.30
	incrementSteadyGrowth    = 0.25
	incrementSawTooth        = 0.20
	incrementGCPressure      = 0.15
	incrementMemoryThreshold = 0.10

	warningFloor = 0.30

	minSeriesLength   = 5
	regressionWindow  = 10
	sawToothWindow    = 20
	gcPressureWindow  = 10
	regressionMinR2   = 0.8
)

// finding is one pattern detector's positive result
type finding struct {
	name           string
	severity       string
	factor         string
	recommendation string
	increment      float64
}

// detectRapidGrowth fires when heap usage jumped well past the baseline mean
func (d *Detector) detectRapidGrowth(s *probe.Sample) *finding {
	if d.baseline == nil || d.baseline.AvgHeapSize == 0 {
		return nil
	}

	growthPct := (float64(s.Heap.Used) - d.baseline.AvgHeapSize) / d.baseline.AvgHeapSize * 100
	if growthPct <= d.cfg.Threshold.Growth*100 {
		return nil
	}
	return &finding{
		name:           PatternRapidGrowth,
		severity:       "high",
		factor:         fmt.Sprintf("rapid-growth: heap %.1f%% above baseline", growthPct),
		recommendation: "Check for unbounded data structures (caches, queues, maps) growing without limits",
		increment:      incrementRapidGrowth,
	}
}

// detectSteadyGrowth fits a regression over the recent post-baseline window;
// a positive slope with strong fit indicates continuous accumulation.
func (d *Detector) detectSteadyGrowth(_ *probe.Sample) *finding {
	recent := d.ring.Last(regressionWindow)
	if len(recent) < minSeriesLength {
		return nil
	}

	used := make([]float64, len(recent))
	for i, s := range recent {
		used[i] = float64(s.Heap.Used)
	}

	trend := probe.LinearTrend(used)
	if trend == nil || trend.Slope <= 0 || trend.RSquared <= regressionMinR2 {
		return nil
	}
	return &finding{
		name:           PatternSteadyGrowth,
		severity:       "medium",
		factor:         fmt.Sprintf("steady-growth: slope %.0f bytes/sample, r²=%.2f", trend.Slope, trend.RSquared),
		recommendation: "Review event listeners, subscriptions and long-lived references for gradual accumulation",
		increment:      incrementSteadyGrowth,
	}
}

// detectSawTooth fires when collections reclaim almost nothing: heap usage
// barely drops across GC-bearing samples.
func (d *Detector) detectSawTooth(_ *probe.Sample) *finding {
	recent := d.ring.Last(sawToothWindow)
	if len(recent) < minSeriesLength {
		return nil
	}

	var reductions []float64
	for i := 1; i < len(recent); i++ {
		prev, cur := recent[i-1], recent[i]
		if len(cur.GC) == 0 || prev.Heap.Used == 0 {
			continue
		}
		reduction := (float64(prev.Heap.Used) - float64(cur.Heap.Used)) / float64(prev.Heap.Used)
		reductions = append(reductions, reduction)
	}
	if len(reductions) == 0 {
		return nil
	}

	var sum float64
	for _, r := range reductions {
		sum += r
	}
	mean := sum / float64(len(reductions))
	if mean >= d.cfg.Threshold.GCEfficiency {
		return nil
	}
	return &finding{
		name:           PatternSawTooth,
		severity:       "high",
		factor:         fmt.Sprintf("saw-tooth: mean GC reclaim %.1f%%", mean*100),
		recommendation: "Garbage collection reclaims little memory; inspect what stays referenced after collection",
		increment:      incrementSawTooth,
	}
}

// detectGCPressure fires when the recent GC cadence exceeds the configured
// per-minute frequency.
func (d *Detector) detectGCPressure(_ *probe.Sample) *finding {
	recent := d.ring.Last(gcPressureWindow)
	if len(recent) < minSeriesLength {
		return nil
	}

	var gcCount int
	for _, s := range recent {
		gcCount += len(s.GC)
	}
	elapsed := recent[len(recent)-1].Timestamp.Sub(recent[0].Timestamp)
	if elapsed <= 0 {
		return nil
	}

	perMinute := float64(gcCount) / elapsed.Minutes()
	if perMinute <= d.cfg.Threshold.GCFrequency {
		return nil
	}
	return &finding{
		name:           PatternGCPressure,
		severity:       "high",
		factor:         fmt.Sprintf("gc-pressure: %.1f collections/minute", perMinute),
		recommendation: "Reduce allocation rate or increase heap headroom; frequent collection indicates pressure",
		increment:      incrementGCPressure,
	}
}

// detectMemoryThreshold fires when usage crosses the configured heap share
func (d *Detector) detectMemoryThreshold(s *probe.Sample) *finding {
	ratio := s.HeapRatio()
	if ratio <= d.cfg.Threshold.Heap {
		return nil
	}
	return &finding{
		name:           PatternMemoryThreshold,
		severity:       "critical",
		factor:         fmt.Sprintf("memory-threshold: heap at %.1f%% of limit", ratio*100),
		recommendation: "Heap usage is approaching the configured limit; raise the limit or reduce retained memory",
		increment:      incrementMemoryThreshold,
	}
}
