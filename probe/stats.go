// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package probe

import (
	"math"
	"sort"
)

// Stats holds aggregate statistics over a sampled series
type Stats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
}

// Trend is the least-squares fit of a sampled series
type Trend struct {
	Slope      float64 `json:"slope"`
	Intercept  float64 `json:"intercept"`
	RSquared   float64 `json:"rSquared"`
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
}

// CalculateStats computes aggregate statistics for a series
func CalculateStats(values []float64) *Stats {
	if len(values) == 0 {
		return nil
	}

	stats := &Stats{Count: len(values), Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Mean = sum / float64(len(values))
	stats.StdDev = StdDev(values, stats.Mean)
	return stats
}

// StdDev computes the sample standard deviation around a known mean
func StdDev(values []float64, mean float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// LinearTrend fits y = slope·x + intercept over values indexed 0..n-1.
// Identical-value inputs yield slope 0 with zero confidence instead of NaN.
func LinearTrend(values []float64) *Trend {
	if len(values) < 2 {
		return nil
	}

	n := float64(len(values))
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	denominator := n*sumX2 - sumX*sumX
	if denominator == 0 {
		return &Trend{Direction: "stable"}
	}

	slope := (n*sumXY - sumX*sumY) / denominator
	intercept := (sumY - slope*sumX) / n

	var ssRes, ssTot float64
	mean := sumY / n
	for i, y := range values {
		predicted := slope*float64(i) + intercept
		ssRes += (y - predicted) * (y - predicted)
		ssTot += (y - mean) * (y - mean)
	}

	trend := &Trend{Slope: slope, Intercept: intercept}
	if ssTot > 0 {
		trend.RSquared = 1 - ssRes/ssTot
	} else {
		// Flat series: regression is degenerate, report no confidence
		trend.Slope = 0
		trend.RSquared = 0
	}

	switch {
	case trend.Slope > 0.01:
		trend.Direction = "increasing"
	case trend.Slope < -0.01:
		trend.Direction = "decreasing"
	default:
		trend.Direction = "stable"
	}
	trend.Confidence = math.Max(0, math.Min(1, trend.RSquared))

	return trend
}

// Percentile returns the interpolated p-th percentile (0–100) of the series
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	index := (p / 100) * float64(len(sorted)-1)
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
