// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateStats(t *testing.T) {
	stats := CalculateStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	assert.Equal(t, 8, stats.Count)
	assert.Equal(t, 2.0, stats.Min)
	assert.Equal(t, 9.0, stats.Max)
	assert.Equal(t, 5.0, stats.Mean)
	assert.InDelta(t, 2.138, stats.StdDev, 0.001)
}

func TestCalculateStatsEmpty(t *testing.T) {
	assert.Nil(t, CalculateStats(nil))
}

func TestStdDevSingleValue(t *testing.T) {
	assert.Equal(t, 0.0, StdDev([]float64{42}, 42))
}

func TestLinearTrendIncreasing(t *testing.T) {
	trend := LinearTrend([]float64{1, 2, 3, 4, 5})

	assert.InDelta(t, 1.0, trend.Slope, 1e-9)
	assert.InDelta(t, 1.0, trend.RSquared, 1e-9)
	assert.Equal(t, "increasing", trend.Direction)
}

func TestLinearTrendFlat(t *testing.T) {
	trend := LinearTrend([]float64{5, 5, 5, 5})

	assert.Equal(t, 0.0, trend.Slope)
	assert.Equal(t, 0.0, trend.RSquared)
	assert.Equal(t, "stable", trend.Direction)
}

func TestLinearTrendTooShort(t *testing.T) {
	assert.Nil(t, LinearTrend([]float64{1}))
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	assert.Equal(t, 1.0, Percentile(values, 0))
	assert.Equal(t, 10.0, Percentile(values, 100))
	assert.InDelta(t, 5.5, Percentile(values, 50), 1e-9)
	assert.InDelta(t, 9.55, Percentile(values, 95), 1e-9)
}

func TestPercentileEmpty(t *testing.T) {
	assert.Equal(t, 0.0, Percentile(nil, 50))
}
