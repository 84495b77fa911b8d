// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memwatch/alerts"
	"memwatch/config"
	"memwatch/errors"
	"memwatch/events"
	"memwatch/hotspots"
	"memwatch/optimizer"
)

func testAgentConfig() *config.Config {
	cfg := config.Default()
	cfg.Reporting.Console = false
	return cfg
}

func configuredAgent(t *testing.T) *Agent {
	t.Helper()
	a := New()
	require.NoError(t, a.Configure(testAgentConfig()))
	return a
}

func runningAgent(t *testing.T) *Agent {
	t.Helper()
	a := configuredAgent(t)
	require.NoError(t, a.Start())
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

func TestStartRequiresConfigure(t *testing.T) {
	a := New()
	err := a.Start()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
}

func TestConfigureRejectsInvalid(t *testing.T) {
	a := New()
	cfg := testAgentConfig()
	cfg.Detection.Sensitivity = "bogus"

	err := a.Configure(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidConfig))
}

func TestConfigureNilUsesDefaults(t *testing.T) {
	a := New()
	assert.NoError(t, a.Configure(testAgentConfig()))
	assert.NoError(t, a.Configure(testAgentConfig()), "reconfiguration is accepted")
}

func TestLifecycle(t *testing.T) {
	a := configuredAgent(t)

	require.NoError(t, a.Start())
	assert.NoError(t, a.Start(), "Start is idempotent")

	report := a.GetHealth()
	require.NotNil(t, report)
	assert.True(t, report.Healthy, "all components report in after Start")
	assert.True(t, report.Components["probe"].Healthy)
	assert.Equal(t, "disabled", report.Components["stream"].Message)

	require.NoError(t, a.Stop())
	assert.NoError(t, a.Stop(), "Stop is idempotent")
}

func TestResetRequiresStoppedAgent(t *testing.T) {
	a := configuredAgent(t)
	require.NoError(t, a.Start())

	err := a.Reset()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))

	require.NoError(t, a.Stop())
	assert.NoError(t, a.Reset())

	unconfigured := New()
	assert.Error(t, unconfigured.Reset())
}

func TestSampleFeedsRingsAndBus(t *testing.T) {
	a := runningAgent(t)

	var got *events.Event
	received := make(chan *events.Event, 8)
	a.Events().Subscribe("test", func(ev *events.Event) {
		if ev.Type == events.EventMetrics {
			received <- ev
		}
	})

	require.NoError(t, a.sample())

	select {
	case got = <-received:
	case <-time.After(time.Second):
		t.Fatal("no metrics event published")
	}
	assert.Equal(t, "probe", got.Source)
	assert.NotZero(t, got.Details["heapUsed"])
	assert.Equal(t, 1, a.rings.Heap.Len())
}

func TestGetMetricsReport(t *testing.T) {
	a := runningAgent(t)
	require.NoError(t, a.sample())

	report := a.GetMetrics()
	require.NotNil(t, report)
	assert.NotNil(t, report.Current)
	assert.Len(t, report.History, 1)
	assert.Nil(t, report.Baseline, "baseline needs more samples")
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := runningAgent(t)

	base, err := a.Snapshot()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	target, err := a.Snapshot()
	require.NoError(t, err)

	analysis, err := a.Analyze(base.ID)
	require.NoError(t, err)
	assert.Equal(t, base.ID, analysis.SnapshotID)

	cmp, err := a.Compare(base.ID, target.ID)
	require.NoError(t, err)
	assert.Greater(t, cmp.Elapsed, time.Duration(0))

	_, err = a.Analyze("snap-missing")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestAlertAPI(t *testing.T) {
	a := runningAgent(t)

	created, err := a.CreateAlert(alerts.Input{
		Level:    alerts.LevelWarning,
		Title:    "host raised",
		Source:   "host",
		Category: "manual",
	})
	require.NoError(t, err)
	require.NotNil(t, created)

	active := a.GetActiveAlerts(alerts.Filter{Source: "host"})
	require.Len(t, active, 1)

	require.NoError(t, a.ResolveAlert(created.ID, "handled"))
	assert.Empty(t, a.GetActiveAlerts(alerts.Filter{}))
	assert.Equal(t, uint64(1), a.GetAlertStats().Resolved)
	assert.Len(t, a.GetAlertHistory(0), 1)
}

func TestCacheAPI(t *testing.T) {
	a := runningAgent(t)

	a.SetCacheValue("report", "cached", optimizer.CacheOptions{TTL: time.Minute})
	assert.Equal(t, "cached", a.GetCacheValue("report"))
	assert.Nil(t, a.GetCacheValue("missing"))
}

func TestQueueOperationAPI(t *testing.T) {
	a := runningAgent(t)

	ran := false
	err := a.QueueOperation(func() error {
		ran = true
		return nil
	}, optimizer.OperationOptions{Timeout: time.Second})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestErrorRouting(t *testing.T) {
	a := runningAgent(t)

	a.routeError("detector", errors.DetectionError("process", assert.AnError))

	history := a.GetErrorHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "detector", history[0].Source)
	assert.Equal(t, errors.CodeBaselineNotReady, history[0].Code)
	assert.False(t, history[0].Critical)

	a.ClearErrors()
	assert.Empty(t, a.GetErrorHistory())
}

func TestStreamingAPI(t *testing.T) {
	a := runningAgent(t)

	cfg := testAgentConfig().Streaming
	cfg.Enabled = true
	cfg.Port = 0
	require.NoError(t, a.StartStreaming(&cfg))
	defer func() { _ = a.StopStreaming() }()

	assert.True(t, a.GetStreamingStats().Running)

	m := a.BroadcastToStream(map[string]interface{}{"type": "metrics", "n": 1}, "metrics")
	require.NotNil(t, m)
	assert.Equal(t, "metrics", m.Channel)

	require.NoError(t, a.StopStreaming())
	assert.False(t, a.GetStreamingStats().Running)
}

func TestMeasureOverhead(t *testing.T) {
	a := runningAgent(t)

	mean := a.MeasureOverhead(3)
	assert.Greater(t, mean, time.Duration(0))

	eff := a.GetPerformanceMetrics().OverheadEfficiency
	assert.GreaterOrEqual(t, eff, 0.0)
	assert.LessOrEqual(t, eff, 1.0)
}

func TestOptimizePerformance(t *testing.T) {
	a := runningAgent(t)

	m := a.OptimizePerformance()
	assert.Greater(t, m.Interval, time.Duration(0))
	assert.Greater(t, m.SamplingRate, 0.0)
}

func TestHotspotAPI(t *testing.T) {
	a := runningAgent(t)

	assert.Empty(t, a.GetMemoryHotspots(hotspots.Filter{}))
	mm := a.GetMemoryMap()
	require.NotNil(t, mm)
	assert.NotEmpty(t, mm.Spaces)
	assert.Error(t, a.ResolveHotspot("missing", "nope"))
	assert.Zero(t, a.GetHotspotStats().Active)
}
