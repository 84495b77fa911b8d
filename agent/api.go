// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package agent

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"memwatch/alerts"
	"memwatch/config"
	"memwatch/detector"
	"memwatch/events"
	"memwatch/health"
	"memwatch/hotspots"
	"memwatch/optimizer"
	"memwatch/probe"
	"memwatch/snapshot"
	"memwatch/stream"
)

// MetricsReport is the host-facing metrics snapshot
type MetricsReport struct {
	Current  *probe.Sample      `json:"current"`
	History  []*probe.Sample    `json:"history"`
	Baseline *detector.Baseline `json:"baseline,omitempty"`
	Events   events.Stats       `json:"events"`
}

// GetHealth returns the aggregate component health report
func (a *Agent) GetHealth() *health.Report {
	return a.checker.Check()
}

// GetErrorHistory returns routed errors, oldest first
func (a *Agent) GetErrorHistory() []ErrorRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ErrorRecord, len(a.errorHistory))
	copy(out, a.errorHistory)
	return out
}

// ClearErrors drops the retained error history
func (a *Agent) ClearErrors() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorHistory = nil
}

// Snapshot captures a heap profile snapshot
func (a *Agent) Snapshot() (*snapshot.Snapshot, error) {
	s, err := a.snapshots.Take()
	if err != nil {
		a.routeError("snapshot", err)
		return nil, err
	}
	return s, nil
}

// Analyze summarizes a retained snapshot
func (a *Agent) Analyze(id string) (*snapshot.Analysis, error) {
	return a.snapshots.Analyze(id)
}

// Compare diffs two retained snapshots
func (a *Agent) Compare(baseID, targetID string) (*snapshot.Comparison, error) {
	return a.snapshots.Compare(baseID, targetID)
}

// ForceGC runs a collection and returns memory to the OS
func (a *Agent) ForceGC() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Profile observes allocation activity for the given duration
func (a *Agent) Profile(ctx context.Context, duration time.Duration) (*snapshot.ProfileResult, error) {
	r, err := snapshot.Profile(ctx, duration)
	if err != nil {
		a.routeError("profiling", err)
		return nil, err
	}
	return r, nil
}

// GetMetrics returns the current sample, retained history and baseline
func (a *Agent) GetMetrics() *MetricsReport {
	return &MetricsReport{
		Current:  a.probe.Collect(),
		History:  a.rings.Heap.Snapshot(),
		Baseline: a.detector.Baseline(),
		Events:   a.bus.GetStats(),
	}
}

// GetLeaks returns the retained leak verdict history
func (a *Agent) GetLeaks() []*detector.Verdict {
	return a.detector.GetLeaks()
}

// CreateAlert feeds a host-originated signal through the admission pipeline
func (a *Agent) CreateAlert(in alerts.Input) (*alerts.Alert, error) {
	return a.alerts.Create(in)
}

// GetActiveAlerts returns active alerts, severity descending
func (a *Agent) GetActiveAlerts(filter alerts.Filter) []*alerts.Alert {
	return a.alerts.GetActive(filter)
}

// ResolveAlert resolves one active alert
func (a *Agent) ResolveAlert(id, resolution string) error {
	return a.alerts.Resolve(id, resolution)
}

// SuppressAlert silences one alert for the duration
func (a *Agent) SuppressAlert(id string, duration time.Duration) error {
	return a.alerts.Suppress(id, duration)
}

// GetAlertStats returns alert manager counters
func (a *Agent) GetAlertStats() alerts.Stats {
	return a.alerts.GetStats()
}

// GetAlertHistory returns the most recent limit alerts
func (a *Agent) GetAlertHistory(limit int) []*alerts.Alert {
	return a.alerts.History(limit)
}

// ConfigureAlerts replaces the alerting configuration
func (a *Agent) ConfigureAlerts(cfg config.AlertingConfig) {
	a.alerts.Configure(cfg)
}

// StartHotspotAnalysis reconfigures and starts the hotspot loop
func (a *Agent) StartHotspotAnalysis(cfg config.HotspotsConfig) {
	a.hotspots.Reconfigure(cfg)
	a.hotspots.Start()
	a.checker.SetHealthy("hotspots", "analyzing")
}

// StopHotspotAnalysis halts the hotspot loop
func (a *Agent) StopHotspotAnalysis() {
	a.hotspots.Stop()
	a.checker.SetHealthy("hotspots", "stopped")
}

// GetMemoryHotspots returns active hotspots matching the filter
func (a *Agent) GetMemoryHotspots(filter hotspots.Filter) []*hotspots.Hotspot {
	return a.hotspots.Get(filter)
}

// GetMemoryMap returns the allocator layout with active hotspots
func (a *Agent) GetMemoryMap() *hotspots.MemoryMap {
	return a.hotspots.GetMemoryMap()
}

// ResolveHotspot resolves one hotspot
func (a *Agent) ResolveHotspot(id, resolution string) error {
	return a.hotspots.Resolve(id, resolution)
}

// GetHotspotStats returns hotspot analyzer counters
func (a *Agent) GetHotspotStats() hotspots.Stats {
	return a.hotspots.GetStats()
}

// StartStreaming starts the stream server, optionally with a new config
func (a *Agent) StartStreaming(cfg *config.StreamingConfig) error {
	a.mu.Lock()
	if cfg != nil {
		a.cfg.Streaming = *cfg
		var auth stream.Authenticator
		if cfg.Authentication {
			auth = stream.NewJWTAuthenticator(cfg.AuthSecret)
		}
		a.stream = stream.NewServer(*cfg, a.bus, auth)
	}
	srv := a.stream
	a.mu.Unlock()

	if err := srv.Start(); err != nil {
		a.checker.SetUnhealthy("stream", err.Error())
		return err
	}
	a.checker.SetHealthy("stream", "listening")
	return nil
}

// StopStreaming stops the stream server
func (a *Agent) StopStreaming() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.stream.Stop(ctx)
	a.checker.SetHealthy("stream", "stopped")
	return err
}

// GetStreamingStats returns the stream transport counters
func (a *Agent) GetStreamingStats() stream.ServerStats {
	return a.stream.GetStats()
}

// BroadcastToStream publishes arbitrary data on a stream channel
func (a *Agent) BroadcastToStream(data map[string]interface{}, channel string) *stream.Message {
	return a.stream.Broadcast(data, channel)
}

// GetPerformanceMetrics returns the optimizer snapshot
func (a *Agent) GetPerformanceMetrics() optimizer.Metrics {
	return a.optimizer.GetMetrics()
}

// OptimizePerformance runs one optimization pass immediately
func (a *Agent) OptimizePerformance() optimizer.Metrics {
	snapshot := a.resourceSnapshot()
	a.optimizer.OptimizeInterval(snapshot)
	a.optimizer.OptimizeSamplingRate(snapshot)
	return a.optimizer.GetMetrics()
}

// MeasureOverhead times iters sample collections and feeds the measured
// efficiency into the intelligent sampling strategy. Returns the mean
// per-sample cost.
func (a *Agent) MeasureOverhead(iters int) time.Duration {
	if iters <= 0 {
		iters = 10
	}
	started := time.Now()
	for i := 0; i < iters; i++ {
		a.probe.Collect()
	}
	mean := time.Since(started) / time.Duration(iters)

	interval := a.optimizer.Interval()
	if interval > 0 {
		share := float64(mean) / float64(interval)
		a.optimizer.SetOverheadEfficiency(1 - clamp01(share))
	}
	return mean
}

// SetCacheValue stores a value in the optimizer cache
func (a *Agent) SetCacheValue(key string, value interface{}, opts optimizer.CacheOptions) {
	a.optimizer.Cache().Put(key, value, opts)
}

// GetCacheValue fetches a cached value, nil on miss or expiry
func (a *Agent) GetCacheValue(key string) interface{} {
	return a.optimizer.Cache().Get(key)
}

// QueueOperation admits background work through the bounded priority queue
func (a *Agent) QueueOperation(op func() error, opts optimizer.OperationOptions) error {
	return a.optimizer.QueueOperation(op, opts)
}

// Events exposes the bus for host subscriptions
func (a *Agent) Events() *events.Bus {
	return a.bus
}
