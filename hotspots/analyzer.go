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

// Package hotspots maintains a rolling view of memory pressure and raises
// typed hotspots for recurring patterns.
package hotspots

import (
	"fmt"
	"sync"
	"time"

	"memwatch/config"
	"memwatch/events"
	"memwatch/logger"
	"memwatch/probe"
	"memwatch/resilience"
)

// Hotspot types
const (
	TypeMemoryGrowth      = "memory-growth"
	TypeObjectGrowth      = "object-growth"
	TypeHeapSpacePressure = "heap-space-pressure"
	TypeAllocationPattern = "allocation-pattern"
)

// Severity bands, ordered
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Hotspot is a persistent, classified pressure signal. Identity is the ID
// derived from type and subject; repeated matches mutate the same record.
type Hotspot struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Severity        string                 `json:"severity"`
	FirstSeen       time.Time              `json:"firstSeen"`
	LastSeen        time.Time              `json:"lastSeen"`
	Occurrences     int                    `json:"occurrences"`
	Details         map[string]interface{} `json:"details,omitempty"`
	Recommendations []string               `json:"recommendations"`
	Resolved        bool                   `json:"resolved,omitempty"`
	ResolvedAt      *time.Time             `json:"resolvedAt,omitempty"`
	Resolution      string                 `json:"resolution,omitempty"`
}

// Filter narrows hotspot queries
type Filter struct {
	Type     string
	Severity string
}

// Stats summarizes analyzer activity
type Stats struct {
	Active     int            `json:"active"`
	Detected   uint64         `json:"detected"`
	Expired    uint64         `json:"expired"`
	Resolved   uint64         `json:"resolved"`
	ByType     map[string]int `json:"byType"`
	BySeverity map[string]int `json:"bySeverity"`
}

const analysisWindow = 10

// Analyzer owns the hotspot map; it samples on its own cadence and runs the
// four analyses over the retained window.
type Analyzer struct {
	mu sync.Mutex

	cfg   config.HotspotsConfig
	bus   *events.Bus
	probe *probe.Probe

	ring     *probe.Ring[*probe.Sample]
	hotspots map[string]*Hotspot
	timer    *resilience.SafeTimer

	detected uint64
	expired  uint64
	resolved uint64
}

// New creates an analyzer
func New(cfg config.HotspotsConfig, bus *events.Bus, p *probe.Probe) *Analyzer {
	a := &Analyzer{
		cfg:      cfg,
		bus:      bus,
		probe:    p,
		ring:     probe.NewRing[*probe.Sample](analysisWindow),
		hotspots: make(map[string]*Hotspot),
	}
	a.timer = resilience.NewSafeTimer("hotspot-analyzer", cfg.SampleInterval, a.tick, nil)
	return a
}

// Start launches the sampling loop
func (a *Analyzer) Start() {
	if !a.cfg.Enabled {
		return
	}
	a.timer.Start()
	logger.Info("hotspot analysis started (interval %v, retention %v)", a.cfg.SampleInterval, a.cfg.RetentionPeriod)
}

// Stop halts the loop
func (a *Analyzer) Stop() {
	a.timer.Stop()
}

// Reconfigure replaces the runtime configuration and restarts the loop
func (a *Analyzer) Reconfigure(cfg config.HotspotsConfig) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.timer.SetInterval(cfg.SampleInterval)
	if a.timer.Running() {
		a.timer.Restart()
	}
}

// tick collects a local sample and runs one analysis pass
func (a *Analyzer) tick() error {
	a.Analyze(a.probe.Collect())
	return nil
}

// Analyze ingests one sample, runs every enabled analysis over the retained
// window, and expires stale hotspots.
func (a *Analyzer) Analyze(s *probe.Sample) {
	a.ring.Push(s)

	a.mu.Lock()
	defer a.mu.Unlock()

	window := a.ring.Snapshot()
	if a.enabled(TypeMemoryGrowth) {
		a.analyzeMemoryGrowth(window)
	}
	if a.enabled(TypeObjectGrowth) {
		a.analyzeObjectGrowth(window)
	}
	if a.enabled(TypeHeapSpacePressure) {
		a.analyzeHeapSpaces(s)
	}
	if a.enabled(TypeAllocationPattern) {
		a.analyzeAllocationPattern(window)
	}
	a.expireStale()
}

func (a *Analyzer) enabled(category string) bool {
	if len(a.cfg.Categories) == 0 {
		return true
	}
	enabled, ok := a.cfg.Categories[category]
	return !ok || enabled
}

// analyzeMemoryGrowth compares the window edges. Caller holds a.mu.
func (a *Analyzer) analyzeMemoryGrowth(window []*probe.Sample) {
	if len(window) < 2 {
		return
	}
	first, latest := window[0], window[len(window)-1]
	if first.Heap.Used == 0 {
		return
	}

	growth := (float64(latest.Heap.Used) - float64(first.Heap.Used)) / float64(first.Heap.Used)
	if growth <= a.cfg.Thresholds.Growth {
		return
	}

	severity := SeverityMedium
	if growth > 2*a.cfg.Thresholds.Growth {
		severity = SeverityHigh
	}
	a.upsert(TypeMemoryGrowth, TypeMemoryGrowth, severity, map[string]interface{}{
		"growthRate": growth,
		"firstUsed":  first.Heap.Used,
		"latestUsed": latest.Heap.Used,
	}, []string{
		"Heap usage is climbing across the retained window; profile recent allocations",
		"Verify caches and buffers are bounded",
	})
}

// analyzeObjectGrowth treats allocator spaces as estimated object types and
// flags the large, fast-growing ones. Caller holds a.mu.
func (a *Analyzer) analyzeObjectGrowth(window []*probe.Sample) {
	if len(window) < 2 {
		return
	}
	prev, latest := window[len(window)-2], window[len(window)-1]

	prevSizes := make(map[string]uint64, len(prev.Heap.Spaces))
	for _, sp := range prev.Heap.Spaces {
		prevSizes[sp.Name] = sp.Used
	}

	for _, sp := range latest.Heap.Spaces {
		if sp.Used < a.cfg.Thresholds.Size {
			continue
		}
		before, ok := prevSizes[sp.Name]
		if !ok || before == 0 {
			continue
		}
		growth := (float64(sp.Used) - float64(before)) / float64(before)
		if growth <= a.cfg.Thresholds.Growth {
			continue
		}
		a.upsert("object-"+sp.Name, TypeObjectGrowth, SeverityMedium, map[string]interface{}{
			"space":      sp.Name,
			"growthRate": growth,
			"size":       sp.Used,
		}, []string{
			fmt.Sprintf("Allocations in the %s space grew %.0f%% between samples; inspect recent allocation sites", sp.Name, growth*100),
		})
	}
}

// analyzeHeapSpaces flags named spaces running hot. Caller holds a.mu.
func (a *Analyzer) analyzeHeapSpaces(s *probe.Sample) {
	for _, sp := range s.Heap.Spaces {
		if sp.Size == 0 {
			continue
		}
		ratio := float64(sp.Used) / float64(sp.Size)
		if ratio <= 0.8 {
			continue
		}
		severity := SeverityHigh
		if ratio > 0.95 {
			severity = SeverityCritical
		}
		a.upsert("heap-space-"+sp.Name, TypeHeapSpacePressure, severity, map[string]interface{}{
			"space":     sp.Name,
			"usedRatio": ratio,
			"size":      sp.Size,
			"used":      sp.Used,
		}, []string{
			fmt.Sprintf("The %s space is %.0f%% full; growth here forces more collection work", sp.Name, ratio*100),
		})
	}
}

// analyzeAllocationPattern buckets samples into coarse pressure keys and
// flags keys recurring across the window. Caller holds a.mu.
func (a *Analyzer) analyzeAllocationPattern(window []*probe.Sample) {
	counts := make(map[string]int)
	for _, s := range window {
		counts[patternKey(s)]++
	}
	latestKey := patternKey(window[len(window)-1])
	if counts[latestKey] < a.cfg.Thresholds.Frequency {
		return
	}
	a.upsert("pattern-"+latestKey, TypeAllocationPattern, SeverityLow, map[string]interface{}{
		"patternKey": latestKey,
		"frequency":  counts[latestKey],
	}, []string{
		"A recurring allocation pressure pattern was observed; correlate with periodic workloads",
	})
}

// patternKey buckets used/total into deciles and the rss ratio into quarters.
// Any stable bucketing works; this one keeps keys coarse and bounded.
func patternKey(s *probe.Sample) string {
	usedBucket := 0
	if s.Heap.Total > 0 {
		usedBucket = int(float64(s.Heap.Used) / float64(s.Heap.Total) * 10)
		if usedBucket > 9 {
			usedBucket = 9
		}
	}
	const rssScale = 256 << 20
	rssBucket := int(float64(s.RSS) / float64(s.RSS+rssScale) * 4)
	if rssBucket > 3 {
		rssBucket = 3
	}
	return fmt.Sprintf("h%d-r%d", usedBucket, rssBucket)
}

// upsert inserts or refreshes a hotspot. Severity only ever moves upwards.
// Caller holds a.mu.
func (a *Analyzer) upsert(id, hotspotType, severity string, details map[string]interface{}, recommendations []string) {
	now := time.Now()

	if existing, ok := a.hotspots[id]; ok {
		existing.Occurrences++
		existing.LastSeen = now
		existing.Details = details
		if severityRank[severity] > severityRank[existing.Severity] {
			existing.Severity = severity
		}
		return
	}

	h := &Hotspot{
		ID:              id,
		Type:            hotspotType,
		Severity:        severity,
		FirstSeen:       now,
		LastSeen:        now,
		Occurrences:     1,
		Details:         details,
		Recommendations: recommendations,
	}
	a.hotspots[id] = h
	a.detected++

	logger.Debug("hotspot detected: %s (%s/%s)", id, hotspotType, severity)
	a.bus.Emit(events.EventHotspotDetected, events.SeverityWarning, "hotspots",
		"memory hotspot detected: "+id, map[string]interface{}{
			"id":       id,
			"type":     hotspotType,
			"severity": severity,
			"details":  details,
		})
}

// expireStale drops hotspots unseen past the retention period. Caller holds a.mu.
func (a *Analyzer) expireStale() {
	cutoff := time.Now().Add(-a.cfg.RetentionPeriod)
	for id, h := range a.hotspots {
		if h.LastSeen.Before(cutoff) {
			delete(a.hotspots, id)
			a.expired++
			a.bus.Emit(events.EventHotspotExpired, events.SeverityInfo, "hotspots",
				"memory hotspot expired: "+id, map[string]interface{}{"id": id, "type": h.Type})
		}
	}
}

// Resolve marks a hotspot resolved and removes it from the active map
func (a *Analyzer) Resolve(id, resolution string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.hotspots[id]
	if !ok {
		return fmt.Errorf("hotspot not found: %s", id)
	}
	now := time.Now()
	h.Resolved = true
	h.ResolvedAt = &now
	h.Resolution = resolution
	delete(a.hotspots, id)
	a.resolved++

	a.bus.Emit(events.EventHotspotResolved, events.SeverityInfo, "hotspots",
		"memory hotspot resolved: "+id, map[string]interface{}{"id": id, "resolution": resolution})
	return nil
}

// Get returns active hotspots matching the filter, unspecified fields match all
func (a *Analyzer) Get(filter Filter) []*Hotspot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Hotspot, 0, len(a.hotspots))
	for _, h := range a.hotspots {
		if filter.Type != "" && h.Type != filter.Type {
			continue
		}
		if filter.Severity != "" && h.Severity != filter.Severity {
			continue
		}
		copy := *h
		out = append(out, &copy)
	}
	return out
}

// MemoryMap is a point-in-time view of allocator spaces plus active hotspots
type MemoryMap struct {
	Timestamp time.Time          `json:"timestamp"`
	Spaces    []probe.SpaceStats `json:"spaces"`
	Hotspots  []*Hotspot         `json:"hotspots"`
}

// GetMemoryMap returns the current allocator layout with active hotspots
func (a *Analyzer) GetMemoryMap() *MemoryMap {
	s := a.probe.Collect()
	return &MemoryMap{
		Timestamp: s.Timestamp,
		Spaces:    s.Heap.Spaces,
		Hotspots:  a.Get(Filter{}),
	}
}

// GetStats returns analyzer counters
func (a *Analyzer) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Stats{
		Active:     len(a.hotspots),
		Detected:   a.detected,
		Expired:    a.expired,
		Resolved:   a.resolved,
		ByType:     make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, h := range a.hotspots {
		stats.ByType[h.Type]++
		stats.BySeverity[h.Severity]++
	}
	return stats
}
