// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package probe

import (
	"encoding/json"
	"time"
)

// GCEventType classifies a garbage-collection event
type GCEventType string

const (
	GCScavenge          GCEventType = "scavenge"
	GCMarkSweepCompact  GCEventType = "mark-sweep-compact"
	GCIncrementalMark   GCEventType = "incremental-marking"
	GCWeakProcessing    GCEventType = "weak-processing"
	GCAll               GCEventType = "all"
	GCUnknown           GCEventType = "unknown"
)

// GCEvent records one garbage-collection cycle observed between samples
type GCEvent struct {
	Type     GCEventType   `json:"type"`
	Duration time.Duration `json:"durationMs"`
	Flags    int           `json:"flags"`
}

// SpaceStats describes one named allocator space
type SpaceStats struct {
	Name      string `json:"name"`
	Size      uint64 `json:"size"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
	Physical  uint64 `json:"physical"`
}

// HeapStats is the heap portion of a sample
type HeapStats struct {
	Used         uint64       `json:"used"`
	Total        uint64       `json:"total"`
	Limit        uint64       `json:"limit"`
	Available    uint64       `json:"available"`
	Physical     uint64       `json:"physical"`
	Malloced     uint64       `json:"malloced"`
	PeakMalloced uint64       `json:"peakMalloced"`
	External     uint64       `json:"external"`
	ArrayBuffers uint64       `json:"arrayBuffers"`
	Spaces       []SpaceStats `json:"spaces"`
}

// CPUStats is the process CPU portion of a sample
type CPUStats struct {
	User    time.Duration `json:"userMs"`
	System  time.Duration `json:"systemMs"`
	Percent float64       `json:"percent"`
}

// OSStats is the host portion of a sample
type OSStats struct {
	Platform string        `json:"platform"`
	TotalMem uint64        `json:"totalMem"`
	FreeMem  uint64        `json:"freeMem"`
	CPUs     int           `json:"cpus"`
	LoadAvg  [3]float64    `json:"loadAvg"`
	Uptime   time.Duration `json:"uptime"`
}

// Sample is an immutable point-in-time observation of runtime memory and
// activity. Samples are created by the probe and never mutated afterwards.
type Sample struct {
	Timestamp      time.Time     `json:"timestamp"`
	Heap           HeapStats     `json:"heap"`
	GC             []GCEvent     `json:"gc"`
	EventLoopDelay time.Duration `json:"eventLoopDelayMs"`
	CPU            CPUStats      `json:"cpu"`
	OS             OSStats       `json:"os"`
	RSS            uint64        `json:"rss"`
}

// HeapRatio returns used/limit, 0 when the limit is unknown
func (s *Sample) HeapRatio() float64 {
	if s.Heap.Limit == 0 {
		return 0
	}
	return float64(s.Heap.Used) / float64(s.Heap.Limit)
}

// Wellformed reports whether used ≤ total ≤ limit holds. Violations are
// reported by consumers, never crashed on.
func (s *Sample) Wellformed() bool {
	return s.Heap.Used <= s.Heap.Total && (s.Heap.Limit == 0 || s.Heap.Total <= s.Heap.Limit)
}

// ToJSON serializes the sample for the stream wire
func (s *Sample) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}
