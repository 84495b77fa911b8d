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

// Package probe reads runtime memory counters on demand and retains recent
// samples in bounded rings. Collect never fails: any counter source that
// cannot be read maps to zero with a one-shot warning.
package probe

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"memwatch/logger"
)

// Rings bundles the bounded sample history shared by the detector and the
// hotspot analyzer.
type Rings struct {
	Heap      *Ring[*Sample]
	GC        *Ring[GCEvent]
	EventLoop *Ring[time.Duration]
}

// NewRings creates the default-capacity rings
func NewRings() *Rings {
	return &Rings{
		Heap:      NewRing[*Sample](DefaultHeapRingSize),
		GC:        NewRing[GCEvent](DefaultGCRingSize),
		EventLoop: NewRing[time.Duration](DefaultEventLoopRingSize),
	}
}

// Push records a sample and its GC/latency components
func (r *Rings) Push(s *Sample) {
	r.Heap.Push(s)
	for _, ev := range s.GC {
		r.GC.Push(ev)
	}
	r.EventLoop.Push(s.EventLoopDelay)
}

// Probe collects runtime samples. Safe for use from any goroutine.
type Probe struct {
	mu sync.Mutex

	osReader *osReader
	gc       *gcWatcher
	latency  *latencyWatcher

	warned       map[string]bool
	peakMalloced uint64

	lastCollect time.Time
	lastCPU     time.Duration

	started bool
}

// New creates a probe
func New() *Probe {
	return &Probe{
		osReader: newOSReader(),
		gc:       newGCWatcher(),
		latency:  newLatencyWatcher(),
		warned:   make(map[string]bool),
	}
}

// Start launches the GC and scheduler-latency watchers
func (p *Probe) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.gc.Start(time.Second)
	p.latency.Start(time.Second)
	p.started = true
}

// Stop halts the watchers
func (p *Probe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.gc.Stop()
	p.latency.Stop()
	p.started = false
}

// warnOnce records a one-shot warning for a missing counter source
func (p *Probe) warnOnce(source string) {
	if p.warned[source] {
		return
	}
	p.warned[source] = true
	logger.Warn("probe: counter source %q unavailable, reporting zero", source)
}

// Collect reads all counters and returns a well-formed sample. It holds the
// probe mutex for the duration so peak tracking and CPU deltas stay coherent.
func (p *Probe) Collect() *Sample {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := heapLimit()
	host, missing := p.osReader.hostStats()
	for _, m := range missing {
		p.warnOnce(m)
	}
	if limit == 0 {
		limit = host.TotalMem
	}

	rss, user, system, ok := p.osReader.processStats()
	if !ok {
		p.warnOnce("proc-self-stat")
	}

	if ms.HeapAlloc > p.peakMalloced {
		p.peakMalloced = ms.HeapAlloc
	}

	var external uint64
	if ms.Sys > ms.HeapSys {
		external = ms.Sys - ms.HeapSys
	}

	sample := &Sample{
		Timestamp: now,
		Heap: HeapStats{
			Used:         ms.HeapAlloc,
			Total:        ms.HeapSys,
			Limit:        limit,
			Malloced:     ms.HeapAlloc,
			PeakMalloced: p.peakMalloced,
			External:     external,
			Spaces:       allocatorSpaces(&ms),
		},
		GC:             p.gc.Flush(),
		EventLoopDelay: p.latency.Delay(),
		CPU: CPUStats{
			User:   user,
			System: system,
		},
		OS:  host,
		RSS: rss,
	}
	sample.Heap.Physical = rss
	if limit > ms.HeapAlloc {
		sample.Heap.Available = limit - ms.HeapAlloc
	}

	// CPU percent over the interval since the previous collect
	total := user + system
	if !p.lastCollect.IsZero() && total >= p.lastCPU {
		wall := now.Sub(p.lastCollect)
		if wall > 0 && host.CPUs > 0 {
			sample.CPU.Percent = 100 * float64(total-p.lastCPU) / float64(wall) / float64(host.CPUs)
		}
	}
	p.lastCollect = now
	p.lastCPU = total

	return sample
}

// heapLimit reads the soft memory limit without changing it
func heapLimit() uint64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return 0
	}
	return uint64(limit)
}

// allocatorSpaces rolls the runtime allocator classes up into named spaces
func allocatorSpaces(ms *runtime.MemStats) []SpaceStats {
	spaces := []SpaceStats{
		{Name: "heap", Size: ms.HeapSys, Used: ms.HeapInuse, Physical: ms.HeapSys - ms.HeapReleased},
		{Name: "stack", Size: ms.StackSys, Used: ms.StackInuse, Physical: ms.StackSys},
		{Name: "mspan", Size: ms.MSpanSys, Used: ms.MSpanInuse, Physical: ms.MSpanSys},
		{Name: "mcache", Size: ms.MCacheSys, Used: ms.MCacheInuse, Physical: ms.MCacheSys},
		{Name: "gc-metadata", Size: ms.GCSys, Used: ms.GCSys, Physical: ms.GCSys},
		{Name: "other", Size: ms.OtherSys + ms.BuckHashSys, Used: ms.OtherSys + ms.BuckHashSys, Physical: ms.OtherSys + ms.BuckHashSys},
	}
	for i := range spaces {
		if spaces[i].Size > spaces[i].Used {
			spaces[i].Available = spaces[i].Size - spaces[i].Used
		}
	}
	return spaces
}
