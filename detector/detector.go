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

// Package detector establishes a statistical baseline from early samples and
// classifies subsequent samples against leak patterns.
package detector

import (
	"sync"
	"time"

	"memwatch/config"
	"memwatch/events"
	"memwatch/logger"
	"memwatch/probe"
)

// Baseline is the statistical reference established during the initial
// window. It is derived once per detector lifetime unless Reset.
type Baseline struct {
	AvgHeapSize    float64   `json:"avgHeapSize"`
	StdDevHeapSize float64   `json:"stdDevHeapSize"`
	AvgGCFrequency float64   `json:"avgGCFrequency"`
	SamplesUsed    int       `json:"samplesUsed"`
	EstablishedAt  time.Time `json:"establishedAt"`
}

// VerdictMetrics captures the heap state behind a verdict
type VerdictMetrics struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	HeapLimit uint64 `json:"heapLimit"`
}

// Verdict is the outcome of running all pattern detectors over one sample
type Verdict struct {
	Probability     float64        `json:"probability"`
	Factors         []string       `json:"factors"`
	Timestamp       time.Time      `json:"timestamp"`
	Metrics         VerdictMetrics `json:"metrics"`
	Recommendations []string       `json:"recommendations"`
	IsLeak          bool           `json:"isLeak"`
}

const verdictHistorySize = 50

// Detector classifies incoming samples once a baseline exists. Samples are
// processed in arrival order; a sample is never partially processed.
type Detector struct {
	mu sync.Mutex

	cfg *config.Config
	bus *events.Bus

	baseline    *Baseline
	baselineBuf []*probe.Sample
	startTime   time.Time

	ring     *probe.Ring[*probe.Sample] // post-baseline samples
	verdicts *probe.Ring[*Verdict]

	patterns map[string]bool
}

// New creates a detector
func New(cfg *config.Config, bus *events.Bus) *Detector {
	patterns := make(map[string]bool, len(cfg.Detection.Patterns))
	for _, p := range cfg.Detection.Patterns {
		patterns[p] = true
	}
	return &Detector{
		cfg:      cfg,
		bus:      bus,
		ring:     probe.NewRing[*probe.Sample](probe.DefaultHeapRingSize),
		verdicts: probe.NewRing[*Verdict](verdictHistorySize),
		patterns: patterns,
		startTime: time.Now(),
	}
}

// IsBaselineEstablished reports whether the baseline has been promoted
func (d *Detector) IsBaselineEstablished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baseline != nil
}

// Baseline returns a copy of the established baseline, nil before promotion
func (d *Detector) Baseline() *Baseline {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.baseline == nil {
		return nil
	}
	b := *d.baseline
	return &b
}

// Reset drops the baseline and all retained state
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseline = nil
	d.baselineBuf = nil
	d.startTime = time.Now()
	d.ring.Reset()
	d.verdicts.Reset()
	logger.Info("leak detector reset, baseline discarded")
}

// GetLeaks returns the retained verdict history, most recent last
func (d *Detector) GetLeaks() []*Verdict {
	return d.verdicts.Snapshot()
}

// Process ingests one sample. During the baseline phase it accumulates; once
// the baseline is promoted it runs the pattern detectors and returns the
// verdict when either a leak or a warning fires.
func (d *Detector) Process(s *probe.Sample) *Verdict {
	if !d.cfg.Detection.Enabled {
		return nil
	}

	if !s.Wellformed() {
		// Report and keep going; detectors tolerate odd counters
		d.bus.Emit(events.EventError, events.SeverityWarning, "detector",
			"sample violates heap ordering invariant", map[string]interface{}{
				"used":  s.Heap.Used,
				"total": s.Heap.Total,
				"limit": s.Heap.Limit,
			})
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.baseline == nil {
		d.baselineBuf = append(d.baselineBuf, s)
		if d.shouldPromote(s.Timestamp) {
			d.promoteBaseline()
		}
		return nil
	}

	d.ring.Push(s)
	return d.evaluate(s)
}

// shouldPromote applies the promotion rule: elapsed ≥ duration OR
// count ≥ samples. Caller holds d.mu.
func (d *Detector) shouldPromote(now time.Time) bool {
	b := d.cfg.Detection.Baseline
	return now.Sub(d.startTime) >= b.Duration || len(d.baselineBuf) >= b.Samples
}

// promoteBaseline computes the statistical reference. Runs exactly once.
// Caller holds d.mu.
func (d *Detector) promoteBaseline() {
	used := make([]float64, len(d.baselineBuf))
	var gcTotal float64
	for i, s := range d.baselineBuf {
		used[i] = float64(s.Heap.Used)
		gcTotal += float64(len(s.GC))
	}

	stats := probe.CalculateStats(used)
	d.baseline = &Baseline{
		AvgHeapSize:    stats.Mean,
		StdDevHeapSize: stats.StdDev,
		AvgGCFrequency: gcTotal / float64(len(d.baselineBuf)),
		SamplesUsed:    len(d.baselineBuf),
		EstablishedAt:  time.Now(),
	}
	d.baselineBuf = nil

	logger.Info("leak detection baseline established: avg=%.0f bytes stddev=%.0f (%d samples)",
		d.baseline.AvgHeapSize, d.baseline.StdDevHeapSize, d.baseline.SamplesUsed)
	d.bus.Emit(events.EventBaselineEstablished, events.SeverityInfo, "detector",
		"leak detection baseline established", map[string]interface{}{
			"avgHeapSize":    d.baseline.AvgHeapSize,
			"stdDevHeapSize": d.baseline.StdDevHeapSize,
			"avgGCFrequency": d.baseline.AvgGCFrequency,
			"samplesUsed":    d.baseline.SamplesUsed,
		})
}

// evaluate runs every enabled pattern detector and folds the findings into a
// verdict. Caller holds d.mu.
func (d *Detector) evaluate(s *probe.Sample) *Verdict {
	findings := make([]finding, 0, 5)
	for _, fn := range []func(*probe.Sample) *finding{
		d.detectRapidGrowth,
		d.detectSteadyGrowth,
		d.detectSawTooth,
		d.detectGCPressure,
		d.detectMemoryThreshold,
	} {
		if f := fn(s); f != nil && d.patterns[f.name] {
			findings = append(findings, *f)
		}
	}
	if len(findings) == 0 {
		return nil
	}

	verdict := &Verdict{
		Timestamp: s.Timestamp,
		Metrics: VerdictMetrics{
			HeapUsed:  s.Heap.Used,
			HeapTotal: s.Heap.Total,
			HeapLimit: s.Heap.Limit,
		},
	}

	seen := make(map[string]bool)
	for _, f := range findings {
		verdict.Probability += f.increment
		verdict.Factors = append(verdict.Factors, f.factor)
		if !seen[f.recommendation] {
			seen[f.recommendation] = true
			verdict.Recommendations = append(verdict.Recommendations, f.recommendation)
		}
	}
	if verdict.Probability > 1.0 {
		verdict.Probability = 1.0
	}

	threshold := d.cfg.VerdictThreshold()
	switch {
	case verdict.Probability > threshold:
		verdict.IsLeak = true
		d.verdicts.Push(verdict)
		d.bus.Emit(events.EventLeak, events.SeverityError, "detector",
			"memory leak suspected", verdictDetails(verdict))
	case verdict.Probability > warningFloor:
		d.verdicts.Push(verdict)
		d.bus.Emit(events.EventWarning, events.SeverityWarning, "detector",
			"memory pressure warning", verdictDetails(verdict))
	default:
		return nil
	}
	return verdict
}

func verdictDetails(v *Verdict) map[string]interface{} {
	return map[string]interface{}{
		"probability":     v.Probability,
		"factors":         v.Factors,
		"heapUsed":        v.Metrics.HeapUsed,
		"heapTotal":       v.Metrics.HeapTotal,
		"heapLimit":       v.Metrics.HeapLimit,
		"recommendations": v.Recommendations,
	}
}
