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

// Package optimizer keeps the agent low-overhead: it adapts the sampling
// interval and rate to system load, admits background operations through a
// bounded priority queue, and owns the TTL/priority cache.
package optimizer

import (
	"sync"
	"time"

	"memwatch/config"
	"memwatch/events"
	"memwatch/logger"
	"memwatch/resilience"
)

const (
	optimizeCadence = 10 * time.Second

	loadHighWater     = 0.7
	loadLowWater      = 0.3
	pressureHighWater = 0.8
	pressureLowWater  = 0.5

	intervalGrowFactor   = 1.5
	intervalShrinkFactor = 0.8

	minSamplingRate = 0.1
	maxSamplingRate = 1.0
	rateChangeEpsilon = 0.05
)

// ResourceSnapshot feeds the adaptive decisions
type ResourceSnapshot struct {
	SystemLoad         float64 // (user+system CPU seconds) / uptime / cpus
	MemoryPressure     float64 // rss / total memory
	OverheadEfficiency float64 // 1 − measured agent overhead share
}

// ResourceFunc supplies the current resource snapshot
type ResourceFunc func() ResourceSnapshot

// Metrics is the optimizer's introspection snapshot
type Metrics struct {
	Interval           time.Duration `json:"interval"`
	SamplingRate       float64       `json:"samplingRate"`
	Strategy           string        `json:"strategy"`
	SystemLoad         float64       `json:"systemLoad"`
	MemoryPressure     float64       `json:"memoryPressure"`
	OverheadEfficiency float64       `json:"overheadEfficiency"`
	ActiveOperations   int           `json:"activeOperations"`
	PendingOperations  int           `json:"pendingOperations"`
	DroppedOperations  uint64        `json:"droppedOperations"`
	Cache              CacheStats    `json:"cache"`
}

// Optimizer computes adaptive sample period, sampling rate, and operation
// admission; it owns the in-memory cache.
type Optimizer struct {
	mu sync.RWMutex

	perf config.PerformanceConfig
	mon  config.MonitoringConfig

	bus    *events.Bus
	source ResourceFunc

	interval     time.Duration
	baseRate     float64
	samplingRate float64
	overheadEff  float64
	lastSnapshot ResourceSnapshot

	queue *operationQueue
	cache *Cache
	timer *resilience.SafeTimer
}

// New creates an optimizer. source may be nil, disabling adaptation.
func New(perf config.PerformanceConfig, mon config.MonitoringConfig, bus *events.Bus, source ResourceFunc) *Optimizer {
	o := &Optimizer{
		perf:         perf,
		mon:          mon,
		bus:          bus,
		source:       source,
		interval:     mon.Interval,
		baseRate:     1.0,
		samplingRate: 1.0,
		overheadEff:  1.0,
		queue:        newOperationQueue(perf.Throttling.MaxConcurrent, bus),
		cache:        NewCache(perf.Caching.MaxEntries, perf.Caching.TTL),
	}
	o.timer = resilience.NewSafeTimer("optimizer", optimizeCadence, o.tick, nil)
	return o
}

// Start launches the adaptive loop and the cache janitor
func (o *Optimizer) Start() {
	if o.perf.Adaptive {
		o.timer.Start()
	}
	if o.perf.Caching.Enabled {
		o.cache.StartJanitor()
	}
}

// Stop halts the loops and rejects pending queued operations
func (o *Optimizer) Stop() {
	o.timer.Stop()
	o.cache.StopJanitor()
	o.queue.shutdown()
}

// tick runs one optimization pass. Failures are emitted as events and never
// abort the schedule.
func (o *Optimizer) tick() error {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("optimizer pass panic: %v", r)
			o.bus.Emit(events.EventError, events.SeverityError, "optimizer",
				"optimization pass panicked", map[string]interface{}{"panic": r})
		}
	}()

	if o.source == nil {
		return nil
	}
	snapshot := o.source()

	o.mu.Lock()
	snapshot.OverheadEfficiency = o.overheadEff
	o.lastSnapshot = snapshot
	o.mu.Unlock()

	o.OptimizeInterval(snapshot)
	o.OptimizeSamplingRate(snapshot)
	return nil
}

// OptimizeInterval applies the load/pressure rules to the sampling interval
func (o *Optimizer) OptimizeInterval(snapshot ResourceSnapshot) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.mon.AdaptiveInterval {
		return o.interval
	}

	previous := o.interval
	switch {
	case snapshot.SystemLoad > loadHighWater || snapshot.MemoryPressure > pressureHighWater:
		o.interval = time.Duration(float64(o.interval) * intervalGrowFactor)
	case snapshot.SystemLoad < loadLowWater && snapshot.MemoryPressure < pressureLowWater:
		o.interval = time.Duration(float64(o.interval) * intervalShrinkFactor)
	}
	if o.interval > o.mon.MaxInterval {
		o.interval = o.mon.MaxInterval
	}
	if o.interval < o.mon.MinInterval {
		o.interval = o.mon.MinInterval
	}

	if o.interval != previous {
		logger.Debug("sampling interval adapted %v -> %v (load=%.2f pressure=%.2f)",
			previous, o.interval, snapshot.SystemLoad, snapshot.MemoryPressure)
		o.bus.Emit(events.EventIntervalOptimized, events.SeverityInfo, "optimizer",
			"sampling interval adapted", map[string]interface{}{
				"previous": previous.String(),
				"current":  o.interval.String(),
				"load":     snapshot.SystemLoad,
				"pressure": snapshot.MemoryPressure,
			})
	}
	return o.interval
}

// OptimizeSamplingRate recomputes the rate for the configured strategy
func (o *Optimizer) OptimizeSamplingRate(snapshot ResourceSnapshot) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	previous := o.samplingRate
	rate := o.baseRate

	switch o.perf.SamplingStrategy {
	case "fixed":
		// baseRate as-is
	case "intelligent":
		rate = 0.4*(1-snapshot.SystemLoad) + 0.4*(1-snapshot.MemoryPressure) + 0.2*snapshot.OverheadEfficiency
	default: // adaptive
		switch {
		case snapshot.SystemLoad > loadHighWater || snapshot.MemoryPressure > pressureHighWater:
			rate = previous * 0.7
		case snapshot.SystemLoad < loadLowWater && snapshot.MemoryPressure < 0.4:
			rate = previous * 1.2
		default:
			rate = previous
		}
	}

	if rate < minSamplingRate {
		rate = minSamplingRate
	}
	if rate > maxSamplingRate {
		rate = maxSamplingRate
	}
	o.samplingRate = rate

	if diff := rate - previous; diff >= rateChangeEpsilon || diff <= -rateChangeEpsilon {
		o.bus.Emit(events.EventSamplingOptimized, events.SeverityInfo, "optimizer",
			"sampling rate adapted", map[string]interface{}{
				"previous": previous,
				"current":  rate,
				"strategy": o.perf.SamplingStrategy,
			})
	}
	return rate
}

// Interval returns the current adaptive sampling interval
func (o *Optimizer) Interval() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.interval
}

// SamplingRate returns the current sampling rate
func (o *Optimizer) SamplingRate() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.samplingRate
}

// SetOverheadEfficiency feeds the measured overhead term into the
// intelligent strategy
func (o *Optimizer) SetOverheadEfficiency(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	o.mu.Lock()
	o.overheadEff = v
	o.mu.Unlock()
}

// QueueOperation admits op immediately when capacity allows, otherwise
// enqueues it by priority. The timeout covers wait plus execution.
func (o *Optimizer) QueueOperation(op func() error, opts OperationOptions) error {
	return o.queue.run(op, opts)
}

// Cache exposes the optimizer-owned cache
func (o *Optimizer) Cache() *Cache {
	return o.cache
}

// GetMetrics returns the optimizer's introspection snapshot
func (o *Optimizer) GetMetrics() Metrics {
	o.mu.RLock()
	snapshot := o.lastSnapshot
	interval := o.interval
	rate := o.samplingRate
	eff := o.overheadEff
	strategy := o.perf.SamplingStrategy
	o.mu.RUnlock()

	active, pending, dropped := o.queue.stats()
	return Metrics{
		Interval:           interval,
		SamplingRate:       rate,
		Strategy:           strategy,
		SystemLoad:         snapshot.SystemLoad,
		MemoryPressure:     snapshot.MemoryPressure,
		OverheadEfficiency: eff,
		ActiveOperations:   active,
		PendingOperations:  pending,
		DroppedOperations:  dropped,
		Cache:              o.cache.GetStats(),
	}
}
