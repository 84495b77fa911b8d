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

// Package agent wires the probe, detector, hotspot analyzer, alert manager,
// optimizer and stream server into one supervised in-process agent.
package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"memwatch/alerts"
	"memwatch/config"
	"memwatch/detector"
	"memwatch/errors"
	"memwatch/events"
	"memwatch/health"
	"memwatch/hotspots"
	"memwatch/logger"
	"memwatch/metrics"
	"memwatch/optimizer"
	"memwatch/probe"
	"memwatch/resilience"
	"memwatch/snapshot"
	"memwatch/stream"
)

const (
	heartbeatCadence  = 30 * time.Second
	monitorCadence    = 5 * time.Second
	recoveryBackoff   = 5 * time.Second
	errorHistorySize  = 200
	eventBusBuffer    = 512
	snapshotRetention = 10
)

// ErrorRecord is one routed subsystem error
type ErrorRecord struct {
	Code      string    `json:"code"`
	Category  string    `json:"category"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Critical  bool      `json:"critical"`
	Timestamp time.Time `json:"timestamp"`
}

// Agent is the supervisor. Construct with New, then Configure and Start.
type Agent struct {
	mu sync.Mutex

	cfg *config.Config
	bus *events.Bus
	zl  *zap.Logger

	probe     *probe.Probe
	rings     *probe.Rings
	detector  *detector.Detector
	hotspots  *hotspots.Analyzer
	alerts    *alerts.Manager
	optimizer *optimizer.Optimizer
	stream    *stream.Server
	snapshots *snapshot.Manager
	checker   *health.Checker
	metrics   *metrics.AgentMetrics
	retry     *resilience.RetryManager

	samplerBreaker *resilience.CircuitBreaker

	samplerTimer   *resilience.SafeTimer
	monitorTimer   *resilience.SafeTimer
	heartbeatTimer *resilience.SafeTimer

	lastResource optimizer.ResourceSnapshot
	rateAcc      float64

	errorHistory []ErrorRecord
	recovering   map[string]bool

	configured bool
	running    bool
	stopping   bool
}

// New creates an unconfigured agent
func New() *Agent {
	return &Agent{
		recovering: make(map[string]bool),
	}
}

// Configure normalizes, validates and applies the configuration. It may be
// called before Start or while running; running subsystems that accept
// reconfiguration are updated in place.
func (a *Agent) Configure(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.configured {
		a.cfg = cfg
		a.build()
		a.configured = true
		return nil
	}

	a.cfg = cfg
	a.alerts.Configure(cfg.Alerting)
	a.hotspots.Reconfigure(cfg.Hotspots)
	return nil
}

// build constructs all subsystems. Caller holds a.mu and has set a.cfg.
func (a *Agent) build() {
	cfg := a.cfg

	a.bus = events.NewBus(eventBusBuffer)
	a.zl = newZapLogger(cfg.Reporting)
	a.probe = probe.New()
	a.rings = probe.NewRings()
	a.detector = detector.New(cfg, a.bus)
	a.hotspots = hotspots.New(cfg.Hotspots, a.bus, a.probe)
	a.alerts = alerts.NewManager(cfg.Alerting, a.bus, a.zl)
	a.optimizer = optimizer.New(cfg.Performance, cfg.Monitoring, a.bus, a.resourceSnapshot)
	a.snapshots = snapshot.NewManager(snapshotRetention)
	a.metrics = metrics.New()
	a.checker = health.NewChecker("probe", "detector", "hotspots", "alerts", "optimizer", "stream")
	a.retry = resilience.NewRetryManager(resilience.RetryConfig{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	})

	cb := cfg.ErrorHandling.CircuitBreaker
	a.samplerBreaker = resilience.NewCircuitBreaker("sampler", resilience.CircuitBreakerConfig{
		FailureThreshold: cb.Threshold,
		ResetTimeout:     cb.Timeout,
		MonitorWindow:    cb.Window,
	})

	var auth stream.Authenticator
	if cfg.Streaming.Authentication {
		auth = stream.NewJWTAuthenticator(cfg.Streaming.AuthSecret)
	}
	a.stream = stream.NewServer(cfg.Streaming, a.bus, auth)

	a.samplerTimer = resilience.NewSafeTimer("sampler", cfg.Monitoring.Interval, a.sample, nil)
	a.monitorTimer = resilience.NewSafeTimer("resource-monitor", monitorCadence, a.monitorResources, nil)
	a.heartbeatTimer = resilience.NewSafeTimer("heartbeat", heartbeatCadence, a.heartbeat, nil)
}

// Start launches every enabled subsystem. Idempotent.
func (a *Agent) Start() error {
	a.mu.Lock()
	if !a.configured {
		a.mu.Unlock()
		return errors.StateError("start", "agent not configured")
	}
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.stopping = false
	cfg := a.cfg
	a.mu.Unlock()

	a.installBridges()

	a.probe.Start()
	a.checker.SetHealthy("probe", "collecting")
	a.checker.SetHealthy("detector", "baseline pending")

	a.optimizer.Start()
	a.checker.SetHealthy("optimizer", "running")

	if cfg.Hotspots.Enabled {
		a.hotspots.Start()
		a.checker.SetHealthy("hotspots", "analyzing")
	} else {
		a.checker.SetHealthy("hotspots", "disabled")
	}
	a.checker.SetHealthy("alerts", "running")

	if cfg.Streaming.Enabled {
		if err := a.stream.Start(); err != nil {
			a.routeError("stream", errors.Wrap(err, errors.CodeStreamRejected,
				errors.CategoryReporting, "start", "stream server failed to start"))
			a.checker.SetUnhealthy("stream", err.Error())
		} else {
			a.checker.SetHealthy("stream", "listening")
		}
	} else {
		a.checker.SetHealthy("stream", "disabled")
	}

	a.samplerTimer.Start()
	a.monitorTimer.Start()
	a.heartbeatTimer.Start()
	a.metrics.AgentUp.Set(1)

	logger.Info("memwatch agent started (interval %v)", cfg.Monitoring.Interval)
	return nil
}

// Stop halts all subsystems with the configured graceful timeout
func (a *Agent) Stop() error {
	a.mu.Lock()
	timeout := time.Duration(0)
	if a.cfg != nil {
		timeout = a.cfg.ErrorHandling.GracefulShutdownTimeout
	}
	a.mu.Unlock()
	return a.GracefulShutdown(timeout)
}

// GracefulShutdown stops subsystems concurrently under a hard deadline.
// Subsystems that miss the deadline are abandoned rather than blocking exit.
func (a *Agent) GracefulShutdown(timeout time.Duration) error {
	a.mu.Lock()
	if !a.running || a.stopping {
		a.mu.Unlock()
		return nil
	}
	a.stopping = true
	a.mu.Unlock()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.bus.Emit(events.EventShutdown, events.SeverityInfo, "agent",
		"agent shutting down", map[string]interface{}{"timeout": timeout.String()})

	a.samplerTimer.Stop()
	a.monitorTimer.Stop()
	a.heartbeatTimer.Stop()

	var wg sync.WaitGroup
	stop := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("shutdown of %s panicked: %v", name, r)
				}
			}()
			fn()
		}()
	}

	stop("probe", a.probe.Stop)
	stop("hotspots", a.hotspots.Stop)
	stop("optimizer", a.optimizer.Stop)
	stop("alerts", a.alerts.Stop)
	stop("stream", func() { _ = a.stream.Stop(ctx) })

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.New(errors.CodeShutdownInProgress, errors.CategoryState,
			"shutdown", "graceful shutdown deadline expired, subsystems abandoned")
		logger.Warn("graceful shutdown deadline expired after %v", timeout)
	}

	a.metrics.AgentUp.Set(0)
	a.bus.Stop()

	a.mu.Lock()
	a.running = false
	a.stopping = false
	a.mu.Unlock()

	logger.Info("memwatch agent stopped")
	return err
}

// Reset restores pristine detector and error state while keeping config.
// The agent must be stopped first.
func (a *Agent) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return errors.StateError("reset", "stop the agent before reset")
	}
	if !a.configured {
		return errors.StateError("reset", "agent not configured")
	}
	a.build()
	a.errorHistory = nil
	a.rateAcc = 0
	a.recovering = make(map[string]bool)
	logger.Info("agent reset")
	return nil
}

// sample is the periodic probe tick. Sampling-rate skips are deterministic:
// the rate accumulates until a whole sample is due.
func (a *Agent) sample() error {
	a.mu.Lock()
	rate := a.optimizer.SamplingRate()
	a.rateAcc += rate
	if a.rateAcc < 1 {
		a.mu.Unlock()
		return nil
	}
	a.rateAcc -= 1
	a.mu.Unlock()

	err := a.samplerBreaker.Execute(func() error {
		started := time.Now()
		s := a.probe.Collect()
		a.metrics.SampleDuration.Observe(time.Since(started).Seconds())
		a.metrics.SamplesTotal.Inc()
		a.metrics.HeapUsedBytes.Set(float64(s.Heap.Used))
		a.metrics.HeapTotalBytes.Set(float64(s.Heap.Total))
		a.metrics.RSSBytes.Set(float64(s.RSS))
		a.metrics.SchedulerDelaySec.Set(s.EventLoopDelay.Seconds())
		for _, gc := range s.GC {
			a.metrics.GCPauseSeconds.Observe(gc.Duration.Seconds())
		}

		a.rings.Push(s)
		a.detector.Process(s)

		a.bus.Emit(events.EventMetrics, events.SeverityInfo, "probe",
			"memory sample", map[string]interface{}{
				"heapUsed":       s.Heap.Used,
				"heapTotal":      s.Heap.Total,
				"heapLimit":      s.Heap.Limit,
				"rss":            s.RSS,
				"eventLoopDelay": s.EventLoopDelay.Seconds(),
				"gcCount":        len(s.GC),
			})
		return nil
	})
	if err != nil {
		if !errors.IsCode(err, errors.CodeCircuitOpen) {
			a.routeError("probe", errors.MonitoringError("sample", err))
		}
		return nil // keep the schedule alive
	}

	// Track the adaptive interval
	if current := a.optimizer.Interval(); current != a.samplerTimer.Interval() {
		a.samplerTimer.SetInterval(current)
		a.samplerTimer.Restart()
		a.metrics.SamplingInterval.Set(current.Seconds())
	}
	a.metrics.SamplingRate.Set(a.optimizer.SamplingRate())
	return nil
}

// monitorResources refreshes the snapshot feeding the optimizer
func (a *Agent) monitorResources() error {
	s := a.probe.Collect()

	var load, pressure float64
	if s.OS.Uptime > 0 && s.OS.CPUs > 0 {
		load = (s.CPU.User + s.CPU.System).Seconds() / s.OS.Uptime.Seconds() / float64(s.OS.CPUs)
	}
	if s.OS.LoadAvg[0] > 0 && s.OS.CPUs > 0 {
		load = s.OS.LoadAvg[0] / float64(s.OS.CPUs)
	}
	if s.OS.TotalMem > 0 {
		pressure = float64(s.RSS) / float64(s.OS.TotalMem)
	}

	a.mu.Lock()
	a.lastResource = optimizer.ResourceSnapshot{
		SystemLoad:     clamp01(load),
		MemoryPressure: clamp01(pressure),
	}
	a.mu.Unlock()
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// resourceSnapshot is the optimizer's pull source
func (a *Agent) resourceSnapshot() optimizer.ResourceSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastResource
}

// heartbeat publishes the aggregate health state
func (a *Agent) heartbeat() error {
	report := a.checker.Check()
	breakerState, breakerFailures := a.samplerBreaker.Stats()

	a.mu.Lock()
	cfg := a.cfg
	total := len(a.errorHistory)
	recent := 0
	cutoff := time.Now().Add(-cfg.ErrorHandling.ErrorWindow)
	for _, rec := range a.errorHistory {
		if rec.Timestamp.After(cutoff) {
			recent++
		}
	}
	a.mu.Unlock()

	severity := events.SeverityInfo
	details := map[string]interface{}{
		"healthy":         report.Healthy,
		"components":      report.Components,
		"breakerState":    breakerState.String(),
		"breakerFailures": breakerFailures,
		"errorsTotal":     total,
		"errorsRecent":    recent,
		"alerts":          a.alerts.GetStats(),
		"bus":             a.bus.GetStats(),
	}
	if recent >= cfg.ErrorHandling.ErrorThreshold {
		severity = events.SeverityWarning
		details["errorThresholdExceeded"] = true
		logger.Warn("error threshold exceeded: %d errors within %v", recent, cfg.ErrorHandling.ErrorWindow)
	}

	a.bus.Emit(events.EventHealthCheck, severity, "agent", "health heartbeat", details)
	return nil
}

// routeError records, classifies and publishes a subsystem error, then
// schedules recovery for the subsystem.
func (a *Agent) routeError(subsystem string, err error) {
	if err == nil {
		return
	}
	critical := errors.IsCritical(err)
	rec := ErrorRecord{
		Code:      errors.GetCode(err),
		Category:  errors.GetCategory(err),
		Source:    subsystem,
		Message:   err.Error(),
		Critical:  critical,
		Timestamp: time.Now(),
	}

	a.mu.Lock()
	a.errorHistory = append(a.errorHistory, rec)
	if over := len(a.errorHistory) - errorHistorySize; over > 0 {
		a.errorHistory = a.errorHistory[over:]
	}
	logErrors := a.cfg.ErrorHandling.LogErrors
	exitOnUnhandled := a.cfg.ErrorHandling.ExitOnUnhandled
	a.mu.Unlock()

	a.metrics.ErrorsTotal.WithLabelValues(rec.Category).Inc()
	if logErrors {
		logger.Error("%s error: %v", subsystem, err)
	}

	details := map[string]interface{}{
		"code":      rec.Code,
		"category":  rec.Category,
		"subsystem": subsystem,
		"timestamp": rec.Timestamp,
	}
	if critical {
		a.bus.Emit(events.EventCriticalError, events.SeverityCritical, subsystem, err.Error(), details)
		if exitOnUnhandled {
			go func() { _ = a.Stop() }()
			return
		}
	} else {
		a.bus.Emit(events.EventError, events.SeverityError, subsystem, err.Error(), details)
	}

	a.scheduleRecovery(subsystem)
}

// scheduleRecovery restarts a subsystem after a backoff; each attempt runs
// through the retry manager. At most one recovery is in flight per subsystem.
func (a *Agent) scheduleRecovery(subsystem string) {
	restart := a.restartFunc(subsystem)
	if restart == nil {
		return
	}

	a.mu.Lock()
	if a.recovering[subsystem] || a.stopping {
		a.mu.Unlock()
		return
	}
	a.recovering[subsystem] = true
	a.mu.Unlock()

	time.AfterFunc(recoveryBackoff, func() {
		defer func() {
			a.mu.Lock()
			delete(a.recovering, subsystem)
			a.mu.Unlock()
		}()

		a.metrics.RecoveryRuns.Inc()
		if err := a.retry.Do("recover-"+subsystem, restart); err != nil {
			logger.Error("recovery of %s failed: %v", subsystem, err)
			a.checker.SetUnhealthy(subsystem, "recovery failed: "+err.Error())
			return
		}
		a.checker.SetHealthy(subsystem, "recovered")
		logger.Info("subsystem %s recovered", subsystem)
	})
}

// restartFunc maps a subsystem to its restart action, nil when none applies
func (a *Agent) restartFunc(subsystem string) func() error {
	switch subsystem {
	case "probe":
		return func() error {
			a.probe.Stop()
			a.probe.Start()
			a.samplerBreaker.Reset()
			return nil
		}
	case "hotspots":
		return func() error {
			a.hotspots.Stop()
			a.hotspots.Start()
			return nil
		}
	case "stream":
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.stream.Stop(ctx)
			return a.stream.Start()
		}
	case "detector":
		return func() error {
			a.detector.Reset()
			return nil
		}
	}
	return nil
}

// newZapLogger builds the structured logger the alert path uses
func newZapLogger(rep config.ReportingConfig) *zap.Logger {
	var cfg zap.Config
	if rep.Format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if !rep.Console {
		cfg.OutputPaths = nil
	}
	if rep.File != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, rep.File)
	}
	zl, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return zl
}
