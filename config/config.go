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

// Package config holds the normalized agent configuration. The core consumes
// this struct as-is; file loading and environment overrides live in cmd.
package config

import (
	"time"

	"memwatch/errors"
	"memwatch/logger"
)

// Sensitivity levels for leak detection
const (
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

// MonitoringConfig controls the sampling loop
type MonitoringConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Detailed         bool          `yaml:"detailed"`
	GC               bool          `yaml:"gc"`
	Processes        bool          `yaml:"processes"`
	AdaptiveInterval bool          `yaml:"adaptiveInterval"`
	MinInterval      time.Duration `yaml:"minInterval"`
	MaxInterval      time.Duration `yaml:"maxInterval"`
}

// ThresholdConfig holds the pressure thresholds shared by detectors
type ThresholdConfig struct {
	Heap         float64 `yaml:"heap"`
	RSS          float64 `yaml:"rss"`
	External     float64 `yaml:"external"`
	Growth       float64 `yaml:"growth"`
	GCFrequency  float64 `yaml:"gcFrequency"`
	GCEfficiency float64 `yaml:"gcEfficiency"`
}

// BaselineConfig controls baseline establishment
type BaselineConfig struct {
	Duration time.Duration `yaml:"duration"`
	Samples  int           `yaml:"samples"`
}

// DetectionAlgorithms toggles individual detection algorithms
type DetectionAlgorithms struct {
	Growth     bool `yaml:"growth"`
	Retention  bool `yaml:"retention"`
	Frequency  bool `yaml:"frequency"`
	Clustering bool `yaml:"clustering"`
}

// DetectionThresholds holds detection-specific tuning knobs
type DetectionThresholds struct {
	Growth     float64 `yaml:"growth"`
	Retention  float64 `yaml:"retention"`
	Frequency  int     `yaml:"frequency"`
	Confidence float64 `yaml:"confidence"`
}

// DetectionConfig controls the leak detector
type DetectionConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Sensitivity string              `yaml:"sensitivity"`
	Patterns    []string            `yaml:"patterns"`
	Algorithms  DetectionAlgorithms `yaml:"algorithms"`
	Thresholds  DetectionThresholds `yaml:"thresholds"`
	Baseline    BaselineConfig      `yaml:"baseline"`
}

// ProfilingFilters trims noise out of profile output
type ProfilingFilters struct {
	MinSampleCount int           `yaml:"minSampleCount"`
	MinDuration    time.Duration `yaml:"minDuration"`
}

// ProfilingConfig controls on-demand profiling
type ProfilingConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Sampling   bool             `yaml:"sampling"`
	Allocation bool             `yaml:"allocation"`
	Duration   time.Duration    `yaml:"duration"`
	SampleRate int              `yaml:"sampleRate"`
	StackDepth int              `yaml:"stackDepth"`
	Filters    ProfilingFilters `yaml:"filters"`
}

// ReportingLevels toggles per-level reporting output
type ReportingLevels struct {
	Info  bool `yaml:"info"`
	Warn  bool `yaml:"warn"`
	Error bool `yaml:"error"`
	Debug bool `yaml:"debug"`
}

// ReportingConfig controls the report writers
type ReportingConfig struct {
	Console        bool            `yaml:"console"`
	File           string          `yaml:"file"`
	Webhook        string          `yaml:"webhook"`
	Levels         ReportingLevels `yaml:"levels"`
	Format         string          `yaml:"format"` // "text" or "json"
	IncludeStack   bool            `yaml:"includeStack"`
	IncludeContext bool            `yaml:"includeContext"`
}

// ThrottlingConfig bounds concurrent background work
type ThrottlingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
	Interval      time.Duration `yaml:"interval"`
}

// CachingConfig controls the optimizer-owned cache
type CachingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"maxEntries"`
}

// PerformanceConfig controls the adaptive optimizer
type PerformanceConfig struct {
	Adaptive             bool             `yaml:"adaptive"`
	LowImpactMode        bool             `yaml:"lowImpactMode"`
	BackgroundProcessing bool             `yaml:"backgroundProcessing"`
	SamplingStrategy     string           `yaml:"samplingStrategy"` // fixed, adaptive, intelligent
	Throttling           ThrottlingConfig `yaml:"throttling"`
	Caching              CachingConfig    `yaml:"caching"`
}

// AlertThrottlingConfig bounds alert admission per key
type AlertThrottlingConfig struct {
	Enabled            bool          `yaml:"enabled"`
	WindowMs           time.Duration `yaml:"windowMs"`
	MaxAlertsPerWindow int           `yaml:"maxAlertsPerWindow"`
	BatchSimilar       bool          `yaml:"batchSimilar"`
}

// EscalationTimeouts maps alert level to escalation delay
type EscalationTimeouts struct {
	Warning  time.Duration `yaml:"warning"`
	Error    time.Duration `yaml:"error"`
	Critical time.Duration `yaml:"critical"`
}

// EscalationConfig controls scheduled alert escalation
type EscalationConfig struct {
	Enabled        bool               `yaml:"enabled"`
	Timeouts       EscalationTimeouts `yaml:"timeouts"`
	MaxEscalations int                `yaml:"maxEscalations"`
}

// SuppressionRule silences alerts matching every declared field
type SuppressionRule struct {
	Level    string   `yaml:"level,omitempty"`
	Source   string   `yaml:"source,omitempty"`
	Category string   `yaml:"category,omitempty"`
	Tags     []string `yaml:"tags,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty"` // case-insensitive regex over message
}

// SuppressionConfig controls rule-based and id-targeted silencing
type SuppressionConfig struct {
	Enabled     bool              `yaml:"enabled"`
	MaxDuration time.Duration     `yaml:"maxDuration"`
	Rules       []SuppressionRule `yaml:"rules"`
}

// ChannelFilters narrows which alerts a channel receives
type ChannelFilters struct {
	Sources    []string `yaml:"sources,omitempty"`
	Categories []string `yaml:"categories,omitempty"`
	Tags       []string `yaml:"tags,omitempty"`
}

// AlertChannel declares a notification sink
type AlertChannel struct {
	Type     string         `yaml:"type"` // console, file, webhook, email
	MinLevel string         `yaml:"minLevel,omitempty"`
	Target   string         `yaml:"target,omitempty"` // file path or webhook URL
	Filters  ChannelFilters `yaml:"filters,omitempty"`
}

// SmartFilteringConfig controls fingerprint dedup
type SmartFilteringConfig struct {
	Enabled             bool          `yaml:"enabled"`
	DuplicateWindow     time.Duration `yaml:"duplicateWindow"`
	SimilarityThreshold float64       `yaml:"similarityThreshold"`
}

// AlertingConfig controls the alert manager
type AlertingConfig struct {
	Enabled        bool                  `yaml:"enabled"`
	Throttling     AlertThrottlingConfig `yaml:"throttling"`
	Escalation     EscalationConfig      `yaml:"escalation"`
	Suppression    SuppressionConfig     `yaml:"suppression"`
	Channels       []AlertChannel        `yaml:"channels"`
	SmartFiltering SmartFilteringConfig  `yaml:"smartFiltering"`
	HistorySize    int                   `yaml:"historySize"`
}

// StreamingConfig controls the event stream server
type StreamingConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Port              int           `yaml:"port"`
	Host              string        `yaml:"host"`
	CORS              bool          `yaml:"cors"`
	Authentication    bool          `yaml:"authentication"`
	AuthSecret        string        `yaml:"authSecret,omitempty"`
	Compression       bool          `yaml:"compression"`
	MaxConnections    int           `yaml:"maxConnections"`
	BufferSize        int           `yaml:"bufferSize"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	Channels          []string      `yaml:"channels"`
}

// HotspotThresholds tunes hotspot classification
type HotspotThresholds struct {
	Growth    float64 `yaml:"growth"`
	Frequency int     `yaml:"frequency"`
	Size      uint64  `yaml:"size"`
}

// HotspotsConfig controls the hotspot analyzer
type HotspotsConfig struct {
	Enabled         bool              `yaml:"enabled"`
	SampleInterval  time.Duration     `yaml:"sampleInterval"`
	RetentionPeriod time.Duration     `yaml:"retentionPeriod"`
	Categories      map[string]bool   `yaml:"categories"`
	Thresholds      HotspotThresholds `yaml:"thresholds"`
}

// CircuitBreakerConfig tunes the per-subsystem breakers
type CircuitBreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ErrorHandlingConfig controls error routing and shutdown behavior
type ErrorHandlingConfig struct {
	ExitOnUnhandled         bool                 `yaml:"exitOnUnhandled"`
	GracefulShutdownTimeout time.Duration        `yaml:"gracefulShutdownTimeout"`
	LogErrors               bool                 `yaml:"logErrors"`
	ReportErrors            bool                 `yaml:"reportErrors"`
	ErrorThreshold          int                  `yaml:"errorThreshold"`
	ErrorWindow             time.Duration        `yaml:"errorWindow"`
	CircuitBreaker          CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// Config is the normalized agent configuration
type Config struct {
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Threshold     ThresholdConfig     `yaml:"threshold"`
	Detection     DetectionConfig     `yaml:"detection"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
	Reporting     ReportingConfig     `yaml:"reporting"`
	Performance   PerformanceConfig   `yaml:"performance"`
	Alerting      AlertingConfig      `yaml:"alerting"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Hotspots      HotspotsConfig      `yaml:"hotspots"`
	ErrorHandling ErrorHandlingConfig `yaml:"errorHandling"`

	// Legacy flat fields, accepted for one major version. Normalize maps
	// them onto the nested form; Production is dropped.
	LegacyEnabled    *bool          `yaml:"enabled,omitempty"`
	LegacyInterval   *time.Duration `yaml:"interval,omitempty"`
	LegacyProduction *bool          `yaml:"production,omitempty"`
}

// Default returns a fully populated default configuration
func Default() *Config {
	return &Config{
		Monitoring: MonitoringConfig{
			Interval:         30 * time.Second,
			Detailed:         true,
			GC:               true,
			Processes:        false,
			AdaptiveInterval: true,
			MinInterval:      5 * time.Second,
			MaxInterval:      5 * time.Minute,
		},
		Threshold: ThresholdConfig{
			Heap:         0.85,
			RSS:          0.90,
			External:     0.80,
			Growth:       0.10,
			GCFrequency:  10,
			GCEfficiency: 0.10,
		},
		Detection: DetectionConfig{
			Enabled:     true,
			Sensitivity: SensitivityMedium,
			Patterns:    []string{"rapid-growth", "steady-growth", "saw-tooth", "gc-pressure", "memory-threshold"},
			Algorithms: DetectionAlgorithms{
				Growth:     true,
				Retention:  true,
				Frequency:  true,
				Clustering: false,
			},
			Thresholds: DetectionThresholds{
				Growth:     0.10,
				Retention:  0.10,
				Frequency:  5,
				Confidence: 0.70,
			},
			Baseline: BaselineConfig{
				Duration: 60 * time.Second,
				Samples:  10,
			},
		},
		Profiling: ProfilingConfig{
			Enabled:    false,
			Sampling:   true,
			Allocation: false,
			Duration:   30 * time.Second,
			SampleRate: 512 * 1024,
			StackDepth: 32,
			Filters: ProfilingFilters{
				MinSampleCount: 5,
				MinDuration:    time.Millisecond,
			},
		},
		Reporting: ReportingConfig{
			Console: true,
			Levels:  ReportingLevels{Info: true, Warn: true, Error: true},
			Format:  "text",
		},
		Performance: PerformanceConfig{
			Adaptive:             true,
			BackgroundProcessing: true,
			SamplingStrategy:     "adaptive",
			Throttling: ThrottlingConfig{
				Enabled:       true,
				MaxConcurrent: 4,
				Interval:      100 * time.Millisecond,
			},
			Caching: CachingConfig{
				Enabled:    true,
				TTL:        time.Minute,
				MaxEntries: 256,
			},
		},
		Alerting: AlertingConfig{
			Enabled: true,
			Throttling: AlertThrottlingConfig{
				Enabled:            true,
				WindowMs:           time.Minute,
				MaxAlertsPerWindow: 10,
			},
			Escalation: EscalationConfig{
				Enabled: true,
				Timeouts: EscalationTimeouts{
					Warning:  5 * time.Minute,
					Error:    2 * time.Minute,
					Critical: time.Minute,
				},
				MaxEscalations: 3,
			},
			Suppression: SuppressionConfig{
				Enabled:     true,
				MaxDuration: time.Hour,
			},
			Channels: []AlertChannel{{Type: "console"}},
			SmartFiltering: SmartFilteringConfig{
				Enabled:             true,
				DuplicateWindow:     time.Minute,
				SimilarityThreshold: 0.85,
			},
			HistorySize: 500,
		},
		Streaming: StreamingConfig{
			Enabled:           false,
			Port:              8787,
			Host:              "127.0.0.1",
			CORS:              true,
			MaxConnections:    100,
			BufferSize:        200,
			HeartbeatInterval: 30 * time.Second,
			Channels:          []string{"default", "metrics", "alerts", "leaks"},
		},
		Hotspots: HotspotsConfig{
			Enabled:         true,
			SampleInterval:  15 * time.Second,
			RetentionPeriod: 30 * time.Minute,
			Categories: map[string]bool{
				"memory-growth":       true,
				"object-growth":       true,
				"heap-space-pressure": true,
				"allocation-pattern":  true,
			},
			Thresholds: HotspotThresholds{
				Growth:    0.20,
				Frequency: 5,
				Size:      10 * 1024 * 1024,
			},
		},
		ErrorHandling: ErrorHandlingConfig{
			ExitOnUnhandled:         false,
			GracefulShutdownTimeout: 10 * time.Second,
			LogErrors:               true,
			ReportErrors:            true,
			ErrorThreshold:          25,
			ErrorWindow:             5 * time.Minute,
			CircuitBreaker: CircuitBreakerConfig{
				Threshold: 5,
				Window:    time.Minute,
				Timeout:   30 * time.Second,
			},
		},
	}
}

// Normalize fills unset fields with defaults and maps legacy flat fields onto
// the nested form. It is idempotent.
func (c *Config) Normalize() {
	d := Default()

	if c.Monitoring.Interval <= 0 {
		c.Monitoring.Interval = d.Monitoring.Interval
	}
	if c.Monitoring.MinInterval <= 0 {
		c.Monitoring.MinInterval = d.Monitoring.MinInterval
	}
	if c.Monitoring.MaxInterval <= 0 {
		c.Monitoring.MaxInterval = d.Monitoring.MaxInterval
	}
	if c.Threshold.Heap == 0 {
		c.Threshold = d.Threshold
	}
	if c.Detection.Sensitivity == "" {
		c.Detection.Sensitivity = d.Detection.Sensitivity
	}
	if len(c.Detection.Patterns) == 0 {
		c.Detection.Patterns = d.Detection.Patterns
	}
	if c.Detection.Thresholds.Growth == 0 {
		c.Detection.Thresholds = d.Detection.Thresholds
	}
	if c.Detection.Baseline.Duration <= 0 {
		c.Detection.Baseline.Duration = d.Detection.Baseline.Duration
	}
	if c.Detection.Baseline.Samples <= 0 {
		c.Detection.Baseline.Samples = d.Detection.Baseline.Samples
	}
	if c.Profiling.Duration <= 0 {
		c.Profiling.Duration = d.Profiling.Duration
	}
	if c.Profiling.SampleRate <= 0 {
		c.Profiling.SampleRate = d.Profiling.SampleRate
	}
	if c.Profiling.StackDepth <= 0 {
		c.Profiling.StackDepth = d.Profiling.StackDepth
	}
	if c.Reporting.Format == "" {
		c.Reporting.Format = d.Reporting.Format
	}
	if c.Performance.SamplingStrategy == "" {
		c.Performance.SamplingStrategy = d.Performance.SamplingStrategy
	}
	if c.Performance.Throttling.MaxConcurrent <= 0 {
		c.Performance.Throttling.MaxConcurrent = d.Performance.Throttling.MaxConcurrent
	}
	if c.Performance.Throttling.Interval <= 0 {
		c.Performance.Throttling.Interval = d.Performance.Throttling.Interval
	}
	if c.Performance.Caching.TTL <= 0 {
		c.Performance.Caching.TTL = d.Performance.Caching.TTL
	}
	if c.Performance.Caching.MaxEntries <= 0 {
		c.Performance.Caching.MaxEntries = d.Performance.Caching.MaxEntries
	}
	if c.Alerting.Throttling.WindowMs <= 0 {
		c.Alerting.Throttling.WindowMs = d.Alerting.Throttling.WindowMs
	}
	if c.Alerting.Throttling.MaxAlertsPerWindow <= 0 {
		c.Alerting.Throttling.MaxAlertsPerWindow = d.Alerting.Throttling.MaxAlertsPerWindow
	}
	if c.Alerting.Escalation.Timeouts.Warning <= 0 {
		c.Alerting.Escalation.Timeouts = d.Alerting.Escalation.Timeouts
	}
	if c.Alerting.Escalation.MaxEscalations <= 0 {
		c.Alerting.Escalation.MaxEscalations = d.Alerting.Escalation.MaxEscalations
	}
	if c.Alerting.Suppression.MaxDuration <= 0 {
		c.Alerting.Suppression.MaxDuration = d.Alerting.Suppression.MaxDuration
	}
	if len(c.Alerting.Channels) == 0 {
		c.Alerting.Channels = d.Alerting.Channels
	}
	if c.Alerting.SmartFiltering.DuplicateWindow <= 0 {
		c.Alerting.SmartFiltering.DuplicateWindow = d.Alerting.SmartFiltering.DuplicateWindow
	}
	if c.Alerting.HistorySize <= 0 {
		c.Alerting.HistorySize = d.Alerting.HistorySize
	}
	if c.Streaming.Port <= 0 {
		c.Streaming.Port = d.Streaming.Port
	}
	if c.Streaming.Host == "" {
		c.Streaming.Host = d.Streaming.Host
	}
	if c.Streaming.MaxConnections <= 0 {
		c.Streaming.MaxConnections = d.Streaming.MaxConnections
	}
	if c.Streaming.BufferSize <= 0 {
		c.Streaming.BufferSize = d.Streaming.BufferSize
	}
	if c.Streaming.HeartbeatInterval <= 0 {
		c.Streaming.HeartbeatInterval = d.Streaming.HeartbeatInterval
	}
	if len(c.Streaming.Channels) == 0 {
		c.Streaming.Channels = d.Streaming.Channels
	}
	if c.Hotspots.SampleInterval <= 0 {
		c.Hotspots.SampleInterval = d.Hotspots.SampleInterval
	}
	if c.Hotspots.RetentionPeriod <= 0 {
		c.Hotspots.RetentionPeriod = d.Hotspots.RetentionPeriod
	}
	if c.Hotspots.Thresholds.Growth == 0 {
		c.Hotspots.Thresholds = d.Hotspots.Thresholds
	}
	if len(c.Hotspots.Categories) == 0 {
		c.Hotspots.Categories = d.Hotspots.Categories
	}
	if c.ErrorHandling.GracefulShutdownTimeout <= 0 {
		c.ErrorHandling.GracefulShutdownTimeout = d.ErrorHandling.GracefulShutdownTimeout
	}
	if c.ErrorHandling.ErrorThreshold <= 0 {
		c.ErrorHandling.ErrorThreshold = d.ErrorHandling.ErrorThreshold
	}
	if c.ErrorHandling.ErrorWindow <= 0 {
		c.ErrorHandling.ErrorWindow = d.ErrorHandling.ErrorWindow
	}
	if c.ErrorHandling.CircuitBreaker.Threshold <= 0 {
		c.ErrorHandling.CircuitBreaker = d.ErrorHandling.CircuitBreaker
	}

	c.applyLegacyFields()
}

// applyLegacyFields maps the deprecated flat fields onto the nested form.
// "production" has no nested equivalent and is dropped with a warning.
func (c *Config) applyLegacyFields() {
	if c.LegacyEnabled != nil {
		logger.Warn("config: flat 'enabled' is deprecated, use detection.enabled")
		c.Detection.Enabled = *c.LegacyEnabled
		c.LegacyEnabled = nil
	}
	if c.LegacyInterval != nil {
		logger.Warn("config: flat 'interval' is deprecated, use monitoring.interval")
		if *c.LegacyInterval > 0 {
			c.Monitoring.Interval = *c.LegacyInterval
		}
		c.LegacyInterval = nil
	}
	if c.LegacyProduction != nil {
		logger.Warn("config: flat 'production' is deprecated and ignored")
		c.LegacyProduction = nil
	}
}

// Validate checks cross-field constraints after normalization
func (c *Config) Validate() error {
	if c.Monitoring.MinInterval > c.Monitoring.MaxInterval {
		return errors.ConfigErrorf("validate", "monitoring.minInterval %v exceeds maxInterval %v",
			c.Monitoring.MinInterval, c.Monitoring.MaxInterval)
	}
	if c.Monitoring.Interval < c.Monitoring.MinInterval || c.Monitoring.Interval > c.Monitoring.MaxInterval {
		return errors.ConfigErrorf("validate", "monitoring.interval %v outside [%v, %v]",
			c.Monitoring.Interval, c.Monitoring.MinInterval, c.Monitoring.MaxInterval)
	}
	switch c.Detection.Sensitivity {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
	default:
		return errors.ConfigErrorf("validate", "unknown detection.sensitivity %q", c.Detection.Sensitivity)
	}
	switch c.Performance.SamplingStrategy {
	case "fixed", "adaptive", "intelligent":
	default:
		return errors.ConfigErrorf("validate", "unknown performance.samplingStrategy %q", c.Performance.SamplingStrategy)
	}
	if c.Threshold.Heap <= 0 || c.Threshold.Heap > 1 {
		return errors.ConfigErrorf("validate", "threshold.heap %.2f outside (0, 1]", c.Threshold.Heap)
	}
	for _, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "console", "file", "webhook", "email":
		default:
			return errors.ConfigErrorf("validate", "unknown alert channel type %q", ch.Type)
		}
	}
	if c.Streaming.Enabled && c.Streaming.Authentication && c.Streaming.AuthSecret == "" {
		return errors.ConfigError("validate", "streaming.authentication requires streaming.authSecret")
	}
	return nil
}

// VerdictThreshold maps detection sensitivity to the leak-verdict threshold
func (c *Config) VerdictThreshold() float64 {
	switch c.Detection.Sensitivity {
	case SensitivityLow:
		return 0.7
	case SensitivityHigh:
		return 0.3
	default:
		return 0.5
	}
}
