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

// Package metrics exposes agent internals as Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AgentMetrics holds all Prometheus metrics for the agent
type AgentMetrics struct {
	// Sampling
	SamplesTotal      prometheus.Counter
	SampleDuration    prometheus.Histogram
	HeapUsedBytes     prometheus.Gauge
	HeapTotalBytes    prometheus.Gauge
	RSSBytes          prometheus.Gauge
	GCPauseSeconds    prometheus.Histogram
	SchedulerDelaySec prometheus.Gauge

	// Detection
	BaselineEstablished prometheus.Gauge
	LeakVerdictsTotal   *prometheus.CounterVec
	LeakProbability     prometheus.Gauge

	// Hotspots
	HotspotsActive   *prometheus.GaugeVec
	HotspotsDetected prometheus.Counter

	// Alerting
	AlertsCreatedTotal    *prometheus.CounterVec
	AlertsSuppressedTotal prometheus.Counter
	AlertsEscalatedTotal  prometheus.Counter
	AlertsActive          prometheus.Gauge

	// Streaming
	StreamSubscribers  prometheus.Gauge
	StreamMessagesSent prometheus.Counter
	StreamDropped      prometheus.Counter

	// Optimizer and resilience
	SamplingInterval  prometheus.Gauge
	SamplingRate      prometheus.Gauge
	QueueDepth        prometheus.Gauge
	OperationsDropped prometheus.Counter
	BreakerState      *prometheus.GaugeVec
	RetryAttempts     *prometheus.CounterVec

	// Supervisor
	ErrorsTotal  *prometheus.CounterVec
	AgentUp      prometheus.Gauge
	RecoveryRuns prometheus.Counter
}

var (
	agentMetricsInstance *AgentMetrics
	agentMetricsOnce     sync.Once
)

// New creates and registers all agent metrics. Uses a singleton to prevent
// duplicate registration.
func New() *AgentMetrics {
	agentMetricsOnce.Do(func() {
		agentMetricsInstance = create(prometheus.DefaultRegisterer)
	})
	return agentMetricsInstance
}

func create(reg prometheus.Registerer) *AgentMetrics {
	factory := promauto.With(reg)
	return &AgentMetrics{
		SamplesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "memwatch_samples_total",
			Help: "Total number of memory samples collected",
		}),
		SampleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "memwatch_sample_duration_seconds",
			Help:    "Time spent collecting one memory sample",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		HeapUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_heap_used_bytes",
			Help: "Heap bytes in use at the last sample",
		}),
		HeapTotalBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_heap_total_bytes",
			Help: "Heap bytes reserved at the last sample",
		}),
		RSSBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_rss_bytes",
			Help: "Resident set size at the last sample",
		}),
		GCPauseSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "memwatch_gc_pause_seconds",
			Help:    "Observed garbage collection pause durations",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		SchedulerDelaySec: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_scheduler_delay_seconds",
			Help: "Smoothed timer-fire overshoot, a scheduler pressure proxy",
		}),
		BaselineEstablished: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_baseline_established",
			Help: "1 once the leak detection baseline is promoted",
		}),
		LeakVerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memwatch_leak_verdicts_total",
			Help: "Leak verdicts by outcome",
		}, []string{"outcome"}),
		LeakProbability: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_leak_probability",
			Help: "Probability from the most recent leak verdict",
		}),
		HotspotsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memwatch_hotspots_active",
			Help: "Active memory hotspots by type",
		}, []string{"type"}),
		HotspotsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "memwatch_hotspots_detected_total",
			Help: "Total hotspots detected",
		}),
		AlertsCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memwatch_alerts_created_total",
			Help: "Alerts admitted by level",
		}, []string{"level"}),
		AlertsSuppressedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "memwatch_alerts_suppressed_total",
			Help: "Alerts dropped by suppression, dedup or throttling",
		}),
		AlertsEscalatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "memwatch_alerts_escalated_total",
			Help: "Alert escalations fired",
		}),
		AlertsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_alerts_active",
			Help: "Currently active alerts",
		}),
		StreamSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_stream_subscribers",
			Help: "Connected stream subscribers",
		}),
		StreamMessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "memwatch_stream_messages_sent_total",
			Help: "Messages delivered to stream subscribers",
		}),
		StreamDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "memwatch_stream_dropped_total",
			Help: "Messages dropped for slow or gone subscribers",
		}),
		SamplingInterval: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_sampling_interval_seconds",
			Help: "Current adaptive sampling interval",
		}),
		SamplingRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_sampling_rate",
			Help: "Current sampling rate in [0.1, 1.0]",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_operation_queue_depth",
			Help: "Operations parked awaiting admission",
		}),
		OperationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "memwatch_operations_dropped_total",
			Help: "Queued operations shed on overflow",
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memwatch_circuit_breaker_state",
			Help: "Circuit breaker state per subsystem (0 closed, 1 open, 2 half-open)",
		}, []string{"subsystem"}),
		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memwatch_retry_attempts_total",
			Help: "Retry attempts by operation",
		}, []string{"operation"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memwatch_errors_total",
			Help: "Subsystem errors by category",
		}, []string{"category"}),
		AgentUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "memwatch_up",
			Help: "1 while the agent supervisor is running",
		}),
		RecoveryRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "memwatch_recovery_runs_total",
			Help: "Subsystem recovery attempts triggered by the supervisor",
		}),
	}
}
