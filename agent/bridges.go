// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package agent

import (
	"strings"

	"memwatch/alerts"
	"memwatch/events"
)

// numeric stream severity per event band
var streamSeverity = map[events.Severity]int{
	events.SeverityInfo:     3,
	events.SeverityWarning:  5,
	events.SeverityError:    7,
	events.SeverityCritical: 9,
}

// installBridges subscribes the cross-subsystem handlers on the bus:
// detector/hotspot signals become alerts, every event is mirrored to the
// stream server, and counters feed the Prometheus metrics.
func (a *Agent) installBridges() {
	a.bus.Subscribe("alert-bridge", a.bridgeToAlerts)
	a.bus.Subscribe("stream-bridge", a.bridgeToStream)
	a.bus.Subscribe("metrics-bridge", a.bridgeToMetrics)
}

// bridgeToAlerts turns detection and hotspot signals into alert inputs
func (a *Agent) bridgeToAlerts(ev *events.Event) {
	var in alerts.Input
	switch ev.Type {
	case events.EventLeak:
		in = alerts.Input{
			Level:    alerts.LevelError,
			Title:    "Memory leak suspected",
			Message:  ev.Message,
			Source:   ev.Source,
			Category: "leak-detection",
			Details:  ev.Details,
			Metrics:  alertMetricsFromDetails(ev.Details),
		}
	case events.EventWarning:
		in = alerts.Input{
			Level:    alerts.LevelWarning,
			Title:    "Memory pressure warning",
			Message:  ev.Message,
			Source:   ev.Source,
			Category: "leak-detection",
			Details:  ev.Details,
			Metrics:  alertMetricsFromDetails(ev.Details),
		}
	case events.EventHotspotDetected:
		level := alerts.LevelWarning
		if sev, ok := ev.Details["severity"].(string); ok && sev == "critical" {
			level = alerts.LevelError
		}
		in = alerts.Input{
			Level:    level,
			Title:    "Memory hotspot detected",
			Message:  ev.Message,
			Source:   ev.Source,
			Category: "hotspot",
			Details:  ev.Details,
		}
	default:
		return
	}
	if _, err := a.alerts.Create(in); err != nil {
		a.routeError("alerts", err)
	}
}

func alertMetricsFromDetails(details map[string]interface{}) alerts.AlertMetrics {
	m := alerts.AlertMetrics{}
	if v, ok := details["heapUsed"].(uint64); ok {
		m.HeapUsed = v
	}
	if v, ok := details["heapTotal"].(uint64); ok {
		m.HeapTotal = v
	}
	if v, ok := details["heapLimit"].(uint64); ok {
		m.HeapLimit = v
	}
	if v, ok := details["probability"].(float64); ok {
		m.Probability = v
	}
	return m
}

// bridgeToStream mirrors bus events onto stream channels
func (a *Agent) bridgeToStream(ev *events.Event) {
	channel := "default"
	switch {
	case ev.Type == events.EventMetrics:
		channel = "metrics"
	case ev.Type == events.EventLeak || ev.Type == events.EventWarning ||
		ev.Type == events.EventBaselineEstablished:
		channel = "leaks"
	case strings.HasPrefix(string(ev.Type), "alert-"):
		channel = "alerts"
	}

	a.stream.Broadcast(map[string]interface{}{
		"type":     string(ev.Type),
		"severity": streamSeverity[ev.Severity],
		"tags":     ev.Tags,
		"source":   ev.Source,
		"message":  ev.Message,
		"details":  ev.Details,
		"eventId":  ev.ID,
	}, channel)
}

// bridgeToMetrics feeds event-driven Prometheus counters
func (a *Agent) bridgeToMetrics(ev *events.Event) {
	switch ev.Type {
	case events.EventBaselineEstablished:
		a.metrics.BaselineEstablished.Set(1)
	case events.EventLeak:
		a.metrics.LeakVerdictsTotal.WithLabelValues("leak").Inc()
		if p, ok := ev.Details["probability"].(float64); ok {
			a.metrics.LeakProbability.Set(p)
		}
	case events.EventWarning:
		a.metrics.LeakVerdictsTotal.WithLabelValues("warning").Inc()
		if p, ok := ev.Details["probability"].(float64); ok {
			a.metrics.LeakProbability.Set(p)
		}
	case events.EventHotspotDetected:
		a.metrics.HotspotsDetected.Inc()
	case events.EventAlertCreated:
		if level, ok := ev.Details["level"].(string); ok {
			a.metrics.AlertsCreatedTotal.WithLabelValues(level).Inc()
		}
		a.metrics.AlertsActive.Set(float64(a.alerts.GetStats().Active))
	case events.EventAlertResolved:
		a.metrics.AlertsActive.Set(float64(a.alerts.GetStats().Active))
	case events.EventAlertSuppressed, events.EventAlertThrottled:
		a.metrics.AlertsSuppressedTotal.Inc()
	case events.EventAlertEscalated:
		a.metrics.AlertsEscalatedTotal.Inc()
	case events.EventOperationsDropped:
		a.metrics.OperationsDropped.Inc()
	case events.EventStreamClientConnected, events.EventStreamClientGone:
		a.metrics.StreamSubscribers.Set(float64(a.stream.GetStats().Subscribers))
	}
}
