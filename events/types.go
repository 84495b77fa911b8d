// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies an agent event
type EventType string

const (
	// Sampling and detection
	EventMetrics             EventType = "metrics"
	EventLeak                EventType = "leak"
	EventWarning             EventType = "warning"
	EventBaselineEstablished EventType = "baseline-established"

	// Hotspots
	EventHotspotDetected EventType = "hotspot-detected"
	EventHotspotExpired  EventType = "hotspot-expired"
	EventHotspotResolved EventType = "hotspot-resolved"

	// Alerting
	EventAlertCreated       EventType = "alert-created"
	EventAlertEscalated     EventType = "alert-escalated"
	EventAlertResolved      EventType = "alert-resolved"
	EventAlertSuppressed    EventType = "alert-suppressed"
	EventAlertThrottled     EventType = "alert-throttled"
	EventAlertMaxEscalation EventType = "alert-max-escalation"
	EventNotificationError  EventType = "notification-error"

	// Streaming
	EventStreamingStarted      EventType = "streaming-started"
	EventStreamingStopped      EventType = "streaming-stopped"
	EventStreamClientConnected EventType = "streaming-client-connected"
	EventStreamClientGone      EventType = "streaming-client-disconnected"

	// Optimizer
	EventIntervalOptimized EventType = "interval-optimized"
	EventSamplingOptimized EventType = "sampling-optimized"
	EventOperationsDropped EventType = "operations-dropped"

	// Supervisor
	EventHealthCheck   EventType = "health-check"
	EventError         EventType = "error"
	EventCriticalError EventType = "critical-error"
	EventShutdown      EventType = "shutdown"
)

// Severity represents event severity
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is a single agent event; it is the payload handed to bus subscribers
// and, when streaming is enabled, to remote stream subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	Source    string                 `json:"source"`
}

// New creates an event with a generated ID and timestamp
func New(eventType EventType, severity Severity, source, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Message:   message,
		Source:    source,
		Details:   make(map[string]interface{}),
	}
}

// WithDetails adds details to the event
func (e *Event) WithDetails(details map[string]interface{}) *Event {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithTags adds tags to the event
func (e *Event) WithTags(tags ...string) *Event {
	e.Tags = append(e.Tags, tags...)
	return e
}

// ToJSON serializes the event
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
