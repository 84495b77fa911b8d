// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"memwatch/config"
	"memwatch/errors"
)

// Sink delivers one alert through one channel. Deliver must be safe for
// concurrent use.
type Sink interface {
	Deliver(a *Alert, ch config.AlertChannel, escalated bool) error
}

// defaultSinks wires the built-in channel types
func defaultSinks(log *zap.Logger) map[string]Sink {
	client := &http.Client{Timeout: 10 * time.Second}
	return map[string]Sink{
		"console": &ConsoleSink{logger: log},
		"file":    &FileSink{},
		"webhook": &WebhookSink{client: client},
		"email":   &EmailSink{logger: log},
	}
}

// ConsoleSink writes alerts to the structured log
type ConsoleSink struct {
	logger *zap.Logger
}

// Deliver logs the alert at a level matching its band
func (s *ConsoleSink) Deliver(a *Alert, _ config.AlertChannel, escalated bool) error {
	msg := a.Message
	if a.EnhancedMessage != "" {
		msg = a.EnhancedMessage
	}
	fields := []zap.Field{
		zap.String("id", a.ID),
		zap.String("source", a.Source),
		zap.String("category", a.Category),
		zap.Int("severity", a.Severity),
		zap.Bool("escalated", escalated),
	}
	switch a.Level {
	case LevelCritical, LevelError:
		s.logger.Error(msg, fields...)
	case LevelWarning:
		s.logger.Warn(msg, fields...)
	default:
		s.logger.Info(msg, fields...)
	}
	return nil
}

// FileSink appends alerts as JSON lines to the channel target path
type FileSink struct{}

// Deliver appends one JSON line
func (s *FileSink) Deliver(a *Alert, ch config.AlertChannel, escalated bool) error {
	if ch.Target == "" {
		return errors.ConfigError("file-sink", "file channel requires a target path")
	}
	payload, err := json.Marshal(notificationPayload(a, escalated))
	if err != nil {
		return errors.ReportingError("file-sink", err)
	}

	f, err := os.OpenFile(ch.Target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.ReportingError("file-sink", err)
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		return errors.ReportingError("file-sink", err)
	}
	return nil
}

// WebhookSink POSTs alerts as JSON to the channel target URL
type WebhookSink struct {
	client *http.Client
}

// Deliver posts the payload, treating non-2xx as failure
func (s *WebhookSink) Deliver(a *Alert, ch config.AlertChannel, escalated bool) error {
	if ch.Target == "" {
		return errors.ConfigError("webhook-sink", "webhook channel requires a target URL")
	}
	payload, err := json.Marshal(notificationPayload(a, escalated))
	if err != nil {
		return errors.ReportingError("webhook-sink", err)
	}

	resp, err := s.client.Post(ch.Target, "application/json", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, errors.CodeSinkFailed, errors.CategoryReporting,
			"webhook-sink", "webhook delivery failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf(errors.CodeSinkFailed, errors.CategoryReporting,
			"webhook-sink", "webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailSink formats alerts for mail delivery. There is no SMTP relay wired
// in; the formatted payload is logged for an external forwarder to pick up.
type EmailSink struct {
	logger *zap.Logger
}

// Deliver logs the formatted mail payload
func (s *EmailSink) Deliver(a *Alert, ch config.AlertChannel, escalated bool) error {
	subject := fmt.Sprintf("[%s] %s", a.Level, a.Title)
	if escalated {
		subject = "[escalated] " + subject
	}
	s.logger.Info("Email notification prepared",
		zap.String("to", ch.Target),
		zap.String("subject", subject),
		zap.String("alert_id", a.ID),
	)
	return nil
}

// notificationPayload is the wire shape shared by file and webhook sinks
func notificationPayload(a *Alert, escalated bool) map[string]interface{} {
	kind := "alert"
	if escalated {
		kind = "escalated"
	}
	return map[string]interface{}{
		"type":      kind,
		"alert":     a,
		"timestamp": time.Now().UTC(),
	}
}
