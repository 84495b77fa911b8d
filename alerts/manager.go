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

// Package alerts normalizes raw signals into deduplicated, throttled alerts
// and fans them out to configured notification channels.
package alerts

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"memwatch/config"
	"memwatch/events"
)

// throttleCounter is one per-key admission window
type throttleCounter struct {
	count       int
	windowStart time.Time
}

type suppressionRule struct {
	rule    config.SuppressionRule
	pattern *regexp.Regexp
}

// Manager owns the active-alert map and the full admission pipeline:
// suppression rules, fingerprint dedup, sliding-window throttling, scheduled
// escalation and channel routing. The pipeline runs atomically per alert.
type Manager struct {
	mu sync.Mutex

	cfg    config.AlertingConfig
	bus    *events.Bus
	logger *zap.Logger

	active    map[string]*Alert
	history   []*Alert // bounded at cfg.HistorySize, oldest first
	dedup     map[string]time.Time
	throttles map[string]*throttleCounter
	rules     []suppressionRule

	escalations  map[string]*time.Timer
	suppressedID map[string]*time.Timer

	sinks map[string]Sink

	seq        uint64
	created    uint64
	suppressed uint64
	escalated  uint64
	resolved   uint64
	closed     bool
}

// NewManager creates an alert manager
func NewManager(cfg config.AlertingConfig, bus *events.Bus, log *zap.Logger) *Manager {
	m := &Manager{
		bus:          bus,
		logger:       log,
		active:       make(map[string]*Alert),
		dedup:        make(map[string]time.Time),
		throttles:    make(map[string]*throttleCounter),
		escalations:  make(map[string]*time.Timer),
		suppressedID: make(map[string]*time.Timer),
		sinks:        defaultSinks(log),
	}
	m.applyConfig(cfg)
	return m
}

// Configure replaces the alerting configuration
func (m *Manager) Configure(cfg config.AlertingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyConfig(cfg)
}

// applyConfig compiles suppression rules. Caller holds m.mu (or owns m).
func (m *Manager) applyConfig(cfg config.AlertingConfig) {
	m.cfg = cfg
	m.rules = m.rules[:0]
	for _, r := range cfg.Suppression.Rules {
		compiled := suppressionRule{rule: r}
		if r.Pattern != "" {
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				m.logger.Warn("Invalid suppression pattern, rule skipped",
					zap.String("pattern", r.Pattern), zap.Error(err))
				continue
			}
			compiled.pattern = re
		}
		m.rules = append(m.rules, compiled)
	}
}

// RegisterSink replaces the sink for a channel type
func (m *Manager) RegisterSink(channelType string, sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks[channelType] = sink
}

// Create runs the admission pipeline and, when the alert is admitted,
// schedules escalation and notifies channels. A nil alert with nil error
// means the signal was suppressed, deduplicated or throttled.
func (m *Manager) Create(in Input) (*Alert, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil
	}

	alert := m.normalize(in)

	if m.isSuppressed(alert) {
		m.suppressed++
		m.mu.Unlock()
		m.bus.Emit(events.EventAlertSuppressed, events.SeverityInfo, "alerts",
			"alert suppressed by rule: "+alert.Title, map[string]interface{}{"fingerprint": alert.Fingerprint})
		return nil, nil
	}
	if m.isDuplicate(alert) {
		m.suppressed++
		m.mu.Unlock()
		return nil, nil
	}
	if m.isThrottled(alert) {
		m.suppressed++
		m.mu.Unlock()
		m.bus.Emit(events.EventAlertThrottled, events.SeverityInfo, "alerts",
			"alert throttled: "+alert.Title, map[string]interface{}{
				"level": alert.Level, "source": alert.Source, "category": alert.Category,
			})
		return nil, nil
	}

	m.active[alert.ID] = alert
	m.pushHistory(alert)
	m.created++
	m.scheduleEscalation(alert)
	channels := m.matchingChannels(alert)
	m.mu.Unlock()

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("level", alert.Level),
		zap.String("source", alert.Source),
		zap.String("title", alert.Title),
		zap.Int("severity", alert.Severity),
	)
	m.bus.Emit(events.EventAlertCreated, events.Severity(alert.Level), "alerts",
		alert.Title, map[string]interface{}{
			"id":          alert.ID,
			"fingerprint": alert.Fingerprint,
			"level":       alert.Level,
			"severity":    alert.Severity,
			"source":      alert.Source,
			"category":    alert.Category,
		})

	go m.notify(alert, channels, false)
	return alert, nil
}

// normalize fills defaults and derived fields. Caller holds m.mu.
func (m *Manager) normalize(in Input) *Alert {
	level := in.Level
	if _, ok := levelPriority[level]; !ok {
		level = LevelInfo
	}
	title := in.Title
	if title == "" {
		title = in.Message
	}
	m.seq++
	now := time.Now()

	return &Alert{
		ID:              fmt.Sprintf("alert-%d-%d", now.UnixMilli(), m.seq),
		Fingerprint:     Fingerprint(level, in.Source, in.Category, title),
		Level:           level,
		Title:           title,
		Message:         in.Message,
		EnhancedMessage: enhanceMessage(in.Message, in.Metrics, in.Recommendations),
		Source:          in.Source,
		Category:        in.Category,
		Tags:            in.Tags,
		Severity:        computeSeverity(level, in.Metrics),
		Metrics:         in.Metrics,
		Recommendations: in.Recommendations,
		Details:         in.Details,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// isSuppressed applies suppression rules conjunctively. Caller holds m.mu.
func (m *Manager) isSuppressed(a *Alert) bool {
	if !m.cfg.Suppression.Enabled {
		return false
	}
	for _, r := range m.rules {
		if ruleMatches(r, a) {
			return true
		}
	}
	return false
}

func ruleMatches(r suppressionRule, a *Alert) bool {
	if r.rule.Level != "" && r.rule.Level != a.Level {
		return false
	}
	if r.rule.Source != "" && r.rule.Source != a.Source {
		return false
	}
	if r.rule.Category != "" && r.rule.Category != a.Category {
		return false
	}
	for _, want := range r.rule.Tags {
		found := false
		for _, have := range a.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.pattern != nil && !r.pattern.MatchString(a.Message) {
		return false
	}
	return true
}

// isDuplicate checks and refreshes the fingerprint dedup cache, evicting
// stale entries opportunistically. Caller holds m.mu.
func (m *Manager) isDuplicate(a *Alert) bool {
	if !m.cfg.SmartFiltering.Enabled {
		return false
	}
	now := time.Now()
	window := m.cfg.SmartFiltering.DuplicateWindow

	for fp, seen := range m.dedup {
		if now.Sub(seen) > window {
			delete(m.dedup, fp)
		}
	}
	if seen, ok := m.dedup[a.Fingerprint]; ok && now.Sub(seen) <= window {
		return true
	}
	m.dedup[a.Fingerprint] = now
	return false
}

// isThrottled enforces the per-key window cap. Caller holds m.mu.
func (m *Manager) isThrottled(a *Alert) bool {
	if !m.cfg.Throttling.Enabled {
		return false
	}
	key := a.Level + "|" + a.Source + "|" + a.Category
	now := time.Now()

	tc, ok := m.throttles[key]
	if !ok || now.Sub(tc.windowStart) >= m.cfg.Throttling.WindowMs {
		m.throttles[key] = &throttleCounter{count: 1, windowStart: now}
		return false
	}
	if tc.count >= m.cfg.Throttling.MaxAlertsPerWindow {
		return true
	}
	tc.count++
	return false
}

// pushHistory appends to the bounded history. Caller holds m.mu.
func (m *Manager) pushHistory(a *Alert) {
	m.history = append(m.history, a)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = m.history[over:]
	}
}

// scheduleEscalation arms the one-shot for non-info alerts. Caller holds m.mu.
func (m *Manager) scheduleEscalation(a *Alert) {
	if !m.cfg.Escalation.Enabled || a.Level == LevelInfo {
		return
	}
	timeout := m.escalationTimeout(a.Level)
	if timeout <= 0 {
		return
	}
	id := a.ID
	m.escalations[id] = time.AfterFunc(timeout, func() { m.escalate(id) })
}

func (m *Manager) escalationTimeout(level string) time.Duration {
	switch level {
	case LevelWarning:
		return m.cfg.Escalation.Timeouts.Warning
	case LevelError:
		return m.cfg.Escalation.Timeouts.Error
	case LevelCritical:
		return m.cfg.Escalation.Timeouts.Critical
	}
	return 0
}

// escalate raises the alert one band, or stops at the escalation cap
func (m *Manager) escalate(id string) {
	m.mu.Lock()
	delete(m.escalations, id)

	a, ok := m.active[id]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	if _, silenced := m.suppressedID[id]; silenced {
		// Silenced alerts do not escalate; re-arm for the current level
		m.scheduleEscalation(a)
		m.mu.Unlock()
		return
	}

	if a.EscalationCount >= m.cfg.Escalation.MaxEscalations {
		title, level, count := a.Title, a.Level, a.EscalationCount
		m.mu.Unlock()
		m.bus.Emit(events.EventAlertMaxEscalation, events.SeverityWarning, "alerts",
			"alert reached maximum escalation: "+title, map[string]interface{}{
				"id": id, "level": level, "escalations": count,
			})
		return
	}

	a.Level = nextLevel(a.Level)
	a.Severity = computeSeverity(a.Level, a.Metrics)
	a.Escalated = true
	a.EscalationCount++
	a.UpdatedAt = time.Now()
	m.escalated++
	m.scheduleEscalation(a)
	channels := m.matchingChannels(a)
	snapshot := *a
	m.mu.Unlock()

	m.logger.Warn("Alert escalated",
		zap.String("id", id),
		zap.String("level", snapshot.Level),
		zap.Int("escalations", snapshot.EscalationCount),
	)
	m.bus.Emit(events.EventAlertEscalated, events.Severity(snapshot.Level), "alerts",
		"alert escalated: "+snapshot.Title, map[string]interface{}{
			"id": id, "level": snapshot.Level, "severity": snapshot.Severity,
			"escalations": snapshot.EscalationCount,
		})
	go m.notify(&snapshot, channels, true)
}

// Resolve marks an alert resolved, removes it and cancels escalation
func (m *Manager) Resolve(id, resolution string) error {
	m.mu.Lock()

	a, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alert not found: %s", id)
	}
	now := time.Now()
	a.Resolved = true
	a.ResolvedAt = &now
	a.UpdatedAt = now
	delete(m.active, id)
	m.cancelTimersLocked(id)
	m.resolved++
	m.mu.Unlock()

	m.logger.Info("Alert resolved", zap.String("id", id), zap.String("resolution", resolution))
	m.bus.Emit(events.EventAlertResolved, events.SeverityInfo, "alerts",
		"alert resolved: "+a.Title, map[string]interface{}{"id": id, "resolution": resolution})
	return nil
}

// Suppress silences one alert for up to the configured maximum; an auto-clear
// timer removes the suppression when it expires.
func (m *Manager) Suppress(id string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; !ok {
		return fmt.Errorf("alert not found: %s", id)
	}
	if max := m.cfg.Suppression.MaxDuration; duration > max {
		duration = max
	}
	if prev, ok := m.suppressedID[id]; ok {
		prev.Stop()
	}
	m.suppressedID[id] = time.AfterFunc(duration, func() {
		m.mu.Lock()
		delete(m.suppressedID, id)
		m.mu.Unlock()
	})

	m.bus.Emit(events.EventAlertSuppressed, events.SeverityInfo, "alerts",
		"alert silenced: "+id, map[string]interface{}{"id": id, "duration": duration.String()})
	return nil
}

// GetActive returns active alerts matching the filter, severity descending
func (m *Manager) GetActive(filter Filter) []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Alert, 0, len(m.active))
	for _, a := range m.active {
		if filter.matches(a) {
			copy := *a
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	return out
}

// History returns the most recent limit alerts, oldest first
func (m *Manager) History(limit int) []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*Alert, limit)
	for i, a := range m.history[n-limit:] {
		copy := *a
		out[i] = &copy
	}
	return out
}

// GetStats returns manager counters
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Active:     len(m.active),
		Created:    m.created,
		Suppressed: m.suppressed,
		Escalated:  m.escalated,
		Resolved:   m.resolved,
		ByLevel:    make(map[string]int),
	}
	for _, a := range m.active {
		s.ByLevel[a.Level]++
	}
	return s
}

// Stop cancels every pending timer and refuses further alerts
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for id := range m.escalations {
		m.cancelTimersLocked(id)
	}
	for id, t := range m.suppressedID {
		t.Stop()
		delete(m.suppressedID, id)
	}
}

// cancelTimersLocked stops escalation and suppression timers for one alert.
// Caller holds m.mu.
func (m *Manager) cancelTimersLocked(id string) {
	if t, ok := m.escalations[id]; ok {
		t.Stop()
		delete(m.escalations, id)
	}
	if t, ok := m.suppressedID[id]; ok {
		t.Stop()
		delete(m.suppressedID, id)
	}
}

// matchingChannels selects channels whose level floor and filters admit the
// alert. Caller holds m.mu.
func (m *Manager) matchingChannels(a *Alert) []config.AlertChannel {
	out := make([]config.AlertChannel, 0, len(m.cfg.Channels))
	for _, ch := range m.cfg.Channels {
		if ch.MinLevel != "" && levelPriority[a.Level] < levelPriority[ch.MinLevel] {
			continue
		}
		if !channelFiltersMatch(ch.Filters, a) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func channelFiltersMatch(f config.ChannelFilters, a *Alert) bool {
	if len(f.Sources) > 0 && !contains(f.Sources, a.Source) {
		return false
	}
	if len(f.Categories) > 0 && !contains(f.Categories, a.Category) {
		return false
	}
	for _, want := range f.Tags {
		if !contains(a.Tags, want) {
			return false
		}
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// notify delivers the alert through each matching channel's sink
func (m *Manager) notify(a *Alert, channels []config.AlertChannel, escalated bool) {
	for _, ch := range channels {
		m.mu.Lock()
		sink, ok := m.sinks[ch.Type]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := sink.Deliver(a, ch, escalated); err != nil {
			m.logger.Error("Notification delivery failed",
				zap.String("channel", ch.Type),
				zap.String("alert_id", a.ID),
				zap.Error(err),
			)
			m.bus.Emit(events.EventNotificationError, events.SeverityWarning, "alerts",
				"notification delivery failed", map[string]interface{}{
					"channel": ch.Type, "alertId": a.ID, "error": err.Error(),
				})
		}
	}
}
