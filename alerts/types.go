// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package alerts

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Alert levels, ordered
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

var levelPriority = map[string]int{
	LevelInfo:     1,
	LevelWarning:  2,
	LevelError:    3,
	LevelCritical: 4,
}

// LevelPriority returns the numeric rank of a level, 0 for unknown
func LevelPriority(level string) int {
	return levelPriority[level]
}

// nextLevel returns the band above level, capped at critical
func nextLevel(level string) string {
	switch level {
	case LevelInfo:
		return LevelWarning
	case LevelWarning:
		return LevelError
	case LevelError, LevelCritical:
		return LevelCritical
	}
	return level
}

// AlertMetrics carries the heap state an alert was raised against
type AlertMetrics struct {
	HeapUsed    uint64  `json:"heapUsed,omitempty"`
	HeapTotal   uint64  `json:"heapTotal,omitempty"`
	HeapLimit   uint64  `json:"heapLimit,omitempty"`
	GrowthRate  float64 `json:"growthRate,omitempty"`
	GCFrequency float64 `json:"gcFrequency,omitempty"`
	Probability float64 `json:"probability,omitempty"`
}

// Alert is a normalized, deduplicated signal. Identity is the generated ID;
// dedup identity is the fingerprint.
type Alert struct {
	ID              string                 `json:"id"`
	Fingerprint     string                 `json:"fingerprint"`
	Level           string                 `json:"level"`
	Title           string                 `json:"title"`
	Message         string                 `json:"message"`
	EnhancedMessage string                 `json:"enhancedMessage,omitempty"`
	Source          string                 `json:"source"`
	Category        string                 `json:"category"`
	Tags            []string               `json:"tags,omitempty"`
	Severity        int                    `json:"severity"`
	Metrics         AlertMetrics           `json:"metrics"`
	Recommendations []string               `json:"recommendations,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	Resolved        bool                   `json:"resolved,omitempty"`
	ResolvedAt      *time.Time             `json:"resolvedAt,omitempty"`
	Escalated       bool                   `json:"escalated,omitempty"`
	EscalationCount int                    `json:"escalationCount"`
}

// Input is the raw signal handed to Create before normalization
type Input struct {
	Level           string
	Title           string
	Message         string
	Source          string
	Category        string
	Tags            []string
	Metrics         AlertMetrics
	Recommendations []string
	Details         map[string]interface{}
}

// Fingerprint hashes the identifying dimensions with FNV-1a. Alerts that
// agree on level, source, category and title collide by construction.
func Fingerprint(level, source, category, title string) string {
	h := fnv.New64a()
	h.Write([]byte(level))
	h.Write([]byte{'|'})
	h.Write([]byte(source))
	h.Write([]byte{'|'})
	h.Write([]byte(category))
	h.Write([]byte{'|'})
	h.Write([]byte(title))
	return fmt.Sprintf("%016x", h.Sum64())
}

// computeSeverity ranks an alert as levelPriority scaled by integer pressure
// bonuses from heap share, GC cadence and growth bands.
func computeSeverity(level string, m AlertMetrics) int {
	bonus := 0
	if m.HeapLimit > 0 {
		ratio := float64(m.HeapUsed) / float64(m.HeapLimit)
		switch {
		case ratio > 0.95:
			bonus += 3
		case ratio > 0.85:
			bonus += 2
		case ratio > 0.70:
			bonus += 1
		}
	}
	switch {
	case m.GCFrequency > 30:
		bonus += 2
	case m.GCFrequency > 10:
		bonus += 1
	}
	switch {
	case m.GrowthRate > 0.50:
		bonus += 2
	case m.GrowthRate > 0.20:
		bonus += 1
	}
	return levelPriority[level] * (1 + bonus)
}

// enhanceMessage appends human-readable heap context to the base message when
// heap metrics are present.
func enhanceMessage(message string, m AlertMetrics, recommendations []string) string {
	if m.HeapUsed == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(message)
	b.WriteString(" [heap ")
	b.WriteString(humanize.IBytes(m.HeapUsed))
	if m.HeapLimit > 0 {
		fmt.Fprintf(&b, " of %s (%.0f%%)", humanize.IBytes(m.HeapLimit),
			float64(m.HeapUsed)/float64(m.HeapLimit)*100)
	}
	if m.GrowthRate != 0 {
		fmt.Fprintf(&b, ", growth %.1f%%", m.GrowthRate*100)
	}
	if m.GCFrequency != 0 {
		fmt.Fprintf(&b, ", %.1f GC/min", m.GCFrequency)
	}
	b.WriteString("]")
	if len(recommendations) > 0 {
		b.WriteString(" Recommendations: ")
		b.WriteString(strings.Join(recommendations, "; "))
	}
	return b.String()
}

// Stats summarizes manager activity
type Stats struct {
	Active     int            `json:"active"`
	Created    uint64         `json:"created"`
	Suppressed uint64         `json:"suppressed"`
	Escalated  uint64         `json:"escalated"`
	Resolved   uint64         `json:"resolved"`
	ByLevel    map[string]int `json:"byLevel"`
}

// Filter narrows active-alert queries; unset fields match all
type Filter struct {
	Level    string
	Source   string
	Category string
	Tags     []string
}

func (f Filter) matches(a *Alert) bool {
	if f.Level != "" && a.Level != f.Level {
		return false
	}
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	for _, want := range f.Tags {
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
	return true
}
