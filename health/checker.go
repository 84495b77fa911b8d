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

// Package health tracks per-component status for the supervisor heartbeat.
package health

import (
	"sync"
	"time"
)

// ComponentStatus is the health of one subsystem
type ComponentStatus struct {
	Healthy     bool      `json:"healthy"`
	LastChecked time.Time `json:"lastChecked"`
	Message     string    `json:"message"`
}

// Report is the aggregate health snapshot
type Report struct {
	Healthy    bool                        `json:"healthy"`
	Components map[string]*ComponentStatus `json:"components"`
	CheckedAt  time.Time                   `json:"checkedAt"`
}

// Checker maintains the component status registry. Components report their
// own transitions; the supervisor reads the aggregate on each heartbeat.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*ComponentStatus
}

// NewChecker creates a checker with the named components, all initially
// unhealthy until they report in.
func NewChecker(components ...string) *Checker {
	c := &Checker{components: make(map[string]*ComponentStatus, len(components))}
	for _, name := range components {
		c.components[name] = &ComponentStatus{
			LastChecked: time.Now(),
			Message:     "not yet started",
		}
	}
	return c
}

// SetHealthy records a healthy transition
func (c *Checker) SetHealthy(component, message string) {
	c.set(component, true, message)
}

// SetUnhealthy records an unhealthy transition
func (c *Checker) SetUnhealthy(component, message string) {
	c.set(component, false, message)
}

func (c *Checker) set(component string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[component] = &ComponentStatus{
		Healthy:     healthy,
		LastChecked: time.Now(),
		Message:     message,
	}
}

// Component returns one component's status, nil if unknown
func (c *Checker) Component(name string) *ComponentStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.components[name]
	if !ok {
		return nil
	}
	copy := *s
	return &copy
}

// Check returns the aggregate report; healthy only when every component is
func (c *Checker) Check() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := &Report{
		Healthy:    true,
		Components: make(map[string]*ComponentStatus, len(c.components)),
		CheckedAt:  time.Now(),
	}
	for name, s := range c.components {
		copy := *s
		report.Components[name] = &copy
		if !s.Healthy {
			report.Healthy = false
		}
	}
	return report
}
