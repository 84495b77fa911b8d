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

// Package snapshot captures heap profiles and compares them over time.
package snapshot

import (
	"bytes"
	"fmt"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/google/uuid"

	"memwatch/errors"
)

// Snapshot is one captured heap profile plus the runtime counters at capture
type Snapshot struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	HeapAlloc   uint64    `json:"heapAlloc"`
	HeapObjects uint64    `json:"heapObjects"`
	HeapSys     uint64    `json:"heapSys"`
	NumGC       uint32    `json:"numGC"`
	Profile     []byte    `json:"-"` // pprof heap profile, debug=0 proto format
	ProfileSize int       `json:"profileSize"`
}

// Analysis summarizes one snapshot
type Analysis struct {
	SnapshotID    string  `json:"snapshotId"`
	HeapAlloc     uint64  `json:"heapAlloc"`
	HeapObjects   uint64  `json:"heapObjects"`
	AvgObjectSize float64 `json:"avgObjectSize"`
	HeapShare     float64 `json:"heapShare"` // alloc over sys
}

// Comparison is the delta between two snapshots
type Comparison struct {
	BaseID        string        `json:"baseId"`
	TargetID      string        `json:"targetId"`
	Elapsed       time.Duration `json:"elapsed"`
	AllocDelta    int64         `json:"allocDelta"`
	ObjectsDelta  int64         `json:"objectsDelta"`
	GCDelta       int64         `json:"gcDelta"`
	GrowthPerHour float64       `json:"growthPerHour"` // bytes/hour
}

// Manager captures and retains snapshots. Retention is bounded; oldest are
// dropped first.
type Manager struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
	order     []string
	maxKept   int
}

// NewManager creates a snapshot manager retaining up to maxKept snapshots
func NewManager(maxKept int) *Manager {
	if maxKept <= 0 {
		maxKept = 10
	}
	return &Manager{
		snapshots: make(map[string]*Snapshot),
		maxKept:   maxKept,
	}
}

// Take captures a heap profile and the runtime counters around it
func (m *Manager) Take() (*Snapshot, error) {
	var buf bytes.Buffer
	if err := pprof.Lookup("heap").WriteTo(&buf, 0); err != nil {
		return nil, errors.Wrap(err, errors.CodeSnapshotFailed, errors.CategoryAnalysis,
			"snapshot", "heap profile capture failed")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := &Snapshot{
		ID:          "snap-" + uuid.NewString(),
		Timestamp:   time.Now(),
		HeapAlloc:   ms.HeapAlloc,
		HeapObjects: ms.HeapObjects,
		HeapSys:     ms.HeapSys,
		NumGC:       ms.NumGC,
		Profile:     buf.Bytes(),
		ProfileSize: buf.Len(),
	}

	m.mu.Lock()
	m.snapshots[s.ID] = s
	m.order = append(m.order, s.ID)
	for len(m.order) > m.maxKept {
		delete(m.snapshots, m.order[0])
		m.order = m.order[1:]
	}
	m.mu.Unlock()
	return s, nil
}

// Get returns a retained snapshot by id
func (m *Manager) Get(id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, errors.CategoryAnalysis,
			"snapshot", "snapshot not found: %s", id)
	}
	return s, nil
}

// Analyze summarizes one snapshot by id
func (m *Manager) Analyze(id string) (*Analysis, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		SnapshotID:  s.ID,
		HeapAlloc:   s.HeapAlloc,
		HeapObjects: s.HeapObjects,
	}
	if s.HeapObjects > 0 {
		a.AvgObjectSize = float64(s.HeapAlloc) / float64(s.HeapObjects)
	}
	if s.HeapSys > 0 {
		a.HeapShare = float64(s.HeapAlloc) / float64(s.HeapSys)
	}
	return a, nil
}

// Compare computes the delta from base to target. Order matters: positive
// deltas mean growth.
func (m *Manager) Compare(baseID, targetID string) (*Comparison, error) {
	base, err := m.Get(baseID)
	if err != nil {
		return nil, err
	}
	target, err := m.Get(targetID)
	if err != nil {
		return nil, err
	}
	if !target.Timestamp.After(base.Timestamp) {
		return nil, errors.New(errors.CodeInvalidTransition, errors.CategoryAnalysis,
			"snapshot", fmt.Sprintf("target %s does not postdate base %s", targetID, baseID))
	}

	elapsed := target.Timestamp.Sub(base.Timestamp)
	c := &Comparison{
		BaseID:       baseID,
		TargetID:     targetID,
		Elapsed:      elapsed,
		AllocDelta:   int64(target.HeapAlloc) - int64(base.HeapAlloc),
		ObjectsDelta: int64(target.HeapObjects) - int64(base.HeapObjects),
		GCDelta:      int64(target.NumGC) - int64(base.NumGC),
	}
	if hours := elapsed.Hours(); hours > 0 {
		c.GrowthPerHour = float64(c.AllocDelta) / hours
	}
	return c, nil
}

// List returns retained snapshot ids, oldest first
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}
