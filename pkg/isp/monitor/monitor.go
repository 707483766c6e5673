/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package monitor keeps bounded diagnostic history for a context: the most recent sub-state transitions and, per
// lifecycle point, the most recent request ids. Neither type is goroutine-safe; the owning context serializes access.
package monitor

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](size int) *ring[T] {
	if size < 1 {
		size = 1
	}
	return &ring[T]{buf: make([]T, size)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns the contents oldest first.
func (r *ring[T]) items() []T {
	if !r.full {
		return append([]T(nil), r.buf[:r.next]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *ring[T]) reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.next = 0
	r.full = false
}

// Transition is one recorded sub-state change.
type Transition struct {
	Substate  types.Substate
	Trigger   types.StateTrigger
	RequestID types.RequestID
	FrameID   uint64
	Time      time.Time
}

// StateMonitor is a ring of the most recent transitions.
type StateMonitor struct {
	ring *ring[Transition]
}

// NewStateMonitor creates a monitor keeping the last size transitions.
func NewStateMonitor(size int) *StateMonitor {
	return &StateMonitor{ring: newRing[Transition](size)}
}

func (m *StateMonitor) Record(t Transition) {
	m.ring.push(t)
}

// Entries returns the recorded transitions, oldest first.
func (m *StateMonitor) Entries() []Transition {
	return m.ring.items()
}

func (m *StateMonitor) Reset() {
	m.ring.reset()
}

// Record is one request id seen at a lifecycle point.
type Record struct {
	RequestID types.RequestID
	Time      time.Time
}

// EventRecorder keeps, per lifecycle point, the last few request ids that reached it.
type EventRecorder struct {
	rings map[types.RecordKind]*ring[Record]
}

// NewEventRecorder creates a recorder keeping size records per kind.
func NewEventRecorder(size int) *EventRecorder {
	e := &EventRecorder{rings: make(map[types.RecordKind]*ring[Record], len(types.AllRecordKinds))}
	for _, k := range types.AllRecordKinds {
		e.rings[k] = newRing[Record](size)
	}
	return e
}

func (e *EventRecorder) Record(kind types.RecordKind, id types.RequestID, t time.Time) {
	if r, ok := e.rings[kind]; ok {
		r.push(Record{RequestID: id, Time: t})
	}
}

// Records returns the records of one kind, oldest first.
func (e *EventRecorder) Records(kind types.RecordKind) []Record {
	if r, ok := e.rings[kind]; ok {
		return r.items()
	}
	return nil
}

func (e *EventRecorder) Reset() {
	for _, r := range e.rings {
		r.reset()
	}
}

// Dump logs the state history and the per-kind records.
func Dump(logger logr.Logger, sm *StateMonitor, er *EventRecorder) {
	for _, t := range sm.Entries() {
		logger.Info("State transition", "substate", t.Substate, "trigger", t.Trigger,
			"requestID", t.RequestID, "frameID", t.FrameID, "time", t.Time)
	}
	if er == nil {
		return
	}
	for _, k := range types.AllRecordKinds {
		recs := er.Records(k)
		if len(recs) == 0 {
			continue
		}
		ids := make([]types.RequestID, len(recs))
		for i, r := range recs {
			ids[i] = r.RequestID
		}
		logger.Info("Request records", "kind", k, "requestIDs", ids, "last", recs[len(recs)-1].Time)
	}
}
