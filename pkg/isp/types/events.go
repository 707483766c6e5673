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

package types

import "strconv"

// RequestID identifies a request within one link. IDs increase monotonically; zero means "no request".
type RequestID uint64

// EventKind enumerates the asynchronous events raised by the hardware pipeline.
type EventKind int

const (
	EventError EventKind = iota
	EventSOF
	EventRUP
	EventEpoch
	EventEOF
	EventDone
)

// AllEventKinds lists every event kind in declaration order.
var AllEventKinds = []EventKind{EventError, EventSOF, EventRUP, EventEpoch, EventEOF, EventDone}

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "ERROR"
	case EventSOF:
		return "SOF"
	case EventRUP:
		return "RUP"
	case EventEpoch:
		return "EPOCH"
	case EventEOF:
		return "EOF"
	case EventDone:
		return "DONE"
	default:
		return "Unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// HWErrorType classifies a hardware fault.
type HWErrorType int

const (
	HWErrorOther HWErrorType = iota
	HWErrorOverflow
	HWErrorBusIfOverflow
	HWErrorViolation
	HWErrorCSIDFatal
)

func (t HWErrorType) String() string {
	switch t {
	case HWErrorOverflow:
		return "Overflow"
	case HWErrorBusIfOverflow:
		return "BusIfOverflow"
	case HWErrorViolation:
		return "Violation"
	case HWErrorCSIDFatal:
		return "CSIDFatal"
	default:
		return "Other"
	}
}

// NeedsRegDump reports whether the fault class warrants a register dump before recovery.
func (t HWErrorType) NeedsRegDump() bool {
	return t == HWErrorOverflow || t == HWErrorBusIfOverflow || t == HWErrorViolation
}

// BufDone carries the output resources completed by one DONE event.
// LastConsumedAddrs, when present, is parallel to ResourceHandles.
type BufDone struct {
	ResourceHandles   []uint32
	LastConsumedAddrs []uint32
}

// HWError carries the details of an ERROR event.
type HWError struct {
	Type            HWErrorType
	RecoveryEnabled bool
}

// Event is one hardware event as delivered to the context.
type Event struct {
	Kind EventKind
	// Timestamp is the hardware timestamp at which the event was raised.
	Timestamp uint64
	// BootTime is the monotonic boot clock paired with an SOF timestamp.
	BootTime uint64
	// Done is set for EventDone.
	Done *BufDone
	// Err is set for EventError.
	Err *HWError
}

// SOFEvent builds a start-of-frame event.
func SOFEvent(timestamp, bootTime uint64) Event {
	return Event{Kind: EventSOF, Timestamp: timestamp, BootTime: bootTime}
}

// RUPEvent builds a register-update event.
func RUPEvent(timestamp uint64) Event {
	return Event{Kind: EventRUP, Timestamp: timestamp}
}

// EpochEvent builds a mid-frame epoch event.
func EpochEvent(timestamp uint64) Event {
	return Event{Kind: EventEpoch, Timestamp: timestamp}
}

// EOFEvent builds an end-of-frame event.
func EOFEvent(timestamp uint64) Event {
	return Event{Kind: EventEOF, Timestamp: timestamp}
}

// DoneEvent builds a buffer-done event for the given resource handles.
func DoneEvent(timestamp uint64, handles ...uint32) Event {
	return Event{Kind: EventDone, Timestamp: timestamp, Done: &BufDone{ResourceHandles: handles}}
}

// DoneEventWithAddrs builds a buffer-done event that also reports the last consumed address per handle.
func DoneEventWithAddrs(timestamp uint64, handles, addrs []uint32) Event {
	return Event{Kind: EventDone, Timestamp: timestamp, Done: &BufDone{ResourceHandles: handles, LastConsumedAddrs: addrs}}
}

// ErrorEvent builds a hardware error event.
func ErrorEvent(timestamp uint64, errType HWErrorType, recoveryEnabled bool) Event {
	return Event{Kind: EventError, Timestamp: timestamp, Err: &HWError{Type: errType, RecoveryEnabled: recoveryEnabled}}
}

// LinkEvent is a link-level event forwarded by the scheduler.
type LinkEvent int

const (
	LinkEventError LinkEvent = iota
	LinkEventPause
	LinkEventResume
	LinkEventSOFFreeze
)

func (e LinkEvent) String() string {
	switch e {
	case LinkEventError:
		return "Error"
	case LinkEventPause:
		return "Pause"
	case LinkEventResume:
		return "Resume"
	case LinkEventSOFFreeze:
		return "SOFFreeze"
	default:
		return "Unknown(" + strconv.Itoa(int(e)) + ")"
	}
}
