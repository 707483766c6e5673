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

// FenceID is an opaque, generation-checked handle to a fence. The zero value is never a valid fence.
type FenceID uint64

// InvalidFence is the zero FenceID.
const InvalidFence FenceID = 0

// FenceOutcome is the terminal state a fence is signalled with.
// It is a low-cardinality value suitable for metric labels.
type FenceOutcome int

const (
	// FenceOutcomeActive is the state of a fence that has not reached a terminal signal yet.
	FenceOutcomeActive FenceOutcome = iota
	// FenceOutcomeSuccess means the bound buffer was produced.
	FenceOutcomeSuccess
	// FenceOutcomeError means the bound buffer will never be produced.
	FenceOutcomeError
	// FenceOutcomeCancel means the waiter withdrew its interest before completion.
	FenceOutcomeCancel
)

func (o FenceOutcome) String() string {
	switch o {
	case FenceOutcomeActive:
		return "Active"
	case FenceOutcomeSuccess:
		return "Success"
	case FenceOutcomeError:
		return "Error"
	case FenceOutcomeCancel:
		return "Cancel"
	default:
		return "Unknown(" + strconv.Itoa(int(o)) + ")"
	}
}

// IsTerminal reports whether the outcome ends the fence's lifecycle.
func (o FenceOutcome) IsTerminal() bool {
	return o == FenceOutcomeSuccess || o == FenceOutcomeError || o == FenceOutcomeCancel
}

// FlushType selects between cancelling a single request and flushing everything.
type FlushType int

const (
	FlushAll FlushType = iota
	FlushCancelOne
)

func (t FlushType) String() string {
	if t == FlushCancelOne {
		return "CancelOne"
	}
	return "All"
}

// FlushRequest is a scheduler-initiated flush.
type FlushRequest struct {
	Type FlushType
	// RequestID is the request to cancel for FlushCancelOne, and the last flushed id for FlushAll.
	RequestID RequestID
}

// ErrorKind is the classification sent with Scheduler.NotifyError.
type ErrorKind int

const (
	// ErrorKindBubble means the request will be replayed; the scheduler should re-apply it.
	ErrorKindBubble ErrorKind = iota
	// ErrorKindFatal means the context cannot recover without stop and start.
	ErrorKindFatal
)

func (k ErrorKind) String() string {
	if k == ErrorKindFatal {
		return "Fatal"
	}
	return "Bubble"
}

// RecoveryType is the recovery level requested from user space after a fatal hardware error.
type RecoveryType int

const (
	RecoveryTypeRecovery RecoveryType = iota
	RecoveryTypeFullRecovery
)

func (r RecoveryType) String() string {
	if r == RecoveryTypeFullRecovery {
		return "FullRecovery"
	}
	return "Recovery"
}

// TriggerPoint is the per-frame heartbeat point reported to the scheduler.
type TriggerPoint int

const (
	TriggerSOF TriggerPoint = 1 << iota
	TriggerEOF
)

func (p TriggerPoint) String() string {
	switch p {
	case TriggerSOF:
		return "SOF"
	case TriggerEOF:
		return "EOF"
	default:
		return "Unknown(" + strconv.Itoa(int(p)) + ")"
	}
}

// StopMode selects how the hardware pipeline is stopped.
type StopMode int

const (
	StopImmediately StopMode = iota
	StopAtFrameBoundary
)

func (m StopMode) String() string {
	if m == StopAtFrameBoundary {
		return "FrameBoundary"
	}
	return "Immediate"
}

// SOFStatus is the status attached to a per-frame timestamp report.
type SOFStatus int

const (
	SOFStatusSuccess SOFStatus = iota
	SOFStatusError
)

func (s SOFStatus) String() string {
	if s == SOFStatusError {
		return "Error"
	}
	return "Success"
}

// StateTrigger names what caused a recorded sub-state transition.
type StateTrigger int

const (
	TriggerApply StateTrigger = iota
	TriggerSOFEvent
	TriggerRUPEvent
	TriggerEpochEvent
	TriggerDoneEvent
	TriggerEOFEvent
	TriggerErrorEvent
	TriggerFlush
)

func (t StateTrigger) String() string {
	switch t {
	case TriggerApply:
		return "Apply"
	case TriggerSOFEvent:
		return "SOF"
	case TriggerRUPEvent:
		return "RUP"
	case TriggerEpochEvent:
		return "Epoch"
	case TriggerDoneEvent:
		return "Done"
	case TriggerEOFEvent:
		return "EOF"
	case TriggerErrorEvent:
		return "Error"
	case TriggerFlush:
		return "Flush"
	default:
		return "Unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// TriggerForEvent maps a hardware event to the trigger recorded by the state monitor.
func TriggerForEvent(k EventKind) StateTrigger {
	switch k {
	case EventSOF:
		return TriggerSOFEvent
	case EventRUP:
		return TriggerRUPEvent
	case EventEpoch:
		return TriggerEpochEvent
	case EventDone:
		return TriggerDoneEvent
	case EventEOF:
		return TriggerEOFEvent
	default:
		return TriggerErrorEvent
	}
}

// RecordKind enumerates the per-request lifecycle points kept by the event recorder.
type RecordKind int

const (
	RecordSubmit RecordKind = iota
	RecordApply
	RecordEpoch
	RecordRUP
	RecordBufDone
)

// AllRecordKinds lists every record kind in declaration order.
var AllRecordKinds = []RecordKind{RecordSubmit, RecordApply, RecordEpoch, RecordRUP, RecordBufDone}

func (k RecordKind) String() string {
	switch k {
	case RecordSubmit:
		return "Submit"
	case RecordApply:
		return "Apply"
	case RecordEpoch:
		return "Epoch"
	case RecordRUP:
		return "RUP"
	case RecordBufDone:
		return "BufDone"
	default:
		return "Unknown(" + strconv.Itoa(int(k)) + ")"
	}
}
