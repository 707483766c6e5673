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

package contracts

import (
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

// LinkHandle identifies the scheduler link a context is attached to. Negative values mean "not linked".
type LinkHandle int32

// NoLink is the link handle of an unlinked context.
const NoLink LinkHandle = -1

// LinkInfo is what the scheduler hands to a context when linking it.
type LinkInfo struct {
	Handle LinkHandle
	// SubscribeEvents is the set of trigger points the scheduler wants heartbeats for.
	SubscribeEvents types.TriggerPoint
	TriggerID       int32
}

// TriggerNotification is the per-frame heartbeat.
type TriggerNotification struct {
	Link    LinkHandle
	Point   types.TriggerPoint
	FrameID uint64
	// RequestID is the last request whose buffers all completed.
	RequestID    types.RequestID
	SOFTimestamp uint64
}

// ErrorNotification reports a bubble or fatal error for a request.
type ErrorNotification struct {
	Link         LinkHandle
	RequestID    types.RequestID
	Kind         types.ErrorKind
	FrameID      uint64
	Trigger      types.TriggerPoint
	SOFTimestamp uint64
}

// Scheduler is the upstream request manager the context reports to.
//
// # Conformance
//
// Implementations MUST be goroutine-safe and MUST NOT block for long; notifications are delivered from the hardware
// event path (with the context lock dropped).
type Scheduler interface {
	// AddRequest registers an UPDATE request with the scheduler before the context queues it.
	AddRequest(link LinkHandle, id types.RequestID) error
	NotifyTrigger(n TriggerNotification)
	NotifyError(n ErrorNotification)
	NotifyStop(link LinkHandle)
}

// TimerNotifier is an optional Scheduler extension for watchdog control.
type TimerNotifier interface {
	NotifyTimer(link LinkHandle, enabled bool)
}

// SOFReport is the per-frame timestamp report sent to user space.
type SOFReport struct {
	RequestID    types.RequestID
	FrameID      uint64
	SOFTimestamp uint64
	BootTime     uint64
	Status       types.SOFStatus
}

// TimestampNotifier is an optional Scheduler extension that receives per-frame timestamp reports.
type TimestampNotifier interface {
	NotifySOFTimestamp(r SOFReport)
}

// RecoveryMessage is the error message emitted to user space after a fatal hardware error.
type RecoveryMessage struct {
	RequestID types.RequestID
	Recovery  types.RecoveryType
	ErrorType types.HWErrorType
}

// ErrorMessageNotifier is an optional Scheduler extension that receives recovery messages.
type ErrorMessageNotifier interface {
	NotifyRecovery(m RecoveryMessage)
}
