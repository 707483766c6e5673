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
	"context"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

// HardwareHandle is the opaque hardware-context handle returned by `HardwareDriver.Acquire`.
// It is owned exclusively by one context.
type HardwareHandle uint64

// EventSink receives hardware events. The context implements it; drivers call it from their interrupt path.
type EventSink interface {
	HandleEvent(ev types.Event) error
}

// ResourceSpec describes the hardware resources a context asks for.
type ResourceSpec struct {
	// Name identifies the stream for diagnostics.
	Name string
	// NumOutputs is the number of output ports the stream writes.
	NumOutputs int
	// Sink receives the events raised for the acquired hardware.
	Sink EventSink
}

// ConfigArgs is one hardware-update package handed to the driver.
type ConfigArgs struct {
	RequestID types.RequestID
	Entries   []types.HWEntry
	// InitPacket marks the INIT configuration applied by Start.
	InitPacket bool
	// Reapply marks a bubble replay; the driver may apply bubble-only entries.
	Reapply bool
	// CDMResetBeforeApply asks the driver to reset the command executor before applying.
	CDMResetBeforeApply bool
}

// StartArgs carries the INIT configuration and start mode.
type StartArgs struct {
	Config ConfigArgs
	// StartOnly restarts the pipeline without re-initializing it, used after a flush.
	StartOnly bool
}

// HardwareDriver is the contract for the hardware pipeline layer.
//
// # Conformance
//
//   - `Config` returns an error wrapping `types.ErrHardwareBusy` when the update cannot be accepted yet. This is the
//     only retryable failure.
//   - `Start` returns an error wrapping `types.ErrHardwareTimeout` when the hardware does not come up in time.
//   - Events may be delivered to the `ResourceSpec.Sink` before `Start` returns.
//   - Implementations MUST be goroutine-safe.
type HardwareDriver interface {
	Acquire(ctx context.Context, spec ResourceSpec) (HardwareHandle, error)
	Config(ctx context.Context, h HardwareHandle, args ConfigArgs) error
	Start(ctx context.Context, h HardwareHandle, args StartArgs) error
	Stop(ctx context.Context, h HardwareHandle, mode types.StopMode, stopOnly bool) error
	Release(ctx context.Context, h HardwareHandle) error
	// Reset resets the pipeline after a stop issued by flush.
	Reset(ctx context.Context, h HardwareHandle) error
	// QueryLastCompleted returns the id of the last request whose configuration the command executor finished.
	QueryLastCompleted(h HardwareHandle) (types.RequestID, error)
	// DumpRegisters captures hardware state for post-mortem analysis.
	DumpRegisters(h HardwareHandle) error
	Pause(h HardwareHandle) error
	Resume(h HardwareHandle) error
	// EnableSOFDebug turns on start-of-frame interrupt debugging after a SOF freeze.
	EnableSOFDebug(h HardwareHandle, enable bool) error
}
