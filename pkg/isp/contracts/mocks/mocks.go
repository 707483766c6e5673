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

// Package mocks provides mocks for the interfaces defined in the `contracts` package.
//
// # Testing Philosophy: Recording Mocks
//
// The context is an event-driven state machine; most of its observable behavior is the sequence of calls it makes to
// its collaborators. The mocks here therefore record every call (thread-safely) in addition to exposing
// function-based overrides (e.g., `ConfigFunc`) that let a test inject errors or call back into the context at a
// critical moment. `MockFenceSignaller` is deliberately stateful: it enforces the single-signal rule so tests catch a
// double signal as an error, the same way a real fence would.
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

// --- HardwareDriver Mocks ---

// StopCall records one `Stop` invocation.
type StopCall struct {
	Mode     types.StopMode
	StopOnly bool
}

// MockHardwareDriver is a "stub-style" mock with call recording.
// If a func is nil, the method succeeds and returns a zero value, except `Acquire` which returns handle 1.
type MockHardwareDriver struct {
	AcquireFunc            func(ctx context.Context, spec contracts.ResourceSpec) (contracts.HardwareHandle, error)
	ConfigFunc             func(ctx context.Context, h contracts.HardwareHandle, args contracts.ConfigArgs) error
	StartFunc              func(ctx context.Context, h contracts.HardwareHandle, args contracts.StartArgs) error
	StopFunc               func(ctx context.Context, h contracts.HardwareHandle, mode types.StopMode, stopOnly bool) error
	ReleaseFunc            func(ctx context.Context, h contracts.HardwareHandle) error
	ResetFunc              func(ctx context.Context, h contracts.HardwareHandle) error
	QueryLastCompletedFunc func(h contracts.HardwareHandle) (types.RequestID, error)
	DumpRegistersFunc      func(h contracts.HardwareHandle) error
	PauseFunc              func(h contracts.HardwareHandle) error
	ResumeFunc             func(h contracts.HardwareHandle) error
	EnableSOFDebugFunc     func(h contracts.HardwareHandle, enable bool) error

	mu          sync.Mutex
	configs     []contracts.ConfigArgs
	starts      []contracts.StartArgs
	stops       []StopCall
	spec        contracts.ResourceSpec
	calls       map[string]int
	lastQueried types.RequestID
}

var _ contracts.HardwareDriver = &MockHardwareDriver{}

func (m *MockHardwareDriver) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

// Calls returns how many times the named method was invoked.
func (m *MockHardwareDriver) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// Configs returns a copy of every `Config` call's arguments in order.
func (m *MockHardwareDriver) Configs() []contracts.ConfigArgs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.ConfigArgs(nil), m.configs...)
}

// Starts returns a copy of every `Start` call's arguments in order.
func (m *MockHardwareDriver) Starts() []contracts.StartArgs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.StartArgs(nil), m.starts...)
}

// Stops returns a copy of every `Stop` call in order.
func (m *MockHardwareDriver) Stops() []StopCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StopCall(nil), m.stops...)
}

// Spec returns the resource spec passed to the last `Acquire`.
func (m *MockHardwareDriver) Spec() contracts.ResourceSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spec
}

func (m *MockHardwareDriver) Acquire(ctx context.Context, spec contracts.ResourceSpec) (contracts.HardwareHandle, error) {
	m.record("Acquire")
	m.mu.Lock()
	m.spec = spec
	m.mu.Unlock()
	if m.AcquireFunc != nil {
		return m.AcquireFunc(ctx, spec)
	}
	return 1, nil
}

func (m *MockHardwareDriver) Config(ctx context.Context, h contracts.HardwareHandle, args contracts.ConfigArgs) error {
	m.record("Config")
	m.mu.Lock()
	m.configs = append(m.configs, args)
	m.mu.Unlock()
	if m.ConfigFunc != nil {
		return m.ConfigFunc(ctx, h, args)
	}
	return nil
}

func (m *MockHardwareDriver) Start(ctx context.Context, h contracts.HardwareHandle, args contracts.StartArgs) error {
	m.record("Start")
	m.mu.Lock()
	m.starts = append(m.starts, args)
	m.mu.Unlock()
	if m.StartFunc != nil {
		return m.StartFunc(ctx, h, args)
	}
	return nil
}

func (m *MockHardwareDriver) Stop(ctx context.Context, h contracts.HardwareHandle, mode types.StopMode, stopOnly bool) error {
	m.record("Stop")
	m.mu.Lock()
	m.stops = append(m.stops, StopCall{Mode: mode, StopOnly: stopOnly})
	m.mu.Unlock()
	if m.StopFunc != nil {
		return m.StopFunc(ctx, h, mode, stopOnly)
	}
	return nil
}

func (m *MockHardwareDriver) Release(ctx context.Context, h contracts.HardwareHandle) error {
	m.record("Release")
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, h)
	}
	return nil
}

func (m *MockHardwareDriver) Reset(ctx context.Context, h contracts.HardwareHandle) error {
	m.record("Reset")
	if m.ResetFunc != nil {
		return m.ResetFunc(ctx, h)
	}
	return nil
}

func (m *MockHardwareDriver) QueryLastCompleted(h contracts.HardwareHandle) (types.RequestID, error) {
	m.record("QueryLastCompleted")
	if m.QueryLastCompletedFunc != nil {
		return m.QueryLastCompletedFunc(h)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQueried, nil
}

// SetLastCompleted fixes the value returned by `QueryLastCompleted` when no func override is set.
func (m *MockHardwareDriver) SetLastCompleted(id types.RequestID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQueried = id
}

func (m *MockHardwareDriver) DumpRegisters(h contracts.HardwareHandle) error {
	m.record("DumpRegisters")
	if m.DumpRegistersFunc != nil {
		return m.DumpRegistersFunc(h)
	}
	return nil
}

func (m *MockHardwareDriver) Pause(h contracts.HardwareHandle) error {
	m.record("Pause")
	if m.PauseFunc != nil {
		return m.PauseFunc(h)
	}
	return nil
}

func (m *MockHardwareDriver) Resume(h contracts.HardwareHandle) error {
	m.record("Resume")
	if m.ResumeFunc != nil {
		return m.ResumeFunc(h)
	}
	return nil
}

func (m *MockHardwareDriver) EnableSOFDebug(h contracts.HardwareHandle, enable bool) error {
	m.record("EnableSOFDebug")
	if m.EnableSOFDebugFunc != nil {
		return m.EnableSOFDebugFunc(h, enable)
	}
	return nil
}

// --- Scheduler Mocks ---

// MockScheduler records every notification and implements all optional scheduler extensions.
type MockScheduler struct {
	AddRequestFunc    func(link contracts.LinkHandle, id types.RequestID) error
	NotifyTriggerFunc func(n contracts.TriggerNotification)
	NotifyErrorFunc   func(n contracts.ErrorNotification)

	mu         sync.Mutex
	added      []types.RequestID
	triggers   []contracts.TriggerNotification
	errs       []contracts.ErrorNotification
	stops      int
	timers     []bool
	timestamps []contracts.SOFReport
	recoveries []contracts.RecoveryMessage
}

var (
	_ contracts.Scheduler            = &MockScheduler{}
	_ contracts.TimerNotifier        = &MockScheduler{}
	_ contracts.TimestampNotifier    = &MockScheduler{}
	_ contracts.ErrorMessageNotifier = &MockScheduler{}
)

func (m *MockScheduler) AddRequest(link contracts.LinkHandle, id types.RequestID) error {
	m.mu.Lock()
	m.added = append(m.added, id)
	m.mu.Unlock()
	if m.AddRequestFunc != nil {
		return m.AddRequestFunc(link, id)
	}
	return nil
}

func (m *MockScheduler) NotifyTrigger(n contracts.TriggerNotification) {
	m.mu.Lock()
	m.triggers = append(m.triggers, n)
	m.mu.Unlock()
	if m.NotifyTriggerFunc != nil {
		m.NotifyTriggerFunc(n)
	}
}

func (m *MockScheduler) NotifyError(n contracts.ErrorNotification) {
	m.mu.Lock()
	m.errs = append(m.errs, n)
	m.mu.Unlock()
	if m.NotifyErrorFunc != nil {
		m.NotifyErrorFunc(n)
	}
}

func (m *MockScheduler) NotifyStop(contracts.LinkHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *MockScheduler) NotifyTimer(_ contracts.LinkHandle, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = append(m.timers, enabled)
}

func (m *MockScheduler) NotifySOFTimestamp(r contracts.SOFReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timestamps = append(m.timestamps, r)
}

func (m *MockScheduler) NotifyRecovery(msg contracts.RecoveryMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveries = append(m.recoveries, msg)
}

// Added returns the ids registered through `AddRequest`.
func (m *MockScheduler) Added() []types.RequestID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.RequestID(nil), m.added...)
}

// Triggers returns every trigger notification in order.
func (m *MockScheduler) Triggers() []contracts.TriggerNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.TriggerNotification(nil), m.triggers...)
}

// Errors returns every error notification in order.
func (m *MockScheduler) Errors() []contracts.ErrorNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.ErrorNotification(nil), m.errs...)
}

// StopCount returns how many stop notifications were received.
func (m *MockScheduler) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Timers returns every watchdog toggle in order.
func (m *MockScheduler) Timers() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.timers...)
}

// Timestamps returns every per-frame timestamp report in order.
func (m *MockScheduler) Timestamps() []contracts.SOFReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.SOFReport(nil), m.timestamps...)
}

// Recoveries returns every recovery message in order.
func (m *MockScheduler) Recoveries() []contracts.RecoveryMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.RecoveryMessage(nil), m.recoveries...)
}

// --- FenceSignaller Mocks ---

// MockFenceSignaller is a stateful, thread-safe in-memory fence table.
// Fences are implicitly created on first `GetRef`. `Signal` enforces the single-signal rule.
type MockFenceSignaller struct {
	// SignalFunc, if set, is consulted first; a non-nil error is returned without recording the signal.
	SignalFunc func(id types.FenceID, outcome types.FenceOutcome) error
	// GetRefFunc, if set, is consulted first; a non-nil error is returned without taking the reference.
	GetRefFunc func(id types.FenceID) error

	mu       sync.Mutex
	refs     map[types.FenceID]int
	outcomes map[types.FenceID]types.FenceOutcome
	signals  map[types.FenceID]int
}

var _ contracts.FenceSignaller = &MockFenceSignaller{}

// NewMockFenceSignaller creates an empty fence table.
func NewMockFenceSignaller() *MockFenceSignaller {
	return &MockFenceSignaller{
		refs:     make(map[types.FenceID]int),
		outcomes: make(map[types.FenceID]types.FenceOutcome),
		signals:  make(map[types.FenceID]int),
	}
}

func (m *MockFenceSignaller) GetRef(id types.FenceID) error {
	if m.GetRefFunc != nil {
		if err := m.GetRefFunc(id); err != nil {
			return err
		}
	}
	if id == types.InvalidFence {
		return types.ErrInvalidFence
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[id]++
	return nil
}

func (m *MockFenceSignaller) PutRef(id types.FenceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs[id] == 0 {
		return fmt.Errorf("%w: fence %d", types.ErrNoReference, id)
	}
	m.refs[id]--
	return nil
}

func (m *MockFenceSignaller) Signal(id types.FenceID, outcome types.FenceOutcome) error {
	if m.SignalFunc != nil {
		if err := m.SignalFunc(id, outcome); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[id]++
	if _, done := m.outcomes[id]; done {
		return fmt.Errorf("%w: fence %d", types.ErrAlreadySignalled, id)
	}
	m.outcomes[id] = outcome
	if m.refs[id] > 0 {
		m.refs[id]--
	}
	return nil
}

// Outcome returns the terminal outcome of a fence, or `FenceOutcomeActive` if it has not been signalled.
func (m *MockFenceSignaller) Outcome(id types.FenceID) types.FenceOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.outcomes[id]; ok {
		return o
	}
	return types.FenceOutcomeActive
}

// SignalCount returns how many times `Signal` was called for a fence, including rejected duplicates.
func (m *MockFenceSignaller) SignalCount(id types.FenceID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signals[id]
}

// Refs returns the reference count currently held on a fence.
func (m *MockFenceSignaller) Refs(id types.FenceID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[id]
}
