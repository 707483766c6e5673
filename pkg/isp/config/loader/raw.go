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

package loader

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RawConfig is the on-disk configuration. Every field is optional; unset fields keep the component default.
type RawConfig struct {
	Context   *ContextConfig   `json:"context,omitempty"`
	Fence     *FenceConfig     `json:"fence,omitempty"`
	Simulator *SimulatorConfig `json:"simulator,omitempty"`
}

// ContextConfig configures every ISP context.
type ContextConfig struct {
	MaxActiveRequests    *int  `json:"maxActiveRequests,omitempty"`
	MaxConfigEntries     *int  `json:"maxConfigEntries,omitempty"`
	MaxOutputs           *int  `json:"maxOutputs,omitempty"`
	RequestPoolSize      *int  `json:"requestPoolSize,omitempty"`
	BubbleFrameThreshold *int  `json:"bubbleFrameThreshold,omitempty"`
	SupportConsumedAddr  *bool `json:"supportConsumedAddr,omitempty"`
	RecoveryEnabled      *bool `json:"recoveryEnabled,omitempty"`
	StateMonitorEntries  *int  `json:"stateMonitorEntries,omitempty"`
	EventRecordEntries   *int  `json:"eventRecordEntries,omitempty"`
	MaxStreamImages      *int  `json:"maxStreamImages,omitempty"`
}

// FenceConfig configures the fence registry.
type FenceConfig struct {
	CallbackQueueSize        *int             `json:"callbackQueueSize,omitempty"`
	TombstoneTTL             *metav1.Duration `json:"tombstoneTTL,omitempty"`
	TombstoneCleanupInterval *metav1.Duration `json:"tombstoneCleanupInterval,omitempty"`
	TriggerWithoutSwitch     *bool            `json:"triggerWithoutSwitch,omitempty"`
}

// SimulatorConfig configures the simulated pipeline.
type SimulatorConfig struct {
	FrameInterval   *metav1.Duration `json:"frameInterval,omitempty"`
	RUPOffset       *metav1.Duration `json:"rupOffset,omitempty"`
	EpochOffset     *metav1.Duration `json:"epochOffset,omitempty"`
	DoneOffset      *metav1.Duration `json:"doneOffset,omitempty"`
	DoneDelayFrames *int             `json:"doneDelayFrames,omitempty"`
	RecoveryEnabled *bool            `json:"recoveryEnabled,omitempty"`
	Faults          *FaultsConfig    `json:"faults,omitempty"`
}

// FaultsConfig lists the faults injected by the simulator.
type FaultsConfig struct {
	DropRUP      []uint64          `json:"dropRUP,omitempty"`
	BusyOnConfig []uint64          `json:"busyOnConfig,omitempty"`
	DelayDone    []DelayDoneFault  `json:"delayDone,omitempty"`
	ErrorAtFrame []FrameErrorFault `json:"errorAtFrame,omitempty"`
}

// DelayDoneFault postpones the buffer done of one request.
type DelayDoneFault struct {
	RequestID uint64 `json:"requestID"`
	Frames    int    `json:"frames"`
}

// FrameErrorFault raises a hardware error in one frame. Type is one of Other, Overflow, BusIfOverflow, Violation,
// CSIDFatal.
type FrameErrorFault struct {
	Frame uint64 `json:"frame"`
	Type  string `json:"type"`
}
