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

// State is the coarse, top-level lifecycle state of a context.
type State int

const (
	// StateUninit is the zero value; a context is never observed in it after construction.
	StateUninit State = iota
	// StateAvailable means no hardware resources are held.
	StateAvailable
	// StateAcquired means hardware resources are held and configuration packets are accepted.
	StateAcquired
	// StateReady means the INIT configuration has been received and a scheduler is linked.
	StateReady
	// StateFlushed means a flush-all stopped the pipeline while activated; a new INIT packet restarts it.
	StateFlushed
	// StateActivated means the pipeline is streaming and hardware events are dispatched by sub-state.
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "Uninit"
	case StateAvailable:
		return "Available"
	case StateAcquired:
		return "Acquired"
	case StateReady:
		return "Ready"
	case StateFlushed:
		return "Flushed"
	case StateActivated:
		return "Activated"
	default:
		return "Unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Substate is the activated sub-state; it selects the handler for every hardware event.
type Substate int

const (
	SubstateSOF Substate = iota
	SubstateApplied
	SubstateEpoch
	SubstateBubble
	SubstateBubbleApplied
	SubstateHWError
	SubstateHalt
)

// AllSubstates lists every sub-state in declaration order.
var AllSubstates = []Substate{
	SubstateSOF, SubstateApplied, SubstateEpoch, SubstateBubble, SubstateBubbleApplied, SubstateHWError, SubstateHalt,
}

func (s Substate) String() string {
	switch s {
	case SubstateSOF:
		return "SOF"
	case SubstateApplied:
		return "APPLIED"
	case SubstateEpoch:
		return "EPOCH"
	case SubstateBubble:
		return "BUBBLE"
	case SubstateBubbleApplied:
		return "BUBBLE_APPLIED"
	case SubstateHWError:
		return "HW_ERROR"
	case SubstateHalt:
		return "HALT"
	default:
		return "Unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// PacketKind distinguishes the one-shot INIT configuration from per-frame UPDATE requests.
type PacketKind int

const (
	PacketUpdate PacketKind = iota
	PacketInit
)

func (k PacketKind) String() string {
	if k == PacketInit {
		return "INIT"
	}
	return "UPDATE"
}
