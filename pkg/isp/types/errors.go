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

import (
	"errors"
)

// --- Context Lifecycle Errors ---

var (
	// ErrInvalidState indicates the operation is not accepted in the context's current top-level state or sub-state.
	// It is always wrapped with the name of the offending state.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrHandleMismatch indicates a start request carried session or device handles that were not issued by this
	// context.
	ErrHandleMismatch = errors.New("session or device handle mismatch")

	// ErrNotLinked indicates an operation that needs a scheduler was issued before Link.
	ErrNotLinked = errors.New("context is not linked to a scheduler")
)

// --- Apply Errors ---

// The following errors are returned by `Context.Apply`. None of them mutate the queues.
var (
	// ErrNoPendingRequest indicates apply was requested but the pending list is empty.
	ErrNoPendingRequest = errors.New("no pending request to apply")

	// ErrBubbleInProgress indicates bubble recovery currently owns the pipeline; the scheduler must retry later.
	ErrBubbleInProgress = errors.New("bubble recovery in progress")

	// ErrOutOfOrderApply indicates the requested id is not the head of the pending list.
	ErrOutOfOrderApply = errors.New("apply request does not match pending head")

	// ErrBackpressure indicates the active list already holds the maximum number of in-flight requests.
	ErrBackpressure = errors.New("too many active requests")

	// ErrApplyNotAllowed indicates the current sub-state has no apply handler.
	ErrApplyNotAllowed = errors.New("apply not allowed in current sub-state")
)

// --- Packet Submission Errors ---

var (
	// ErrInitMergeCapacity indicates merging an INIT packet into the pending INIT request would exceed the
	// configuration entry capacity.
	ErrInitMergeCapacity = errors.New("INIT merge exceeds configuration capacity")

	// ErrInitMergeFenced indicates the pending INIT request already carries fences and cannot absorb another packet.
	ErrInitMergeFenced = errors.New("cannot merge INIT packet into a fenced request")

	// ErrUpdateBeforeInit indicates an INIT packet arrived while a non-INIT request heads the pending list.
	ErrUpdateBeforeInit = errors.New("update packet received before INIT")

	// ErrRequestFlushed indicates an UPDATE packet's id is at or below the last flushed id.
	ErrRequestFlushed = errors.New("request has already been flushed")

	// ErrInvalidPacket indicates a structurally invalid packet (duplicate handles, too many bindings, zero id).
	ErrInvalidPacket = errors.New("invalid packet")
)

// --- Flush Errors ---

var (
	// ErrNoRequestToCancel indicates a cancel-one flush was issued against an empty list. A flush-all against an
	// empty list succeeds.
	ErrNoRequestToCancel = errors.New("no request to cancel")
)

// --- Hardware Driver Errors ---

// Drivers return these to classify failures; the context matches them with `errors.Is`.
var (
	// ErrHardwareBusy is the retryable "busy" answer to a configuration call.
	ErrHardwareBusy = errors.New("hardware busy")

	// ErrHardwareTimeout indicates the hardware did not respond in time.
	ErrHardwareTimeout = errors.New("hardware timed out")

	// ErrNoHardwareContext indicates the context holds no hardware handle.
	ErrNoHardwareContext = errors.New("no hardware context")
)

// --- Fence Errors ---

var (
	// ErrInvalidFence indicates the fence handle is unknown or its generation is stale.
	ErrInvalidFence = errors.New("invalid fence")

	// ErrAlreadySignalled indicates the fence already reached a terminal state.
	ErrAlreadySignalled = errors.New("fence already signalled")

	// ErrNoReference indicates a put-ref on a fence that holds no references.
	ErrNoReference = errors.New("fence holds no reference")

	// ErrInvalidOutcome indicates a signal with a non-terminal outcome.
	ErrInvalidOutcome = errors.New("invalid fence outcome")
)

// --- Streaming Mode Errors ---

var (
	// ErrStreamModeSet indicates stream mode was already configured for this context.
	ErrStreamModeSet = errors.New("stream mode already set")

	// ErrStreamPoolBusy indicates another caller is already waiting for an image.
	ErrStreamPoolBusy = errors.New("stream image wait already in progress")

	// ErrStreamImagesHeld indicates every stream image is currently owned by the user.
	ErrStreamImagesHeld = errors.New("all stream images held by user")

	// ErrStreamWaitTimeout indicates no image became ready within the timeout.
	ErrStreamWaitTimeout = errors.New("timed out waiting for stream image")

	// ErrUnknownImage indicates a returned image id is not owned by the user.
	ErrUnknownImage = errors.New("unknown stream image")

	// ErrNoStreamImage indicates no stream image is available for apply.
	ErrNoStreamImage = errors.New("no stream image available")
)
