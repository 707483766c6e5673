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

package controller

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts/mocks"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

func TestFlush_AllWhileActivated(t *testing.T) {
	t.Parallel()

	// --- ARRANGE ---
	h := newActiveHarness(t)
	h.submit(t, 5, 1)
	h.submit(t, 6, 1)
	h.submit(t, 7, 1)
	h.latch(t, 5, false)
	h.apply(t, 6, false)

	// --- ACT ---
	err := h.c.Flush(context.Background(), types.FlushRequest{Type: types.FlushAll, RequestID: 7})

	// --- ASSERT ---
	require.NoError(t, err)
	for _, id := range []types.RequestID{5, 6, 7} {
		assert.Equal(t, types.FenceOutcomeError, h.fences.Outcome(fenceFor(id, 1)), "request %d should fail", id)
	}
	snap := h.c.Snapshot()
	assert.Equal(t, types.StateFlushed, snap.State)
	assert.Equal(t, types.SubstateHalt, snap.Substate)
	assert.Zero(t, snap.ActiveRequestCount())
	assert.Equal(t, 8, snap.FreeCount)
	assert.Equal(t, types.RequestID(7), snap.LastFlushReqID)
	assert.Equal(t, []mocks.StopCall{{Mode: types.StopImmediately, StopOnly: true}}, h.hw.Stops())
	assert.Equal(t, 1, h.hw.Calls("Reset"))
	assert.Equal(t, 1, h.hw.Calls("DumpRegisters"), "Registers should be dumped before the stop")
	assert.Equal(t, []bool{false}, h.sched.Timers(), "The scheduler watchdog should be paused")
	assert.Zero(t, h.sched.StopCount(), "A flush is not a stop")
	h.requireInvariants(t)

	assert.ErrorIs(t, h.c.Flush(context.Background(), types.FlushRequest{Type: types.FlushAll}), types.ErrInvalidState)
	assert.ErrorIs(t, h.c.SubmitPacket(context.Background(), packet(types.PacketUpdate, 8, 1)), types.ErrInvalidState,
		"Updates wait for the restart")
}

func TestFlush_IgnoresRegisterDumpFailure(t *testing.T) {
	t.Parallel()
	h := newActiveHarness(t)
	h.hw.DumpRegistersFunc = func(contracts.HardwareHandle) error { return errors.New("dump unavailable") }
	h.submit(t, 2, 1)
	h.latch(t, 2, false)

	require.NoError(t, h.c.Flush(context.Background(), types.FlushRequest{Type: types.FlushAll, RequestID: 2}))
	assert.Equal(t, types.FenceOutcomeError, h.fences.Outcome(fenceFor(2, 1)))
	assert.Len(t, h.hw.Stops(), 1, "The stop should follow a failed dump")
	assert.Equal(t, types.StateFlushed, h.c.State())
}

func TestFlush_RestartAfterFlush(t *testing.T) {
	t.Parallel()
	h := newActiveHarness(t)
	h.submit(t, 5, 1)
	require.NoError(t, h.c.Flush(context.Background(), types.FlushRequest{Type: types.FlushAll, RequestID: 5}))

	h.submitInit(t, 20)

	assert.Equal(t, types.StateActivated, h.c.State())
	assert.Equal(t, 1, h.hw.Calls("Resume"))
	starts := h.hw.Starts()
	require.Len(t, starts, 2)
	assert.True(t, starts[1].StartOnly, "Restart after flush should not re-initialize the hardware")

	err := h.c.SubmitPacket(context.Background(), packet(types.PacketUpdate, 4, 1))
	assert.ErrorIs(t, err, types.ErrRequestFlushed)
	assert.Zero(t, h.fences.Refs(fenceFor(4, 1)))
	h.submit(t, 21, 1)
}

func TestFlush_CancelOne(t *testing.T) {
	t.Parallel()

	t.Run("ShouldCancelPendingRequest", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.submit(t, 2, 1)
		h.submit(t, 3, 1)

		require.NoError(t, h.c.Flush(context.Background(), types.FlushRequest{Type: types.FlushCancelOne, RequestID: 3}))

		assert.Equal(t, types.FenceOutcomeError, h.fences.Outcome(fenceFor(3, 1)))
		assert.Equal(t, types.FenceOutcomeActive, h.fences.Outcome(fenceFor(2, 1)))
		snap := h.c.Snapshot()
		assert.Equal(t, []types.RequestID{2}, snap.Pending)
		assert.Equal(t, types.StateActivated, snap.State)
		assert.Zero(t, h.hw.Calls("Stop"))
	})

	t.Run("ShouldLeaveInFlightRequests", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.submit(t, 2, 1)
		h.submit(t, 3, 1)
		h.latch(t, 2, false)

		require.NoError(t, h.c.Flush(context.Background(), types.FlushRequest{Type: types.FlushCancelOne, RequestID: 2}),
			"An id missing from a non-empty pending list is not an error")
		assert.Equal(t, []types.RequestID{2}, h.c.Snapshot().Active)
	})

	t.Run("ShouldRejectEmptyPending", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		err := h.c.Flush(context.Background(), types.FlushRequest{Type: types.FlushCancelOne, RequestID: 9})
		assert.ErrorIs(t, err, types.ErrNoRequestToCancel)
	})
}

func TestFlush_BeforeActivation(t *testing.T) {
	t.Parallel()

	t.Run("ShouldReturnReadyContextToAcquired", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.submitInit(t, 1, 4)

		require.NoError(t, h.c.Flush(context.Background(), types.FlushRequest{Type: types.FlushAll, RequestID: 1}))

		snap := h.c.Snapshot()
		assert.Equal(t, types.StateAcquired, snap.State)
		assert.False(t, snap.InitReceived)
		assert.Empty(t, snap.Pending)
		assert.Equal(t, types.FenceOutcomeError, h.fences.Outcome(fenceFor(1, 4)))
		assert.Zero(t, h.hw.Calls("Stop"))
	})

	t.Run("ShouldRejectWhenAvailable", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.NoError(t, h.c.Release(context.Background()))
		assert.ErrorIs(t, h.c.Flush(context.Background(), types.FlushRequest{Type: types.FlushAll}), types.ErrInvalidState)
	})
}

func TestFlush_ClearsBubbleState(t *testing.T) {
	t.Parallel()
	h := newActiveHarness(t)
	h.submit(t, 2, 1)
	h.submit(t, 3, 1)
	h.apply(t, 2, true)
	h.epoch(t)
	require.True(t, h.c.Snapshot().ProcessBubble)

	require.NoError(t, h.c.Flush(context.Background(), types.FlushRequest{Type: types.FlushCancelOne, RequestID: 3}))

	snap := h.c.Snapshot()
	assert.False(t, snap.ProcessBubble)
	assert.Zero(t, snap.BubbleFrameCount)
}
