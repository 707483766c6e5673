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
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/queue"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

func TestSubmitPacket_Validation(t *testing.T) {
	t.Parallel()

	manyEntries := packet(types.PacketUpdate, 2)
	manyEntries.Entries = make([]types.HWEntry, 23)

	manyOuts := packet(types.PacketUpdate, 2)
	for i := range 25 {
		manyOuts.Out = append(manyOuts.Out, types.OutBinding{ResourceHandle: uint32(i), Fence: types.FenceID(i + 1)})
	}

	testCases := []struct {
		name string
		pkt  types.Packet
	}{
		{name: "ShouldRejectZeroUpdateID", pkt: packet(types.PacketUpdate, 0, 1)},
		{name: "ShouldRejectTooManyEntries", pkt: manyEntries},
		{name: "ShouldRejectTooManyOutputs", pkt: manyOuts},
		{name: "ShouldRejectDuplicateResource", pkt: packet(types.PacketUpdate, 2, 1, 1)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newActiveHarness(t)

			err := h.c.SubmitPacket(context.Background(), tc.pkt)

			assert.ErrorIs(t, err, types.ErrInvalidPacket)
			assert.Empty(t, h.c.Snapshot().Pending)
			assert.Empty(t, h.sched.Added(), "Rejected packets are never announced")
		})
	}
}

func TestSubmitPacket_FenceReferences(t *testing.T) {
	t.Parallel()

	t.Run("ShouldTakeOneReferencePerOutput", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.submit(t, 2, 1, 2)
		assert.Equal(t, 1, h.fences.Refs(fenceFor(2, 1)))
		assert.Equal(t, 1, h.fences.Refs(fenceFor(2, 2)))
		assert.Equal(t, []types.RequestID{2}, h.sched.Added())
	})

	t.Run("ShouldRollBackOnFenceFailure", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.fences.GetRefFunc = func(id types.FenceID) error {
			if id == fenceFor(2, 2) {
				return types.ErrInvalidFence
			}
			return nil
		}

		err := h.c.SubmitPacket(context.Background(), packet(types.PacketUpdate, 2, 1, 2))

		assert.ErrorIs(t, err, types.ErrInvalidPacket)
		assert.ErrorIs(t, err, types.ErrInvalidFence)
		assert.Zero(t, h.fences.Refs(fenceFor(2, 1)), "Reference on the first fence should be released")
	})

	t.Run("ShouldRollBackOnAdmissionFailure", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.submit(t, 2, 1)

		err := h.c.SubmitPacket(context.Background(), packet(types.PacketUpdate, 2, 7))

		assert.ErrorIs(t, err, types.ErrInvalidPacket, "Duplicate request ids are rejected")
		assert.Zero(t, h.fences.Refs(fenceFor(2, 7)))
	})

	t.Run("ShouldRollBackOnSchedulerFailure", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.sched.AddRequestFunc = func(contracts.LinkHandle, types.RequestID) error {
			return errors.New("link gone")
		}

		assert.Error(t, h.c.SubmitPacket(context.Background(), packet(types.PacketUpdate, 2, 1)))
		assert.Zero(t, h.fences.Refs(fenceFor(2, 1)))
		assert.Empty(t, h.c.Snapshot().Pending)
	})
}

func TestSubmitPacket_Admission(t *testing.T) {
	t.Parallel()

	t.Run("ShouldRejectUpdateBeforeReady", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		err := h.c.SubmitPacket(context.Background(), packet(types.PacketUpdate, 2, 1))
		assert.ErrorIs(t, err, types.ErrInvalidState)
		assert.Zero(t, h.fences.Refs(fenceFor(2, 1)))
	})

	t.Run("ShouldRejectWhenPoolExhausted", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t, WithRequestPoolSize(3))
		h.submit(t, 2)
		h.submit(t, 3)
		h.submit(t, 4)

		err := h.c.SubmitPacket(context.Background(), packet(types.PacketUpdate, 5))
		assert.ErrorIs(t, err, queue.ErrPoolExhausted)
	})

	t.Run("ShouldBecomeReadyWhenLinkedAfterInit", func(t *testing.T) {
		t.Parallel()
		hw := &mocks.MockHardwareDriver{}
		c, err := NewContext("ctx-1", DefaultConfig(), hw, mocks.NewMockFenceSignaller(), logutil.NewTestLogger())
		require.NoError(t, err)
		_, err = c.Acquire(context.Background(), AcquireSpec{Name: "ife1"})
		require.NoError(t, err)

		require.NoError(t, c.SubmitPacket(context.Background(), packet(types.PacketInit, 1)))
		assert.Equal(t, types.StateAcquired, c.State(), "Without a scheduler the context cannot be ready")

		require.NoError(t, c.Link(&mocks.MockScheduler{}, contracts.LinkInfo{Handle: 3}))
		assert.Equal(t, types.StateReady, c.State())
	})
}

func TestSubmitPacket_InitMerge(t *testing.T) {
	t.Parallel()

	t.Run("ShouldMergeIntoFencelessInit", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.submitInit(t, 1)
		h.submitInit(t, 2, 5)

		snap := h.c.Snapshot()
		assert.Equal(t, []types.RequestID{2}, snap.Pending, "Merged INIT takes the newer id")
		assert.Equal(t, 7, snap.FreeCount)

		require.NoError(t, h.c.Start(context.Background(), h.handles))
		starts := h.hw.Starts()
		require.Len(t, starts, 1)
		assert.Equal(t, types.RequestID(2), starts[0].Config.RequestID)
		assert.Len(t, starts[0].Config.Entries, 2)
	})

	t.Run("ShouldRejectMergeIntoFencedInit", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.submitInit(t, 1, 5)

		err := h.c.SubmitPacket(context.Background(), packet(types.PacketInit, 2, 6))

		assert.ErrorIs(t, err, types.ErrInitMergeFenced)
		assert.Zero(t, h.fences.Refs(fenceFor(2, 6)))
		assert.Equal(t, []types.RequestID{1}, h.c.Snapshot().Pending)
	})

	t.Run("ShouldRejectMergeBeyondCapacity", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, WithMaxConfigEntries(2))
		h.submitInit(t, 1)

		err := h.c.SubmitPacket(context.Background(), packet(types.PacketInit, 2))
		assert.ErrorIs(t, err, types.ErrInitMergeCapacity)
	})

	t.Run("ShouldRejectInitBehindUpdate", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.submitInit(t, 10)
		h.submit(t, 5, 1)
		require.Equal(t, []types.RequestID{5, 10}, h.c.Snapshot().Pending)

		err := h.c.SubmitPacket(context.Background(), packet(types.PacketInit, 11))
		assert.ErrorIs(t, err, types.ErrUpdateBeforeInit)
	})
}
