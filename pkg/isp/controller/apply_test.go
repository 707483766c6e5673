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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

func TestApply_Rejections(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		setup   func(t *testing.T, h *harness)
		req     ApplyRequest
		wantErr error
	}{
		{
			name: "ShouldApplyBackpressure",
			setup: func(t *testing.T, h *harness) {
				h.submit(t, 2, 1)
				h.submit(t, 3, 1)
				h.submit(t, 4, 1)
				h.latch(t, 2, false)
				h.latch(t, 3, false)
			},
			req:     ApplyRequest{RequestID: 4},
			wantErr: types.ErrBackpressure,
		},
		{
			name: "ShouldRejectOutOfOrder",
			setup: func(t *testing.T, h *harness) {
				h.submit(t, 2, 1)
				h.submit(t, 3, 1)
			},
			req:     ApplyRequest{RequestID: 3},
			wantErr: types.ErrOutOfOrderApply,
		},
		{
			name:    "ShouldRejectWithoutPending",
			setup:   func(*testing.T, *harness) {},
			req:     ApplyRequest{RequestID: 2},
			wantErr: types.ErrNoPendingRequest,
		},
		{
			name: "ShouldRejectWhileApplied",
			setup: func(t *testing.T, h *harness) {
				h.submit(t, 2, 1)
				h.submit(t, 3, 1)
				h.apply(t, 2, false)
			},
			req:     ApplyRequest{RequestID: 3},
			wantErr: types.ErrApplyNotAllowed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newActiveHarness(t)
			tc.setup(t, h)
			before := len(h.hw.Configs())

			err := h.c.Apply(context.Background(), tc.req)

			assert.ErrorIs(t, err, tc.wantErr)
			assert.Len(t, h.hw.Configs(), before, "A rejected apply must not reach the hardware")
		})
	}

	t.Run("ShouldRejectBeforeActivation", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.submitInit(t, 1)
		assert.ErrorIs(t, h.c.Apply(context.Background(), ApplyRequest{RequestID: 2}), types.ErrInvalidState)
	})
}

func TestApply_ReApplyOfAppliedRequestIsIgnored(t *testing.T) {
	t.Parallel()
	h := newActiveHarness(t)
	h.submit(t, 2, 1)
	h.latch(t, 2, false)

	require.NoError(t, h.c.Apply(context.Background(), ApplyRequest{RequestID: 2, ReApply: true}))
	assert.Len(t, h.hw.Configs(), 1)
}

func TestApply_HardwareBusy(t *testing.T) {
	t.Parallel()

	// --- ARRANGE ---
	h := newActiveHarness(t)
	h.submit(t, 2, 1)
	h.submit(t, 3, 1)
	h.hw.ConfigFunc = func(context.Context, contracts.HardwareHandle, contracts.ConfigArgs) error {
		return fmt.Errorf("cdm: %w", types.ErrHardwareBusy)
	}

	// --- ACT ---
	err := h.c.Apply(context.Background(), ApplyRequest{RequestID: 2, ReportIfBubble: true})

	// --- ASSERT ---
	require.ErrorIs(t, err, types.ErrHardwareBusy)
	snap := h.c.Snapshot()
	assert.Equal(t, []types.RequestID{2}, snap.Active, "Busy request should wait for the bubble decision")
	assert.True(t, snap.ProcessBubble)
	assert.ErrorIs(t, h.c.Apply(context.Background(), ApplyRequest{RequestID: 2}), types.ErrBubbleInProgress)

	h.hw.ConfigFunc = nil
	h.sof(t)
	snap = h.c.Snapshot()
	assert.Equal(t, []types.RequestID{2, 3}, snap.Pending)
	assert.Equal(t, types.SubstateSOF, snap.Substate)

	h.apply(t, 2, true)
	configs := h.hw.Configs()
	assert.True(t, configs[len(configs)-1].CDMResetBeforeApply)
	h.requireInvariants(t)
}

func TestApply_HardwareFailureLeavesRequestPending(t *testing.T) {
	t.Parallel()
	h := newActiveHarness(t)
	h.submit(t, 2, 1)
	h.hw.ConfigFunc = func(context.Context, contracts.HardwareHandle, contracts.ConfigArgs) error {
		return errors.New("bad blob")
	}

	assert.Error(t, h.c.Apply(context.Background(), ApplyRequest{RequestID: 2}))
	snap := h.c.Snapshot()
	assert.Equal(t, []types.RequestID{2}, snap.Pending)
	assert.Equal(t, types.SubstateEpoch, snap.Substate)
}

func TestApply_StateChangedDuringConfig(t *testing.T) {
	t.Parallel()
	h := newActiveHarness(t)
	h.submit(t, 2, 1)
	h.hw.ConfigFunc = func(context.Context, contracts.HardwareHandle, contracts.ConfigArgs) error {
		return h.c.HandleEvent(types.ErrorEvent(5, types.HWErrorOther, true))
	}

	err := h.c.Apply(context.Background(), ApplyRequest{RequestID: 2})

	assert.ErrorIs(t, err, types.ErrInvalidState)
	snap := h.c.Snapshot()
	assert.Equal(t, types.SubstateHWError, snap.Substate, "The concurrent error must keep its effect")
	assert.Equal(t, []types.RequestID{2}, snap.Pending)
	assert.Equal(t, types.RequestID(1), snap.LastAppliedReqID)
}

func TestApply_OrderFollowsRequestID(t *testing.T) {
	t.Parallel()
	h := newActiveHarness(t)
	for _, id := range []types.RequestID{4, 2, 3} {
		h.submit(t, id, 1)
	}
	assert.Equal(t, []types.RequestID{2, 3, 4}, h.c.Snapshot().Pending)

	h.latch(t, 2, false)
	h.latch(t, 3, false)
	configs := h.hw.Configs()
	require.Len(t, configs, 2)
	assert.Equal(t, types.RequestID(2), configs[0].RequestID)
	assert.Equal(t, types.RequestID(3), configs[1].RequestID)
}
