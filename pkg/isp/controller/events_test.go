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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

func TestRequestHandler_Table(t *testing.T) {
	t.Parallel()

	handled := map[types.Substate]map[types.EventKind]bool{}
	for _, s := range types.AllSubstates {
		handled[s] = map[types.EventKind]bool{}
		for _, k := range types.AllEventKinds {
			handled[s][k] = requestHandler(s, k) != nil
		}
	}

	for _, s := range []types.Substate{types.SubstateSOF, types.SubstateApplied, types.SubstateEpoch,
		types.SubstateBubble, types.SubstateBubbleApplied} {
		assert.True(t, handled[s][types.EventError], "%s should handle errors", s)
		assert.True(t, handled[s][types.EventSOF], "%s should handle SOF", s)
		assert.True(t, handled[s][types.EventDone], "%s should handle buffer done", s)
		assert.True(t, handled[s][types.EventRUP], "%s should handle RUP", s)
		assert.True(t, handled[s][types.EventEpoch], "%s should handle EPOCH", s)
	}
	assert.False(t, handled[types.SubstateBubbleApplied][types.EventEOF])
	assert.True(t, handled[types.SubstateHWError][types.EventSOF])
	assert.True(t, handled[types.SubstateHWError][types.EventRUP])
	assert.False(t, handled[types.SubstateHWError][types.EventError], "A second error is masked until recovery")
	assert.False(t, handled[types.SubstateHWError][types.EventDone])
	for _, k := range types.AllEventKinds {
		assert.False(t, handled[types.SubstateHalt][k], "HALT should mask %s", k)
		assert.Nil(t, streamHandler(types.SubstateHalt, k))
		assert.Nil(t, streamHandler(types.SubstateEpoch, k), "Streaming never enters EPOCH")
	}
}

func TestEvents_RequestCompletes(t *testing.T) {
	t.Parallel()

	// --- ARRANGE ---
	h := newActiveHarness(t)
	h.submit(t, 2, 1)

	// --- ACT & ASSERT ---
	h.apply(t, 2, false)
	snap := h.c.Snapshot()
	assert.Equal(t, types.SubstateApplied, snap.Substate)
	assert.Equal(t, []types.RequestID{2}, snap.Wait)

	h.rup(t)
	snap = h.c.Snapshot()
	assert.Equal(t, types.SubstateEpoch, snap.Substate)
	assert.Equal(t, []types.RequestID{2}, snap.Active)

	h.done(t, 1)
	snap = h.c.Snapshot()
	assert.Empty(t, snap.Active)
	assert.Equal(t, 8, snap.FreeCount)
	assert.Equal(t, types.RequestID(2), snap.LastBufDoneReqID)
	assert.Equal(t, types.FenceOutcomeSuccess, h.fences.Outcome(fenceFor(2, 1)))

	reports := h.sched.Timestamps()
	require.NotEmpty(t, reports)
	assert.Equal(t, types.RequestID(2), reports[len(reports)-1].RequestID)

	h.epoch(t)
	triggers := h.sched.Triggers()
	require.Len(t, triggers, 1)
	assert.Equal(t, types.TriggerSOF, triggers[0].Point)
	assert.Equal(t, types.RequestID(2), triggers[0].RequestID, "The heartbeat carries the last completed request")
	h.requireInvariants(t)
}

func TestEvents_BufDoneMatching(t *testing.T) {
	t.Parallel()

	t.Run("ShouldIgnoreDuplicates", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.submit(t, 2, 1, 2)
		h.latch(t, 2, false)

		h.done(t, 1)
		h.done(t, 1)

		assert.Equal(t, 1, h.fences.SignalCount(fenceFor(2, 1)))
		assert.Equal(t, []types.RequestID{2}, h.c.Snapshot().Active, "Request should wait for its second output")
		h.requireInvariants(t)
	})

	t.Run("ShouldLookAheadToNextActiveRequest", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.submit(t, 2, 1)
		h.submit(t, 3, 2)
		h.latch(t, 2, false)
		h.latch(t, 3, false)

		h.done(t, 2)
		assert.Equal(t, types.FenceOutcomeSuccess, h.fences.Outcome(fenceFor(3, 2)))
		assert.Equal(t, []types.RequestID{2}, h.c.Snapshot().Active, "Only the completed request should retire")

		assert.Equal(t, types.RequestID(3), h.c.Snapshot().LastBufDoneReqID)

		h.done(t, 1)
		assert.Empty(t, h.c.Snapshot().Active)
		assert.Equal(t, types.RequestID(3), h.c.Snapshot().LastBufDoneReqID, "Completion order should not rewind")
	})

	t.Run("ShouldDeferOntoWaitingRequestByAddress", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t, WithSupportConsumedAddr(true))
		h.submit(t, 2, 1)
		h.apply(t, 2, false)

		require.NoError(t, h.c.HandleEvent(types.DoneEventWithAddrs(h.next(), []uint32{1}, []uint32{0x1000})))
		assert.Equal(t, types.FenceOutcomeActive, h.fences.Outcome(fenceFor(2, 1)), "Signal waits for the RUP")

		h.rup(t)
		assert.Equal(t, types.FenceOutcomeSuccess, h.fences.Outcome(fenceFor(2, 1)))
		assert.Empty(t, h.c.Snapshot().Active)
	})

	t.Run("ShouldIgnoreDoneWithNoActiveRequest", func(t *testing.T) {
		t.Parallel()
		testCases := []struct {
			name    string
			opts    []ConfigOption
			applied bool
		}{
			{name: "PendingOnly"},
			{name: "WaitingWithoutAddressSupport", applied: true},
			{name: "WaitingWithoutAddresses", opts: []ConfigOption{WithSupportConsumedAddr(true)}, applied: true},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()
				h := newActiveHarness(t, tc.opts...)
				h.submit(t, 2, 1)
				if tc.applied {
					h.apply(t, 2, false)
				}

				h.done(t, 1)
				if !tc.applied {
					h.apply(t, 2, false)
				}
				h.rup(t)

				assert.Equal(t, types.FenceOutcomeActive, h.fences.Outcome(fenceFor(2, 1)),
					"No buffer was produced after the RUP")
				assert.Zero(t, h.fences.SignalCount(fenceFor(2, 1)))
				assert.Equal(t, []types.RequestID{2}, h.c.Snapshot().Active)

				h.done(t, 1)
				assert.Equal(t, types.FenceOutcomeSuccess, h.fences.Outcome(fenceFor(2, 1)))
				assert.Empty(t, h.c.Snapshot().Active)
				h.requireInvariants(t)
			})
		}
	})

	t.Run("ShouldMatchConsumedAddress", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t, WithSupportConsumedAddr(true))
		h.submit(t, 2, 1)
		h.latch(t, 2, false)

		require.NoError(t, h.c.HandleEvent(types.DoneEventWithAddrs(h.next(), []uint32{1}, []uint32{0xdead})))
		assert.Equal(t, types.FenceOutcomeActive, h.fences.Outcome(fenceFor(2, 1)), "Foreign address should not match")

		require.NoError(t, h.c.HandleEvent(types.DoneEventWithAddrs(h.next(), []uint32{1}, []uint32{0x1000})))
		assert.Equal(t, types.FenceOutcomeSuccess, h.fences.Outcome(fenceFor(2, 1)))
	})

	t.Run("ShouldIgnoreEmptyDone", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		assert.NoError(t, h.c.HandleEvent(types.Event{Kind: types.EventDone}))
	})
}

func TestEvents_Bubble(t *testing.T) {
	t.Parallel()

	t.Run("ShouldReplayWhenHardwareMissedRequest", func(t *testing.T) {
		t.Parallel()
		// --- ARRANGE ---
		h := newActiveHarness(t)
		h.submit(t, 2, 1)
		h.apply(t, 2, true)

		// --- ACT: EPOCH before RUP ---
		h.epoch(t)

		// --- ASSERT ---
		snap := h.c.Snapshot()
		assert.Equal(t, types.SubstateBubble, snap.Substate)
		assert.Equal(t, []types.RequestID{2}, snap.Active)
		assert.True(t, snap.ProcessBubble)
		errs := h.sched.Errors()
		require.Len(t, errs, 1)
		assert.Equal(t, types.ErrorKindBubble, errs[0].Kind)
		assert.Equal(t, types.RequestID(2), errs[0].RequestID)
		reports := h.sched.Timestamps()
		require.NotEmpty(t, reports)
		assert.Equal(t, types.SOFStatusError, reports[len(reports)-1].Status)

		// --- ACT: next SOF, hardware has not consumed request 2 ---
		h.hw.SetLastCompleted(1)
		h.sof(t)

		snap = h.c.Snapshot()
		assert.Equal(t, []types.RequestID{2}, snap.Pending, "Bubbled request should be queued for reapply")
		assert.Empty(t, snap.Active)
		assert.False(t, snap.ProcessBubble)
		assert.Equal(t, 1, h.hw.Calls("QueryLastCompleted"))

		// --- ACT: replay ---
		h.apply(t, 2, true)
		assert.Equal(t, types.SubstateBubbleApplied, h.c.Substate())
		configs := h.hw.Configs()
		require.Len(t, configs, 2)
		assert.True(t, configs[1].Reapply)
		assert.True(t, configs[1].CDMResetBeforeApply)

		h.rup(t)
		h.done(t, 1)
		assert.Equal(t, types.FenceOutcomeSuccess, h.fences.Outcome(fenceFor(2, 1)))
		assert.Equal(t, 1, h.fences.SignalCount(fenceFor(2, 1)))
		h.requireInvariants(t)
	})

	t.Run("ShouldFailDeferredOutputsWhenHardwareConsumedRequest", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.submit(t, 2, 1)
		h.apply(t, 2, true)
		h.epoch(t)

		h.done(t, 1)
		assert.Equal(t, types.FenceOutcomeActive, h.fences.Outcome(fenceFor(2, 1)), "Ack is deferred during recovery")

		h.hw.SetLastCompleted(2)
		h.sof(t)

		snap := h.c.Snapshot()
		assert.Equal(t, types.FenceOutcomeError, h.fences.Outcome(fenceFor(2, 1)))
		assert.Empty(t, snap.Active)
		assert.Empty(t, snap.Pending)
		assert.False(t, snap.ProcessBubble)
		assert.Equal(t, types.RequestID(2), snap.LastBufDoneReqID)
	})

	t.Run("ShouldResolveDeferredOutputsWhenBubbleIsDeclared", func(t *testing.T) {
		t.Parallel()
		testCases := []struct {
			name        string
			report      bool
			wantOutcome types.FenceOutcome
			wantPending []types.RequestID
		}{
			{name: "WithoutReportFailsOutputs", report: false, wantOutcome: types.FenceOutcomeError,
				wantPending: []types.RequestID{}},
			{name: "WithReportReplays", report: true, wantOutcome: types.FenceOutcomeActive,
				wantPending: []types.RequestID{2}},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				t.Parallel()
				// --- ARRANGE: the buffer lands before the RUP ---
				h := newActiveHarness(t, WithSupportConsumedAddr(true))
				h.submit(t, 2, 1)
				h.apply(t, 2, tc.report)
				require.NoError(t, h.c.HandleEvent(types.DoneEventWithAddrs(h.next(), []uint32{1}, []uint32{0x1000})))
				require.Equal(t, types.FenceOutcomeActive, h.fences.Outcome(fenceFor(2, 1)))

				// --- ACT ---
				h.epoch(t)

				// --- ASSERT ---
				snap := h.c.Snapshot()
				assert.Equal(t, tc.wantOutcome, h.fences.Outcome(fenceFor(2, 1)))
				assert.Empty(t, snap.Active, "Settled outputs should finish the request at once")
				assert.Equal(t, tc.wantPending, snap.Pending)
				assert.False(t, snap.ProcessBubble)
				h.requireInvariants(t)
			})
		}
	})

	t.Run("ShouldSkipRepeatedSOFTimestamp", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t, WithBubbleFrameThreshold(2))
		h.submit(t, 2, 1)
		h.apply(t, 2, false)
		h.epoch(t)

		require.NoError(t, h.c.HandleEvent(types.SOFEvent(50_000, 1)))
		require.NoError(t, h.c.HandleEvent(types.SOFEvent(50_000, 1)))
		snap := h.c.Snapshot()
		assert.Equal(t, 1, snap.BubbleFrameCount, "A repeated timestamp should not count as a frame")
		assert.True(t, snap.ProcessBubble)

		require.NoError(t, h.c.HandleEvent(types.SOFEvent(60_000, 2)))
		snap = h.c.Snapshot()
		assert.False(t, snap.ProcessBubble)
		assert.Equal(t, []types.RequestID{2}, snap.Pending)
		assert.Empty(t, h.sched.Errors(), "No bubble report was requested")
	})

	t.Run("ShouldReportPlaceholderWhileBubbled", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.submit(t, 2, 1)
		h.apply(t, 2, false)
		h.epoch(t)

		h.epoch(t)
		reports := h.sched.Timestamps()
		require.NotEmpty(t, reports)
		last := reports[len(reports)-1]
		assert.Zero(t, last.RequestID)
		assert.Equal(t, types.SOFStatusSuccess, last.Status)
	})
}

func TestEvents_HWError(t *testing.T) {
	t.Parallel()

	t.Run("ShouldReplayFromFirstBubbleReportingRequest", func(t *testing.T) {
		t.Parallel()
		// --- ARRANGE ---
		h := newActiveHarness(t)
		h.submit(t, 3, 1)
		h.submit(t, 4, 1)
		h.latch(t, 3, false)
		h.apply(t, 4, true)

		// --- ACT ---
		require.NoError(t, h.c.HandleEvent(types.ErrorEvent(h.next(), types.HWErrorOther, true)))

		// --- ASSERT ---
		snap := h.c.Snapshot()
		assert.Equal(t, types.FenceOutcomeError, h.fences.Outcome(fenceFor(3, 1)))
		assert.Equal(t, types.FenceOutcomeActive, h.fences.Outcome(fenceFor(4, 1)))
		assert.Equal(t, []types.RequestID{4}, snap.Pending)
		assert.Empty(t, snap.Wait)
		assert.Empty(t, snap.Active)
		assert.Equal(t, types.SubstateHWError, snap.Substate)
		errs := h.sched.Errors()
		require.Len(t, errs, 1)
		assert.Equal(t, types.ErrorKindBubble, errs[0].Kind)
		assert.Empty(t, h.sched.Recoveries())
		assert.Zero(t, h.hw.Calls("DumpRegisters"))

		h.rup(t)
		assert.Equal(t, types.SubstateSOF, h.c.Substate(), "RUP should end the error state")
		h.requireInvariants(t)
	})

	t.Run("ShouldNotDoubleSignalOnReplay", func(t *testing.T) {
		t.Parallel()
		h := newActiveHarness(t)
		h.submit(t, 2, 1, 2)
		h.latch(t, 2, true)
		h.done(t, 1)
		require.Equal(t, types.FenceOutcomeSuccess, h.fences.Outcome(fenceFor(2, 1)))

		require.NoError(t, h.c.HandleEvent(types.ErrorEvent(h.next(), types.HWErrorOther, true)))
		require.Equal(t, []types.RequestID{2}, h.c.Snapshot().Pending)
		h.rup(t)

		h.apply(t, 2, true)
		assert.True(t, h.hw.Configs()[1].Reapply)
		h.rup(t)
		h.done(t, 1, 2)

		assert.Equal(t, 1, h.fences.SignalCount(fenceFor(2, 1)), "Acked output must not be signalled again")
		assert.Equal(t, types.FenceOutcomeSuccess, h.fences.Outcome(fenceFor(2, 2)))
		assert.Empty(t, h.c.Snapshot().Active)
	})

	testCases := []struct {
		name         string
		errType      types.HWErrorType
		eventRecover bool
		opts         []ConfigOption
		bubbleReport bool
		wantKind     types.ErrorKind
		wantRecovery types.RecoveryType
		wantDumps    int
	}{
		{
			name:         "FatalWithoutBubbleReporter",
			errType:      types.HWErrorOther,
			eventRecover: true,
			wantKind:     types.ErrorKindFatal,
			wantRecovery: types.RecoveryTypeRecovery,
		},
		{
			name:         "FullRecoveryOnCSIDFatal",
			errType:      types.HWErrorCSIDFatal,
			wantKind:     types.ErrorKindFatal,
			wantRecovery: types.RecoveryTypeFullRecovery,
		},
		{
			name:         "FatalWhenRecoveryDisabled",
			errType:      types.HWErrorOverflow,
			eventRecover: true,
			opts:         []ConfigOption{WithRecoveryEnabled(false)},
			bubbleReport: true,
			wantKind:     types.ErrorKindFatal,
			wantRecovery: types.RecoveryTypeRecovery,
			wantDumps:    1,
		},
		{
			name:         "RegisterDumpOnViolation",
			errType:      types.HWErrorViolation,
			eventRecover: true,
			bubbleReport: true,
			wantKind:     types.ErrorKindBubble,
			wantDumps:    1,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newActiveHarness(t, tc.opts...)
			h.submit(t, 2, 1)
			h.latch(t, 2, tc.bubbleReport)

			require.NoError(t, h.c.HandleEvent(types.ErrorEvent(h.next(), tc.errType, tc.eventRecover)))

			errs := h.sched.Errors()
			require.Len(t, errs, 1)
			assert.Equal(t, tc.wantKind, errs[0].Kind)
			assert.Equal(t, types.RequestID(2), errs[0].RequestID)
			if tc.wantKind == types.ErrorKindFatal {
				rec := h.sched.Recoveries()
				require.Len(t, rec, 1)
				assert.Equal(t, tc.wantRecovery, rec[0].Recovery)
				assert.Equal(t, tc.errType, rec[0].ErrorType)
			}
			assert.Equal(t, tc.wantDumps, h.hw.Calls("DumpRegisters"))
			h.requireInvariants(t)
		})
	}
}
