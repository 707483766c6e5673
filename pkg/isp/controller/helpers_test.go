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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts/mocks"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
	testutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/testing"
)

// harness bundles a context with its recording collaborators.
type harness struct {
	c       *Context
	hw      *mocks.MockHardwareDriver
	fences  *mocks.MockFenceSignaller
	sched   *mocks.MockScheduler
	clk     *testclock.FakeClock
	handles Handles
	ts      uint64
}

// newHarness builds an acquired and linked context. The scheduler subscribes to SOF heartbeats.
func newHarness(t *testing.T, opts ...ConfigOption) *harness {
	t.Helper()
	cfg, err := NewConfig(opts...)
	require.NoError(t, err, "Config should be valid")

	h := &harness{
		hw:     &mocks.MockHardwareDriver{},
		fences: mocks.NewMockFenceSignaller(),
		sched:  &mocks.MockScheduler{},
		clk:    testclock.NewFakeClock(time.Now()),
	}
	h.c, err = NewContext("ctx-0", *cfg, h.hw, h.fences, logutil.NewTestLogger(), WithClock(h.clk))
	require.NoError(t, err, "NewContext should succeed")

	h.handles, err = h.c.Acquire(context.Background(), AcquireSpec{Name: "ife0", NumOutputs: 4})
	require.NoError(t, err, "Acquire should succeed")
	require.NoError(t, h.c.Link(h.sched, contracts.LinkInfo{Handle: 1, SubscribeEvents: types.TriggerSOF}))
	return h
}

// newActiveHarness builds a context that has been started with a fenceless INIT request 1.
func newActiveHarness(t *testing.T, opts ...ConfigOption) *harness {
	t.Helper()
	h := newHarness(t, opts...)
	h.submitInit(t, 1)
	require.NoError(t, h.c.Start(context.Background(), h.handles), "Start should succeed")
	require.Equal(t, types.StateActivated, h.c.State())
	return h
}

// fenceFor is the fence bound to resource handle on request id.
func fenceFor(id types.RequestID, handle uint32) types.FenceID {
	return types.FenceID(uint64(id)*100 + uint64(handle))
}

func packet(kind types.PacketKind, id types.RequestID, handles ...uint32) types.Packet {
	pkt := testutil.MakeUpdate(id)
	if kind == types.PacketInit {
		pkt = testutil.MakeInit(id)
	}
	pkt.Entry(64)
	for _, hd := range handles {
		pkt.OutputAt(hd, fenceFor(id, hd), hd*0x1000)
	}
	return pkt.ObjRef()
}

func (h *harness) submitInit(t *testing.T, id types.RequestID, handles ...uint32) {
	t.Helper()
	require.NoError(t, h.c.SubmitPacket(context.Background(), packet(types.PacketInit, id, handles...)),
		"INIT %d should be accepted", id)
}

func (h *harness) submit(t *testing.T, id types.RequestID, handles ...uint32) {
	t.Helper()
	require.NoError(t, h.c.SubmitPacket(context.Background(), packet(types.PacketUpdate, id, handles...)),
		"UPDATE %d should be accepted", id)
}

func (h *harness) apply(t *testing.T, id types.RequestID, reportIfBubble bool) {
	t.Helper()
	require.NoError(t, h.c.Apply(context.Background(), ApplyRequest{RequestID: id, ReportIfBubble: reportIfBubble}),
		"Apply %d should succeed", id)
}

// next returns a fresh, strictly increasing hardware timestamp.
func (h *harness) next() uint64 {
	h.ts += 1000
	return h.ts
}

func (h *harness) sof(t *testing.T) {
	t.Helper()
	ts := h.next()
	require.NoError(t, h.c.HandleEvent(types.SOFEvent(ts, ts+7)))
}

func (h *harness) rup(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.HandleEvent(types.RUPEvent(h.next())))
}

func (h *harness) epoch(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.HandleEvent(types.EpochEvent(h.next())))
}

func (h *harness) done(t *testing.T, handles ...uint32) {
	t.Helper()
	require.NoError(t, h.c.HandleEvent(types.DoneEvent(h.next(), handles...)))
}

// latch applies id and delivers its register update so it lands on the active list.
func (h *harness) latch(t *testing.T, id types.RequestID, reportIfBubble bool) {
	t.Helper()
	h.apply(t, id, reportIfBubble)
	h.rup(t)
}

func (h *harness) requireInvariants(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.CheckInvariants(), "Queue invariants should hold")
}
