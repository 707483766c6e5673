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
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/metrics"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/queue"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

// --- SOF ---

func (c *Context) recordSOFLocked(ev types.Event) {
	c.frameID++
	c.prevSOFTimestamp = c.sofTimestamp
	c.sofTimestamp = ev.Timestamp
	c.bootTimestamp = ev.BootTime
}

func (c *Context) onSOF(ev types.Event, _ bubbleQuery, _ *outbox) error {
	c.recordSOFLocked(ev)
	return nil
}

func (c *Context) onSOFCheckBubble(ev types.Event, bq bubbleQuery, out *outbox) error {
	c.recordSOFLocked(ev)
	c.checkBubbleLocked(bq, out)
	return nil
}

func (c *Context) onSOFInEpoch(ev types.Event, bq bubbleQuery, out *outbox) error {
	c.recordSOFLocked(ev)
	c.checkBubbleLocked(bq, out)
	if c.queues.Empty(queue.Active) {
		c.setSubstateLocked(types.SubstateSOF, types.TriggerSOFEvent, 0)
	}
	return nil
}

// checkBubbleLocked decides the fate of a bubbled active head once enough frames have passed: if the hardware
// consumed it anyway, its owed outputs are failed and it completes; otherwise it goes back to the front of pending.
func (c *Context) checkBubbleLocked(bq bubbleQuery, out *outbox) {
	if !c.processBubble {
		return
	}
	head := c.queues.Head(queue.Active)
	if head == nil {
		c.logger.V(logutil.DEFAULT).Info("No active request while processing bubble")
		c.processBubble = false
		c.bubbleFrameCnt = 0
		return
	}
	if c.sofTimestamp == c.prevSOFTimestamp {
		c.logger.V(logutil.DEBUG).Info("Repeated SOF timestamp; skipping bubble check", "sofTimestamp", c.sofTimestamp)
		return
	}
	c.bubbleFrameCnt++
	if !head.BubbleDetected || c.bubbleFrameCnt < c.config.BubblePolicy.FrameThreshold {
		return
	}
	if !bq.ok {
		return
	}

	id := head.ID
	if bq.lastCompleted >= id {
		c.logger.V(logutil.VERBOSE).Info("Bubbled request was consumed by hardware", "requestID", id,
			"lastCompleted", bq.lastCompleted)
		head.BubbleReport = false
		c.resolveDeferredLocked(out, head, false, types.FenceOutcomeError)
		c.processBubble = false
		c.bubbleFrameCnt = 0
		metrics.RecordBubble(metrics.BubbleOutcomeCompleted)
		if head.Completed() {
			c.completeRequestLocked(out, head)
		}
		return
	}

	c.logger.V(logutil.DEFAULT).Info("Bubbled request not consumed by hardware; replaying", "requestID", id,
		"lastCompleted", bq.lastCompleted)
	head.ResetForReplay()
	head.CDMResetBeforeApply = true
	c.queues.MoveToFront(head, queue.Pending)
	c.processBubble = false
	c.bubbleFrameCnt = 0
	metrics.RecordBubble(metrics.BubbleOutcomeReplayed)
}

// --- RUP ---

// onRUPInSOF retires a request still waiting from before activation.
func (c *Context) onRUPInSOF(_ types.Event, _ bubbleQuery, _ *outbox) error {
	r := c.queues.Head(queue.Wait)
	if r == nil {
		return nil
	}
	id := r.ID
	c.recordLocked(types.RecordRUP, r)
	if r.Completed() {
		c.queues.Release(r)
	} else {
		c.logger.V(logutil.DEFAULT).Info("RUP in SOF for request with pending outputs", "requestID", id)
		c.queues.Move(r, queue.Active)
	}
	c.setSubstateLocked(types.SubstateSOF, types.TriggerRUPEvent, id)
	return nil
}

// onRUPApplied latches the waiting request: a request with outputs becomes active, one without is done.
func (c *Context) onRUPApplied(_ types.Event, _ bubbleQuery, out *outbox) error {
	r := c.queues.Head(queue.Wait)
	if r == nil {
		c.logger.V(logutil.DEFAULT).Info("RUP with no request waiting", "substate", c.substate)
		return nil
	}
	id := r.ID
	c.recordLocked(types.RecordRUP, r)
	if r.NumOut() == 0 {
		c.queues.Release(r)
	} else {
		c.queues.Move(r, queue.Active)
		if len(r.DeferredAcks) > 0 {
			c.resolveDeferredLocked(out, r, false, types.FenceOutcomeSuccess)
		}
		if r.Completed() {
			c.completeRequestLocked(out, r)
		}
	}
	c.setSubstateLocked(types.SubstateEpoch, types.TriggerRUPEvent, id)
	return nil
}

func (c *Context) onRUPIgnored(_ types.Event, _ bubbleQuery, _ *outbox) error {
	if c.frameID <= 1 {
		c.logger.V(logutil.DEBUG).Info("RUP for the INIT configuration", "substate", c.substate)
	} else {
		c.logger.V(logutil.DEFAULT).Info("Unexpected RUP", "substate", c.substate, "frameID", c.frameID)
	}
	return nil
}

func (c *Context) onRUPInHWError(_ types.Event, _ bubbleQuery, _ *outbox) error {
	c.setSubstateLocked(types.SubstateSOF, types.TriggerRUPEvent, 0)
	return nil
}

// --- EPOCH ---

// onNotifySOF sends the per-frame heartbeat unless the pipeline is congested.
func (c *Context) onNotifySOF(_ types.Event, _ bubbleQuery, out *outbox) error {
	if n := c.activeCountLocked(); n > c.config.MaxActiveRequests {
		c.logger.V(logutil.DEFAULT).Info("Skipping SOF notification while congested", "active", n)
		return nil
	}
	if c.link.SubscribeEvents&types.TriggerSOF != 0 {
		c.notifyTriggerLocked(out, types.TriggerSOF, c.lastBufDoneReqID)
	}
	var id types.RequestID
	for _, r := range c.queues.Items(queue.Active) {
		if !r.BubbleDetected && r.ID > c.reportedReqID {
			id = r.ID
			c.reportedReqID = id
			break
		}
	}
	if c.substate == types.SubstateBubble {
		id = 0
	}
	c.reportSOFLocked(out, id, types.SOFStatusSuccess)
	return nil
}

func (c *Context) onEpochInApplied(_ types.Event, _ bubbleQuery, out *outbox) error {
	r := c.queues.Head(queue.Wait)
	if r == nil {
		c.logger.V(logutil.DEFAULT).Info("EPOCH with no request waiting")
		c.setSubstateLocked(types.SubstateSOF, types.TriggerEpochEvent, 0)
		c.reportSOFLocked(out, 0, types.SOFStatusSuccess)
		return nil
	}
	c.declareBubbleLocked(out, r, true)
	return nil
}

func (c *Context) onEpochInBubbleApplied(_ types.Event, _ bubbleQuery, out *outbox) error {
	r := c.queues.Head(queue.Wait)
	if r == nil {
		c.logger.V(logutil.DEFAULT).Info("EPOCH with no request waiting")
		c.reportSOFLocked(out, 0, types.SOFStatusSuccess)
		c.setSubstateLocked(types.SubstateBubble, types.TriggerEpochEvent, 0)
		return nil
	}
	c.declareBubbleLocked(out, r, false)
	return nil
}

// declareBubbleLocked handles an EPOCH that arrived before the waiting request's RUP: the request missed its frame.
// With resolve, buffer-dones deferred onto the request are settled by its bubble policy.
func (c *Context) declareBubbleLocked(out *outbox, r *queue.Request, resolve bool) {
	id := r.ID
	c.recordLocked(types.RecordEpoch, r)
	r.BubbleDetected = true
	r.Reapply = true
	r.CDMResetBeforeApply = false
	c.processBubble = true
	c.bubbleFrameCnt = 0
	if r.BubbleReport {
		c.notifyErrorLocked(out, types.ErrorKindBubble, id)
		metrics.RecordBubble(metrics.BubbleOutcomeReported)
	}
	c.queues.Move(r, queue.Active)
	resolved := resolve && len(r.DeferredAcks) > 0
	if resolved {
		c.resolveDeferredLocked(out, r, r.BubbleReport, types.FenceOutcomeError)
	}

	var reported types.RequestID
	if id > c.reportedReqID {
		reported = id
		c.reportedReqID = id
	}
	c.reportSOFLocked(out, reported, types.SOFStatusError)
	c.setSubstateLocked(types.SubstateBubble, types.TriggerEpochEvent, id)
	c.logger.V(logutil.VERBOSE).Info("Bubble detected", "requestID", id, "report", r.BubbleReport,
		"frameID", c.frameID)
	if resolved && r.Completed() {
		c.completeRequestLocked(out, r)
	}
}

// --- EOF ---

func (c *Context) onNotifyEOF(_ types.Event, _ bubbleQuery, out *outbox) error {
	if c.link.SubscribeEvents&types.TriggerEOF != 0 {
		c.notifyTriggerLocked(out, types.TriggerEOF, c.lastBufDoneReqID)
	}
	return nil
}

// --- DONE ---

func (c *Context) onBufDone(ev types.Event, _ bubbleQuery, out *outbox) error {
	if ev.Done == nil || len(ev.Done.ResourceHandles) == 0 {
		c.logger.V(logutil.DEFAULT).Info("Buffer done without resources")
		return nil
	}
	handles, addrs := ev.Done.ResourceHandles, ev.Done.LastConsumedAddrs

	head := c.queues.Head(queue.Active)
	if head == nil {
		// Without consumed addresses nothing ties these buffers to a request whose RUP is still outstanding.
		if !c.config.SupportConsumedAddr || len(addrs) < len(handles) {
			c.logger.V(logutil.DEFAULT).Info("Buffer done with no active request", "resources", handles)
			return nil
		}
		// The RUP of the request producing these buffers has not been handled yet.
		target := c.queues.Head(queue.Wait)
		if target == nil {
			target = c.queues.Head(queue.Pending)
		}
		if target == nil {
			c.logger.V(logutil.DEFAULT).Info("Buffer done with no request in flight", "resources", handles)
			return nil
		}
		if left, _ := c.matchOutputsLocked(out, target, handles, addrs, true); len(left) > 0 {
			c.logger.V(logutil.DEFAULT).Info("Buffer done for unknown resources", "resources", left,
				"requestID", target.ID)
		}
		return nil
	}

	next := c.queues.Next(head)
	left, leftAddrs := c.matchOutputsLocked(out, head, handles, addrs, false)
	if len(left) > 0 && next != nil {
		left, _ = c.matchOutputsLocked(out, next, left, leftAddrs, false)
	}
	if len(left) > 0 {
		c.logger.V(logutil.DEFAULT).Info("Buffer done for unknown resources", "resources", left,
			"requestID", head.ID)
	}

	if head.Completed() {
		c.recordLocked(types.RecordBufDone, head)
		c.completeRequestLocked(out, head)
	}
	if next != nil && next.List() == queue.Active && next.Completed() {
		c.recordLocked(types.RecordBufDone, next)
		c.completeRequestLocked(out, next)
	}
	return nil
}

// findOutput returns the output index of r bound to handle, and whether it was already acknowledged or deferred.
// With address matching, an output whose buffer address differs belongs to another request and is skipped.
func (c *Context) findOutput(r *queue.Request, handle, addr uint32, hasAddr bool) (int, bool) {
	for i, o := range r.Out {
		if o.ResourceHandle != handle {
			continue
		}
		if hasAddr && o.ImageBufAddr != addr {
			continue
		}
		return i, o.Acked || r.IsDeferred(i)
	}
	return -1, false
}

// matchOutputsLocked applies buffer-done handles to r and returns the handles (and addresses) not bound in r.
func (c *Context) matchOutputsLocked(out *outbox, r *queue.Request, handles, addrs []uint32,
	deferOnly bool) ([]uint32, []uint32) {
	var left, leftAddrs []uint32
	for j, h := range handles {
		var addr uint32
		hasAddr := c.config.SupportConsumedAddr && j < len(addrs)
		if hasAddr {
			addr = addrs[j]
		}
		i, dup := c.findOutput(r, h, addr, hasAddr)
		switch {
		case i < 0:
			left = append(left, h)
			if hasAddr {
				leftAddrs = append(leftAddrs, addr)
			}
		case dup:
			c.logger.V(logutil.TRACE).Info("Duplicate buffer done", "requestID", r.ID, "resource", h)
		case deferOnly:
			c.deferOutputLocked(r, i)
		default:
			c.ackByPolicyLocked(out, r, i)
		}
	}
	return left, leftAddrs
}

// ackByPolicyLocked acknowledges output i of an active request according to its bubble state.
func (c *Context) ackByPolicyLocked(out *outbox, r *queue.Request, i int) {
	switch {
	case r.BubbleDetected && c.processBubble:
		// The replay decision is still open.
		c.deferOutputLocked(r, i)
	case !r.BubbleDetected:
		c.ackOutputLocked(out, r, i, types.FenceOutcomeSuccess, false)
	case !r.BubbleReport:
		c.ackOutputLocked(out, r, i, types.FenceOutcomeError, false)
	default:
		// Counted only; the fence is signalled by the replay.
		c.ackOutputLocked(out, r, i, types.FenceOutcomeSuccess, true)
	}
}

func (c *Context) deferOutputLocked(r *queue.Request, i int) {
	if r.Out[i].Acked || r.IsDeferred(i) {
		return
	}
	if len(r.DeferredAcks) >= c.config.MaxOutputs {
		c.logger.V(logutil.DEFAULT).Info("Deferred buffer done table full", "requestID", r.ID)
		return
	}
	r.DeferredAcks = append(r.DeferredAcks, i)
}

// resolveDeferredLocked acknowledges every deferred output of r.
func (c *Context) resolveDeferredLocked(out *outbox, r *queue.Request, countOnly bool, outcome types.FenceOutcome) {
	for _, i := range r.DeferredAcks {
		c.ackOutputLocked(out, r, i, outcome, countOnly)
	}
	r.DeferredAcks = r.DeferredAcks[:0]
}

// completeRequestLocked retires a request whose outputs are all acknowledged. A bubbled request that asked for a
// report is replayed instead, unless it has been flushed meanwhile.
func (c *Context) completeRequestLocked(out *outbox, r *queue.Request) {
	id := r.ID
	if r.BubbleDetected {
		c.processBubble = false
		c.bubbleFrameCnt = 0
	}
	if r.BubbleDetected && r.BubbleReport {
		if id <= c.lastFlushReqID {
			c.failRequestLocked(out, r)
			return
		}
		r.ResetForReplay()
		r.CDMResetBeforeApply = false
		c.queues.MoveToFront(r, queue.Pending)
		metrics.RecordBubble(metrics.BubbleOutcomeReplayed)
		c.logger.V(logutil.VERBOSE).Info("Bubbled request queued for replay", "requestID", id)
		return
	}

	if c.reportedReqID < id {
		c.reportedReqID = id
		c.reportSOFLocked(out, id, types.SOFStatusSuccess)
	}
	if id > c.lastBufDoneReqID {
		c.lastBufDoneReqID = id
	}
	metrics.RecordRequestLatency(c.clock.Since(r.SubmittedAt))
	// Outputs still unconsumed here can only be failed; no fence is left without a terminal signal.
	c.failRequestLocked(out, r)
	c.logger.V(logutil.TRACE).Info("Request completed", "requestID", id)
}

// --- ERROR ---

// onHWError fails what cannot be recovered and moves the first bubble-reporting request, and everything after it,
// back to the front of pending.
func (c *Context) onHWError(ev types.Event, _ bubbleQuery, out *outbox) error {
	info := types.HWError{Type: types.HWErrorOther}
	if ev.Err != nil {
		info = *ev.Err
	}
	metrics.RecordHWError(info.Type.String())
	if info.Type.NeedsRegDump() {
		c.dumpRegistersLocked(out)
	}

	var found *queue.Request
	for _, l := range []queue.List{queue.Active, queue.Wait} {
		for _, r := range c.queues.Items(l) {
			if r.BubbleReport {
				found = r
				break
			}
			c.failRequestLocked(out, r)
		}
		if found != nil {
			break
		}
	}
	if found != nil {
		replay := append(c.queues.Items(queue.Active), c.queues.Items(queue.Wait)...)
		for i := len(replay) - 1; i >= 0; i-- {
			r := replay[i]
			r.ResetForReplay()
			r.Reapply = true
			r.CDMResetBeforeApply = false
			c.queues.MoveToFront(r, queue.Pending)
		}
	}
	// Requests already past the hardware that cannot be replayed are failed.
	for {
		head := c.queues.Head(queue.Pending)
		if head == nil || head.BubbleReport || head.ID >= c.lastAppliedReqID {
			break
		}
		c.failRequestLocked(out, head)
	}
	c.processBubble = false
	c.bubbleFrameCnt = 0

	kind := types.ErrorKindFatal
	if found != nil && info.RecoveryEnabled && c.config.RecoveryEnabled {
		kind = types.ErrorKindBubble
	}
	c.notifyErrorLocked(out, kind, c.lastAppliedReqID)
	if kind == types.ErrorKindFatal {
		recovery := types.RecoveryTypeRecovery
		if info.Type == types.HWErrorCSIDFatal {
			recovery = types.RecoveryTypeFullRecovery
		}
		c.reportRecoveryLocked(out, c.lastAppliedReqID, recovery, info.Type)
	}
	c.setSubstateLocked(types.SubstateHWError, types.TriggerErrorEvent, c.lastAppliedReqID)
	c.logger.Info("Hardware error", "type", info.Type, "classification", kind, "lastApplied", c.lastAppliedReqID,
		"replayed", c.queues.IDs(queue.Pending))
	if kind == types.ErrorKindFatal {
		c.dumpLocked(c.logger.V(logutil.DEFAULT))
	}
	return nil
}
