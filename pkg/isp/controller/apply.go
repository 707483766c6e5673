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
	"slices"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/metrics"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/queue"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

// ApplyRequest is the scheduler's instruction to program the next request.
type ApplyRequest struct {
	RequestID types.RequestID
	// ReportIfBubble asks for a bubble notification, and a replay, if the request misses its frame.
	ReportIfBubble bool
	// ReApply marks a scheduler retry. Retries at or below the last applied id are ignored.
	ReApply bool
}

// nextAfterApply maps the sub-states that accept apply to the sub-state entered once the hardware accepts it.
func nextAfterApply(s types.Substate) (types.Substate, bool) {
	switch s {
	case types.SubstateSOF, types.SubstateEpoch:
		return types.SubstateApplied, true
	case types.SubstateBubble:
		return types.SubstateBubbleApplied, true
	default:
		return s, false
	}
}

// checkApplyLocked returns the pending head to apply, nil for an ignored retry, or the rejection.
func (c *Context) checkApplyLocked(req ApplyRequest) (*queue.Request, string, error) {
	if c.state != types.StateActivated {
		return nil, metrics.ApplyResultRejected, invalidState("apply", c.state)
	}
	if c.streamMode {
		return nil, metrics.ApplyResultRejected, fmt.Errorf("%w: streaming sub-mode", types.ErrApplyNotAllowed)
	}
	if c.processBubble {
		return nil, metrics.ApplyResultRejected, fmt.Errorf("request %d: %w", req.RequestID,
			types.ErrBubbleInProgress)
	}
	if req.ReApply && req.RequestID <= c.lastAppliedReqID {
		return nil, "", nil
	}
	if n := c.activeCountLocked(); n >= c.config.MaxActiveRequests {
		return nil, metrics.ApplyResultBackpressed, fmt.Errorf("request %d: %w (%d active)", req.RequestID,
			types.ErrBackpressure, n)
	}
	if _, ok := nextAfterApply(c.substate); !ok {
		return nil, metrics.ApplyResultRejected, fmt.Errorf("%w: %s", types.ErrApplyNotAllowed, c.substate)
	}
	head := c.queues.Head(queue.Pending)
	if head == nil {
		return nil, metrics.ApplyResultRejected, fmt.Errorf("request %d: %w", req.RequestID,
			types.ErrNoPendingRequest)
	}
	if head.ID != req.RequestID {
		return nil, metrics.ApplyResultRejected, fmt.Errorf("%w: want %d, head is %d", types.ErrOutOfOrderApply,
			req.RequestID, head.ID)
	}
	return head, "", nil
}

// Apply programs the pending head into the hardware.
//
// The hardware call is made without the event lock. Once it returns, the request is committed only if it is still
// the same request on the pending list; events that arrived meanwhile keep their effect.
func (c *Context) Apply(ctx context.Context, req ApplyRequest) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	r, result, err := c.checkApplyLocked(req)
	if err != nil {
		if head := c.queues.Head(queue.Active); result == metrics.ApplyResultBackpressed && head != nil {
			c.logger.V(logutil.DEFAULT).Info("Apply backpressured", "requestID", req.RequestID,
				"activeHead", head.ID, "unacked", head.UnackedHandles())
		}
		c.mu.Unlock()
		metrics.RecordApply(result)
		c.logger.V(logutil.VERBOSE).Info("Apply rejected", "requestID", req.RequestID, "reason", err)
		return err
	}
	if r == nil {
		c.mu.Unlock()
		c.logger.V(logutil.DEBUG).Info("Ignoring re-apply of an applied request", "requestID", req.RequestID)
		return nil
	}
	r.BubbleReport = req.ReportIfBubble
	args := contracts.ConfigArgs{
		RequestID:           r.ID,
		Entries:             slices.Clone(r.Entries),
		Reapply:             r.Reapply,
		CDMResetBeforeApply: r.CDMResetBeforeApply,
	}
	gen := r.Generation()
	hw, h := c.hw, c.hwHandle
	c.mu.Unlock()

	err = hw.Config(ctx, h, args)

	c.mu.Lock()
	defer func() {
		c.updateQueueMetricsLocked()
		c.mu.Unlock()
	}()
	stillPending := r.Generation() == gen && r.List() == queue.Pending

	switch {
	case err == nil:
		next, ok := nextAfterApply(c.substate)
		if !stillPending || !ok {
			c.logger.Info("Request changed while being applied; not committing", "requestID", req.RequestID,
				"substate", c.substate)
			metrics.RecordApply(metrics.ApplyResultRejected)
			return fmt.Errorf("%w: request %d changed during apply", types.ErrInvalidState, req.RequestID)
		}
		c.lastAppliedReqID = r.ID
		c.queues.Move(r, queue.Wait)
		c.recordLocked(types.RecordApply, r)
		c.setSubstateLocked(next, types.TriggerApply, r.ID)
		metrics.RecordApply(metrics.ApplyResultSuccess)
		return nil

	case errors.Is(err, types.ErrHardwareBusy):
		// The hardware is still consuming the previous configuration: treat the request as bubbled so the next
		// frame decides whether it has to be replayed.
		if stillPending {
			r.BubbleDetected = true
			r.CDMResetBeforeApply = false
			c.processBubble = true
			c.queues.MoveToFront(r, queue.Active)
		}
		metrics.RecordApply(metrics.ApplyResultBusy)
		c.logger.V(logutil.DEFAULT).Info("Hardware busy on apply; request marked bubbled", "requestID", req.RequestID)
		return fmt.Errorf("apply request %d: %w", req.RequestID, err)

	default:
		metrics.RecordApply(metrics.ApplyResultHWError)
		c.logger.Error(err, "Hardware rejected configuration", "requestID", req.RequestID)
		return fmt.Errorf("apply request %d: %w", req.RequestID, err)
	}
}
