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
	"fmt"

	"go.uber.org/multierr"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/metrics"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/queue"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

// flushListLocked fails the requests of list l selected by req. A cancel-one flush against an empty list is an
// error; a cancel-one flush for an id that is not on a non-empty list is not.
func (c *Context) flushListLocked(out *outbox, l queue.List, req types.FlushRequest) error {
	if c.queues.Empty(l) {
		if req.Type == types.FlushCancelOne {
			return fmt.Errorf("%w: %s list is empty", types.ErrNoRequestToCancel, l)
		}
		return nil
	}
	for _, r := range c.queues.Items(l) {
		if req.Type == types.FlushCancelOne && r.ID != req.RequestID {
			continue
		}
		r.Reapply = false
		r.CDMResetBeforeApply = false
		c.failRequestLocked(out, r)
		if req.Type == types.FlushCancelOne {
			return nil
		}
	}
	if req.Type == types.FlushCancelOne {
		c.logger.V(logutil.DEBUG).Info("Request to cancel not found", "requestID", req.RequestID, "list", l)
	}
	return nil
}

// Flush fails queued requests on the scheduler's request.
//
// A cancel-one flush only ever touches the pending list. A flush-all before activation clears the pending list and
// returns the context to Acquired. A flush-all while activated also stops the hardware, fails the wait and active
// lists, resets the hardware and leaves the context Flushed until a new INIT packet arrives. Flush returns once the
// hardware has confirmed the stop.
func (c *Context) Flush(ctx context.Context, req types.FlushRequest) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	var out outbox
	c.mu.Lock()
	s := c.state
	switch s {
	case types.StateAcquired, types.StateReady, types.StateActivated:
	default:
		c.mu.Unlock()
		return invalidState("flush", s)
	}
	metrics.RecordFlush(req.Type.String())

	pendingErr := c.flushListLocked(&out, queue.Pending, req)
	if req.Type == types.FlushCancelOne || s != types.StateActivated {
		if s == types.StateReady && (req.Type == types.FlushAll || c.queues.Empty(queue.Pending)) {
			c.state = types.StateAcquired
			c.initReceived = false
		}
		if s == types.StateAcquired && req.Type == types.FlushAll {
			c.initReceived = false
		}
		c.processBubble = false
		c.bubbleFrameCnt = 0
		c.updateQueueMetricsLocked()
		c.mu.Unlock()
		c.flushEffects(&out)
		return pendingErr
	}

	c.state = types.StateFlushed
	c.setSubstateLocked(types.SubstateHalt, types.TriggerFlush, req.RequestID)
	c.lastFlushReqID = req.RequestID
	if c.pool != nil {
		c.pool.Reset()
	}
	c.streamGen++
	c.notifyTimerLocked(&out, false)
	hw, h := c.hw, c.hwHandle
	c.mu.Unlock()
	c.flushEffects(&out)
	c.logger.Info("Flushing all requests", "lastFlushRequest", req.RequestID)

	if err := hw.DumpRegisters(h); err != nil {
		c.logger.V(logutil.DEFAULT).Info("Register dump before flush failed", "err", err.Error())
	}
	var errs error
	if err := hw.Stop(ctx, h, types.StopImmediately, true); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("stop hardware for flush: %w", err))
	}

	c.mu.Lock()
	errs = multierr.Append(errs, c.flushListLocked(&out, queue.Wait, req))
	errs = multierr.Append(errs, c.flushListLocked(&out, queue.Active, req))
	// Requests that raced in between the first pass and the stop.
	errs = multierr.Append(errs, c.flushListLocked(&out, queue.Pending, req))
	c.processBubble = false
	c.bubbleFrameCnt = 0
	c.initReceived = false
	c.updateQueueMetricsLocked()
	c.mu.Unlock()
	c.flushEffects(&out)

	if err := hw.Reset(ctx, h); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("reset hardware after flush: %w", err))
	}
	return multierr.Append(pendingErr, errs)
}
