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

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/metrics"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/queue"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

// outbox collects calls into the fence, scheduler and driver collaborators while the event lock is held. They run,
// in order, after the lock is released.
type outbox struct {
	actions []func() error
}

func (o *outbox) add(fn func() error) {
	o.actions = append(o.actions, fn)
}

func (o *outbox) empty() bool {
	return len(o.actions) == 0
}

// run executes every queued action and aggregates their errors.
func (o *outbox) run() error {
	var errs error
	for _, fn := range o.actions {
		errs = multierr.Append(errs, fn())
	}
	o.actions = nil
	return errs
}

// flushEffects runs the outbox after the event lock has been released and logs any failure.
func (c *Context) flushEffects(out *outbox) {
	if out.empty() {
		return
	}
	if err := out.run(); err != nil {
		c.logger.Error(err, "Deferred side effects failed")
	}
}

// --- Fence effects ---

func (c *Context) signalLocked(out *outbox, id types.FenceID, outcome types.FenceOutcome) {
	fences := c.fences
	out.add(func() error {
		if err := fences.Signal(id, outcome); err != nil {
			return fmt.Errorf("signal fence %d %s: %w", id, outcome, err)
		}
		metrics.RecordFenceSignal(outcome.String())
		return nil
	})
}

// ackOutputLocked marks output i of r as acknowledged and, unless countOnly, consumes its fence with outcome.
func (c *Context) ackOutputLocked(out *outbox, r *queue.Request, i int, outcome types.FenceOutcome, countOnly bool) {
	o := &r.Out[i]
	if o.Acked {
		return
	}
	o.Acked = true
	r.NumAcked++
	if countOnly || o.Consumed {
		return
	}
	o.Consumed = true
	c.signalLocked(out, o.Fence, outcome)
}

// failRequestLocked signals every unconsumed fence of r with an error and returns r to the free list.
func (c *Context) failRequestLocked(out *outbox, r *queue.Request) {
	for i := range r.Out {
		if r.Out[i].Consumed {
			continue
		}
		r.Out[i].Consumed = true
		c.signalLocked(out, r.Out[i].Fence, types.FenceOutcomeError)
	}
	c.queues.Release(r)
}

// --- Scheduler effects ---

func (c *Context) notifyTriggerLocked(out *outbox, point types.TriggerPoint, id types.RequestID) {
	sched := c.sched
	if sched == nil {
		return
	}
	n := contracts.TriggerNotification{
		Link:         c.link.Handle,
		Point:        point,
		FrameID:      c.frameID,
		RequestID:    id,
		SOFTimestamp: c.sofTimestamp,
	}
	out.add(func() error {
		sched.NotifyTrigger(n)
		return nil
	})
}

func (c *Context) notifyErrorLocked(out *outbox, kind types.ErrorKind, id types.RequestID) {
	sched := c.sched
	if sched == nil {
		return
	}
	n := contracts.ErrorNotification{
		Link:         c.link.Handle,
		RequestID:    id,
		Kind:         kind,
		FrameID:      c.frameID,
		Trigger:      types.TriggerSOF,
		SOFTimestamp: c.sofTimestamp,
	}
	out.add(func() error {
		sched.NotifyError(n)
		return nil
	})
}

func (c *Context) notifyStopLocked(out *outbox) {
	sched, link := c.sched, c.link.Handle
	if sched == nil {
		return
	}
	out.add(func() error {
		sched.NotifyStop(link)
		return nil
	})
}

func (c *Context) notifyTimerLocked(out *outbox, enabled bool) {
	tn, ok := c.sched.(contracts.TimerNotifier)
	if !ok {
		return
	}
	link := c.link.Handle
	out.add(func() error {
		tn.NotifyTimer(link, enabled)
		return nil
	})
}

// reportSOFLocked publishes the per-frame timestamp report for request id.
func (c *Context) reportSOFLocked(out *outbox, id types.RequestID, status types.SOFStatus) {
	tn, ok := c.sched.(contracts.TimestampNotifier)
	if !ok {
		return
	}
	r := contracts.SOFReport{
		RequestID:    id,
		FrameID:      c.frameID,
		SOFTimestamp: c.sofTimestamp,
		BootTime:     c.bootTimestamp,
		Status:       status,
	}
	out.add(func() error {
		tn.NotifySOFTimestamp(r)
		return nil
	})
}

func (c *Context) reportRecoveryLocked(out *outbox, id types.RequestID, recovery types.RecoveryType,
	errType types.HWErrorType) {
	en, ok := c.sched.(contracts.ErrorMessageNotifier)
	if !ok {
		return
	}
	m := contracts.RecoveryMessage{RequestID: id, Recovery: recovery, ErrorType: errType}
	out.add(func() error {
		en.NotifyRecovery(m)
		return nil
	})
}

// --- Driver effects ---

func (c *Context) dumpRegistersLocked(out *outbox) {
	hw, h := c.hw, c.hwHandle
	out.add(func() error {
		if err := hw.DumpRegisters(h); err != nil {
			return fmt.Errorf("register dump: %w", err)
		}
		return nil
	})
}

// applyStreamLocked schedules programming of the next stream image once the lock is released.
func (c *Context) applyStreamLocked(out *outbox, next types.Substate) {
	gen := c.streamGen
	out.add(func() error {
		c.applyStreamImage(context.Background(), gen, next)
		return nil
	})
}
