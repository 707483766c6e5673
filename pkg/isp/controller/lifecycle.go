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
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/queue"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

// Start activates the pipeline with the pending INIT request.
func (c *Context) Start(ctx context.Context, handles Handles) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.start(ctx, handles)
}

// start expects opMu to be held.
func (c *Context) start(ctx context.Context, handles Handles) error {
	c.mu.Lock()
	if c.state != types.StateReady && c.state != types.StateFlushed {
		s := c.state
		c.mu.Unlock()
		return invalidState("start", s)
	}
	if handles != c.handles {
		c.mu.Unlock()
		return types.ErrHandleMismatch
	}
	if !c.hwAcquired {
		c.mu.Unlock()
		return types.ErrNoHardwareContext
	}
	req := c.queues.Head(queue.Pending)
	if req == nil || !c.initReceived {
		c.mu.Unlock()
		return types.ErrNoPendingRequest
	}

	prevState := c.state
	startOnly := prevState == types.StateFlushed
	c.resetRuntimeLocked()
	c.stateMon.Reset()
	c.records.Reset()
	prevApplied := c.lastAppliedReqID
	c.lastAppliedReqID = req.ID
	args := contracts.StartArgs{
		Config: contracts.ConfigArgs{
			RequestID:  req.ID,
			Entries:    slices.Clone(req.Entries),
			InitPacket: true,
		},
		StartOnly: startOnly,
	}

	// The INIT configuration is already applied once Start returns: a request with outputs waits for its
	// buffer-dones on the active list, one without is retired as soon as the hardware is running.
	if req.NumOut() == 0 {
		c.queues.Move(req, queue.Wait)
	} else {
		c.queues.Move(req, queue.Active)
	}
	initial := types.SubstateEpoch
	if c.streamMode {
		initial = types.SubstateSOF
		c.pool.Reset()
	}
	c.state = types.StateActivated
	c.setSubstateLocked(initial, types.TriggerApply, req.ID)
	gen := req.Generation()
	hw, h := c.hw, c.hwHandle
	c.mu.Unlock()

	err := hw.Start(ctx, h, args)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = types.StateReady
		c.lastAppliedReqID = prevApplied
		if req.Generation() == gen && (req.List() == queue.Wait || req.List() == queue.Active) {
			c.queues.MoveToFront(req, queue.Pending)
		}
		if errors.Is(err, types.ErrHardwareTimeout) {
			c.dumpLocked(c.logger)
		}
		c.updateQueueMetricsLocked()
		return fmt.Errorf("start hardware (from %s): %w", prevState, err)
	}
	if req.Generation() == gen && req.List() == queue.Wait && req.NumOut() == 0 {
		c.queues.Release(req)
	}
	c.updateQueueMetricsLocked()
	c.logger.Info("Context started", "initRequest", args.Config.RequestID, "startOnly", startOnly,
		"substate", c.substate, "streaming", c.streamMode)
	return nil
}

// Stop halts the pipeline, fails every outstanding request and returns the context to Acquired.
func (c *Context) Stop(ctx context.Context, mode types.StopMode) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.state
	c.mu.Unlock()
	if s != types.StateActivated && s != types.StateFlushed {
		return invalidState("stop", s)
	}
	return c.stop(ctx, &mode)
}

// stop expects opMu to be held. A nil mode means the stop was not requested by the scheduler: the hardware is
// stopped immediately and the scheduler is unlinked as well.
func (c *Context) stop(ctx context.Context, mode *types.StopMode) error {
	c.mu.Lock()
	// Mask further hardware events before touching the hardware.
	c.substate = types.SubstateHalt
	hw, h := c.hw, c.hwHandle
	c.mu.Unlock()

	m := types.StopImmediately
	if mode != nil {
		m = *mode
	}
	stopErr := hw.Stop(ctx, h, m, false)

	var out outbox
	c.mu.Lock()
	c.notifyStopLocked(&out)
	for _, l := range []queue.List{queue.Pending, queue.Wait, queue.Active} {
		for _, r := range c.queues.Items(l) {
			c.failRequestLocked(&out, r)
		}
	}
	if c.pool != nil {
		c.pool.Reset()
	}
	c.streamGen++
	c.resetRuntimeLocked()
	c.stateMon.Reset()
	c.records.Reset()
	c.initReceived = false
	c.lastAppliedReqID = 0
	c.lastFlushReqID = 0
	c.state = types.StateAcquired
	c.substate = types.SubstateSOF
	if mode == nil {
		c.unlinkLocked()
	}
	c.updateQueueMetricsLocked()
	c.mu.Unlock()
	c.flushEffects(&out)

	if stopErr != nil {
		return fmt.Errorf("stop hardware: %w", stopErr)
	}
	c.logger.Info("Context stopped", "mode", m)
	return nil
}

// ProcessLinkEvent forwards a link-level event to the hardware.
func (c *Context) ProcessLinkEvent(ev types.LinkEvent) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s, hw, h := c.state, c.hw, c.hwHandle
	c.mu.Unlock()
	if s != types.StateActivated && s != types.StateFlushed {
		return invalidState("link event "+ev.String(), s)
	}

	var err error
	switch ev {
	case types.LinkEventPause:
		err = hw.Pause(h)
	case types.LinkEventResume:
		err = hw.Resume(h)
	case types.LinkEventSOFFreeze:
		err = hw.EnableSOFDebug(h, true)
	case types.LinkEventError:
	default:
		c.logger.Info("Ignoring unknown link event", "event", ev)
	}
	if err != nil {
		return fmt.Errorf("link event %s: %w", ev, err)
	}
	return nil
}
