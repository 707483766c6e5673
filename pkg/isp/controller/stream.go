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
	"slices"
	"time"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/queue"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/stream"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

// SetStreamMode switches the context to the streaming sub-mode, in which a fixed set of pre-built images is cycled
// by the context itself instead of being applied by the scheduler.
func (c *Context) SetStreamMode(specs []types.StreamImageSpec) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.StateAcquired {
		return invalidState("set stream mode", c.state)
	}
	if c.streamMode {
		return types.ErrStreamModeSet
	}
	pool, err := stream.NewPool(specs, c.config.MaxStreamImages, c.clock)
	if err != nil {
		return err
	}
	c.pool = pool
	c.streamMode = true
	c.logger.V(logutil.DEFAULT).Info("Streaming sub-mode enabled", "images", len(specs))
	return nil
}

func (c *Context) streamPool() (*stream.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.streamMode || c.pool == nil {
		return nil, fmt.Errorf("%w: not in streaming sub-mode", types.ErrInvalidState)
	}
	return c.pool, nil
}

// GetImage returns the oldest completed stream image, waiting up to timeout for one.
func (c *Context) GetImage(timeout time.Duration) (types.StreamImage, error) {
	pool, err := c.streamPool()
	if err != nil {
		return types.StreamImage{}, err
	}
	return pool.Get(timeout)
}

// ReturnImages hands images obtained from GetImage back to the pool.
func (c *Context) ReturnImages(ids ...int64) error {
	pool, err := c.streamPool()
	if err != nil {
		return err
	}
	return pool.Return(ids...)
}

// enterRecoveryLocked drops every in-flight image and waits out one frame per dropped image, plus one, before
// applying again.
func (c *Context) enterRecoveryLocked(reason string) {
	n := c.pool.Recover()
	c.recoveryFrames = 1 + n
	c.logger.V(logutil.DEFAULT).Info("Stream recovery", "reason", reason, "droppedImages", n,
		"recoveryFrames", c.recoveryFrames)
	c.setSubstateLocked(types.SubstateBubble, types.TriggerSOFEvent, 0)
}

// applyStreamImage programs the next stream image. It runs with the event lock released; gen ties it to the
// activation it was scheduled in.
func (c *Context) applyStreamImage(ctx context.Context, gen uint64, next types.Substate) {
	c.mu.Lock()
	if gen != c.streamGen || !c.streamMode || c.state != types.StateActivated || c.substate != types.SubstateSOF {
		c.mu.Unlock()
		return
	}
	if n := c.activeCountLocked(); n > c.config.MaxActiveRequests {
		c.enterRecoveryLocked(fmt.Sprintf("congestion: %d images active", n))
		c.mu.Unlock()
		return
	}
	img, err := c.pool.TakeForApply()
	if err != nil {
		c.logger.Error(err, "No stream image to apply")
		c.enterRecoveryLocked("no image")
		c.mu.Unlock()
		return
	}
	args := contracts.ConfigArgs{Entries: slices.Clone(img.Spec.Entries)}
	hw, h := c.hw, c.hwHandle
	c.mu.Unlock()

	err = hw.Config(ctx, h, args)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case gen != c.streamGen || c.substate != types.SubstateSOF:
		c.pool.Discard(img)
	case err != nil:
		c.pool.Discard(img)
		c.logger.Error(err, "Stream image apply failed", "imageID", img.Spec.ImageID)
		c.enterRecoveryLocked("apply failed")
	default:
		c.pool.SetApplied(img)
		c.setSubstateLocked(next, types.TriggerApply, 0)
	}
}

func (c *Context) onStreamSOF(ev types.Event, _ bubbleQuery, out *outbox) error {
	c.recordSOFLocked(ev)
	c.applyStreamLocked(out, types.SubstateApplied)
	return nil
}

func (c *Context) onStreamSOFApplied(ev types.Event, _ bubbleQuery, _ *outbox) error {
	c.recordSOFLocked(ev)
	c.setSubstateLocked(types.SubstateBubbleApplied, types.TriggerSOFEvent, 0)
	return nil
}

func (c *Context) onStreamUnexpected(ev types.Event, _ bubbleQuery, _ *outbox) error {
	if ev.Kind == types.EventSOF {
		c.recordSOFLocked(ev)
	}
	c.enterRecoveryLocked(fmt.Sprintf("unexpected %s in %s", ev.Kind, c.substate))
	return nil
}

func (c *Context) onStreamRUP(_ types.Event, _ bubbleQuery, out *outbox) error {
	c.setSubstateLocked(types.SubstateSOF, types.TriggerRUPEvent, 0)
	if head := c.queues.Head(queue.Wait); head != nil {
		c.queues.Release(head)
	} else if !c.pool.Activate(c.frameID, c.sofTimestamp) {
		c.enterRecoveryLocked("register update without an applied image")
		return nil
	}
	c.applyStreamLocked(out, types.SubstateApplied)
	return nil
}

func (c *Context) onStreamRecoverySOF(ev types.Event, _ bubbleQuery, _ *outbox) error {
	c.recordSOFLocked(ev)
	c.recoveryFrames--
	if c.recoveryFrames <= 0 {
		c.recoveryFrames = 0
		c.setSubstateLocked(types.SubstateSOF, types.TriggerSOFEvent, 0)
	}
	return nil
}

func (c *Context) onStreamBufDone(ev types.Event, _ bubbleQuery, _ *outbox) error {
	img, ok := c.pool.Complete(ev.Timestamp)
	if !ok {
		c.logger.V(logutil.DEBUG).Info("Buffer done without an active stream image", "substate", c.substate)
		return nil
	}
	c.logger.V(logutil.TRACE).Info("Stream image ready", "imageID", img.Spec.ImageID, "frame", img.FrameNum)
	return nil
}
