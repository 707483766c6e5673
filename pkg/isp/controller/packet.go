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

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/queue"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

// validatePacket performs the checks that do not depend on context state.
func (c *Context) validatePacket(pkt types.Packet) error {
	if pkt.Kind == types.PacketUpdate && pkt.RequestID == 0 {
		return fmt.Errorf("%w: update packet with zero request id", types.ErrInvalidPacket)
	}
	if len(pkt.Entries) > c.config.MaxConfigEntries {
		return fmt.Errorf("%w: %d config entries, limit %d", types.ErrInvalidPacket, len(pkt.Entries),
			c.config.MaxConfigEntries)
	}
	if len(pkt.Out) > c.config.MaxOutputs {
		return fmt.Errorf("%w: %d output bindings, limit %d", types.ErrInvalidPacket, len(pkt.Out),
			c.config.MaxOutputs)
	}
	handles := sets.New[uint32]()
	for _, b := range pkt.Out {
		if handles.Has(b.ResourceHandle) {
			return fmt.Errorf("%w: duplicate output resource %d", types.ErrInvalidPacket, b.ResourceHandle)
		}
		handles.Insert(b.ResourceHandle)
	}
	return nil
}

// takeRefs acquires one reference per output fence. On failure every reference taken so far is released.
func (c *Context) takeRefs(out []types.OutBinding) ([]types.FenceID, error) {
	taken := make([]types.FenceID, 0, len(out))
	for _, b := range out {
		if err := c.fences.GetRef(b.Fence); err != nil {
			c.putRefs(taken)
			return nil, fmt.Errorf("%w: reference output fence %d: %w", types.ErrInvalidPacket, b.Fence, err)
		}
		taken = append(taken, b.Fence)
	}
	return taken, nil
}

func (c *Context) putRefs(ids []types.FenceID) {
	for _, id := range ids {
		if err := c.fences.PutRef(id); err != nil {
			c.logger.Error(err, "Failed to release fence reference", "fence", id)
		}
	}
}

// admitLocked checks whether pkt may be queued in the current state.
func (c *Context) admitLocked(pkt types.Packet) error {
	switch pkt.Kind {
	case types.PacketInit:
		if c.state < types.StateAcquired || c.state >= types.StateActivated {
			return invalidState("INIT packet", c.state)
		}
	default:
		if c.state != types.StateReady && c.state != types.StateActivated {
			return invalidState(fmt.Sprintf("update %d", pkt.RequestID), c.state)
		}
		if pkt.RequestID <= c.lastFlushReqID {
			return fmt.Errorf("%w: request %d, last flushed %d", types.ErrRequestFlushed, pkt.RequestID,
				c.lastFlushReqID)
		}
		for _, l := range []queue.List{queue.Pending, queue.Wait, queue.Active} {
			if c.queues.Find(l, pkt.RequestID) != nil {
				return fmt.Errorf("%w: request %d already queued on %s", types.ErrInvalidPacket, pkt.RequestID, l)
			}
		}
	}
	if c.queues.Empty(queue.Free) {
		return fmt.Errorf("request %d: %w", pkt.RequestID, queue.ErrPoolExhausted)
	}
	return nil
}

// SubmitPacket queues a prepared configuration packet.
//
// An UPDATE packet is announced to the scheduler and inserted into the pending list in ascending id order. An INIT
// packet is merged into a pending INIT request when possible. Submitting INIT in the Flushed state resumes the
// hardware and restarts the pipeline. One reference is taken on every output fence; it is consumed when the context
// signals the fence.
func (c *Context) SubmitPacket(ctx context.Context, pkt types.Packet) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.validatePacket(pkt); err != nil {
		return err
	}
	refs, err := c.takeRefs(pkt.Out)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.admitLocked(pkt); err != nil {
		c.mu.Unlock()
		c.putRefs(refs)
		return err
	}
	sched, link := c.sched, c.link.Handle
	c.mu.Unlock()

	if pkt.Kind == types.PacketUpdate {
		if sched == nil {
			c.putRefs(refs)
			return fmt.Errorf("update %d: %w", pkt.RequestID, types.ErrNotLinked)
		}
		if err := sched.AddRequest(link, pkt.RequestID); err != nil {
			c.putRefs(refs)
			return fmt.Errorf("add request %d to scheduler: %w", pkt.RequestID, err)
		}
	}

	c.mu.Lock()
	r, err := c.queues.Allocate()
	if err != nil {
		c.mu.Unlock()
		c.putRefs(refs)
		return err
	}
	r.Fill(pkt, c.clock.Now())

	if pkt.Kind == types.PacketUpdate {
		if err := c.queues.EnqueueOrdered(r); err != nil {
			c.queues.Release(r)
			c.mu.Unlock()
			c.putRefs(refs)
			return fmt.Errorf("%w: %w", types.ErrInvalidPacket, err)
		}
		c.records.Record(types.RecordSubmit, r.ID, r.SubmittedAt)
		c.updateQueueMetricsLocked()
		c.mu.Unlock()
		c.logger.V(logutil.TRACE).Info("Update request queued", "requestID", pkt.RequestID, "outputs", len(pkt.Out))
		return nil
	}

	merged, err := c.queues.EnqueueInit(r, c.config.MaxConfigEntries)
	if err != nil {
		c.queues.Release(r)
		c.mu.Unlock()
		c.putRefs(refs)
		return err
	}
	c.records.Record(types.RecordSubmit, pkt.RequestID, c.clock.Now())
	c.initReceived = true
	restart := c.state == types.StateFlushed
	if c.state == types.StateAcquired && c.sched != nil {
		c.state = types.StateReady
	}
	handles, hw, h := c.handles, c.hw, c.hwHandle
	c.updateQueueMetricsLocked()
	c.mu.Unlock()
	c.logger.V(logutil.VERBOSE).Info("INIT request queued", "requestID", pkt.RequestID, "merged", merged)

	if !restart {
		return nil
	}
	if err := hw.Resume(h); err != nil {
		return fmt.Errorf("resume hardware after flush: %w", err)
	}
	return c.start(ctx, handles)
}
