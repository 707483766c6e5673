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

package queue

import (
	"time"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

// OutFence is an output binding plus its consumption state.
type OutFence struct {
	types.OutBinding
	// Acked is set once buffer-done for this output has been counted in NumAcked.
	Acked bool
	// Consumed is set once the fence has received its terminal signal from this request.
	Consumed bool
}

// Request is the unit of work: a configuration package, its fence bindings and bookkeeping.
// Requests live in a `Set` arena and are never allocated elsewhere.
type Request struct {
	ID      types.RequestID
	Kind    types.PacketKind
	Entries []types.HWEntry
	Out     []OutFence
	In      []types.FenceID

	// NumAcked counts output bindings acknowledged by buffer-done. It never exceeds len(Out).
	NumAcked int
	// DeferredAcks holds indices into Out whose signal was deferred while the request was in recovery.
	DeferredAcks []int

	BubbleReport        bool
	BubbleDetected      bool
	Reapply             bool
	CDMResetBeforeApply bool

	SubmittedAt time.Time
	AppliedAt   time.Time
	EpochAt     time.Time
	RUPAt       time.Time
	BufDoneAt   time.Time

	// --- Arena bookkeeping ---

	slot int32
	gen  uint32
	list List
	prev int32
	next int32
}

// NumOut is the number of output fence bindings.
func (r *Request) NumOut() int {
	return len(r.Out)
}

// Completed reports whether every output binding has been acknowledged.
func (r *Request) Completed() bool {
	return r.NumAcked == len(r.Out)
}

// Generation changes every time the request object is recycled through the free list.
func (r *Request) Generation() uint32 {
	return r.gen
}

// List returns the list currently owning the request.
func (r *Request) List() List {
	return r.list
}

// IsDeferred reports whether output index i already has a deferred acknowledgement.
func (r *Request) IsDeferred(i int) bool {
	for _, d := range r.DeferredAcks {
		if d == i {
			return true
		}
	}
	return false
}

// UnackedHandles returns the resource handles of outputs that have not been consumed yet.
func (r *Request) UnackedHandles() []uint32 {
	var handles []uint32
	for _, o := range r.Out {
		if !o.Consumed {
			handles = append(handles, o.ResourceHandle)
		}
	}
	return handles
}

// SignalledCount is the number of output bindings that already received their terminal signal.
func (r *Request) SignalledCount() int {
	n := 0
	for _, o := range r.Out {
		if o.Consumed {
			n++
		}
	}
	return n
}

// ResetForReplay clears acknowledgement state so the request can be applied again. Outputs whose fence already
// received its terminal signal stay acknowledged, so a replay never signals them twice.
func (r *Request) ResetForReplay() {
	r.NumAcked = 0
	for i := range r.Out {
		r.Out[i].Acked = r.Out[i].Consumed
		if r.Out[i].Consumed {
			r.NumAcked++
		}
	}
	r.DeferredAcks = r.DeferredAcks[:0]
	r.BubbleDetected = false
}

// Stamp records the time a lifecycle point was reached.
func (r *Request) Stamp(kind types.RecordKind, t time.Time) {
	switch kind {
	case types.RecordSubmit:
		r.SubmittedAt = t
	case types.RecordApply:
		r.AppliedAt = t
	case types.RecordEpoch:
		r.EpochAt = t
	case types.RecordRUP:
		r.RUPAt = t
	case types.RecordBufDone:
		r.BufDoneAt = t
	}
}

// Fill populates a freshly allocated request from a packet.
func (r *Request) Fill(pkt types.Packet, now time.Time) {
	r.ID = pkt.RequestID
	r.Kind = pkt.Kind
	r.Entries = append(r.Entries[:0], pkt.Entries...)
	r.Out = r.Out[:0]
	for _, b := range pkt.Out {
		r.Out = append(r.Out, OutFence{OutBinding: b})
	}
	r.In = append(r.In[:0], pkt.In...)
	r.SubmittedAt = now
}

func (r *Request) reset() {
	r.ID = 0
	r.Kind = types.PacketUpdate
	r.Entries = r.Entries[:0]
	r.Out = r.Out[:0]
	r.In = r.In[:0]
	r.NumAcked = 0
	r.DeferredAcks = r.DeferredAcks[:0]
	r.BubbleReport = false
	r.BubbleDetected = false
	r.Reapply = false
	r.CDMResetBeforeApply = false
	r.SubmittedAt = time.Time{}
	r.AppliedAt = time.Time{}
	r.EpochAt = time.Time{}
	r.RUPAt = time.Time{}
	r.BufDoneAt = time.Time{}
}
