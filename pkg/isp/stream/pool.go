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

// Package stream implements the fixed-size image pool of the streaming sub-mode.
//
// Images cycle free -> applied -> active -> ready -> user -> free. At most one image is applied at a time. A single
// user-space reader may wait for the next ready image with a timeout.
//
// # Concurrency
//
// `Pool` is goroutine-safe. The context calls it while holding its own lock; `Pool` never calls back into the context,
// so the lock order is always context then pool.
package stream

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

// Image is one pool entry.
type Image struct {
	Spec         types.StreamImageSpec
	FrameNum     uint64
	Timestamp    uint64
	SOFTimestamp uint64
}

// Counts is the number of images in each stage.
type Counts struct {
	Free    int
	Applied int
	Active  int
	Ready   int
	User    int
}

// Pool holds every stream image of one context.
type Pool struct {
	clock clock.Clock

	mu      sync.Mutex
	free    []*Image
	applied *Image
	active  []*Image
	ready   []*Image
	user    []*Image
	waiting bool
	wake    chan struct{}
}

// NewPool validates the image specs and builds a pool with every image free.
func NewPool(specs []types.StreamImageSpec, maxImages int, clk clock.Clock) (*Pool, error) {
	if len(specs) == 0 || len(specs) > maxImages {
		return nil, fmt.Errorf("%w: %d stream images, want 1..%d", types.ErrInvalidPacket, len(specs), maxImages)
	}
	ids := sets.New[int64]()
	p := &Pool{
		clock: clk,
		wake:  make(chan struct{}, 1),
	}
	for _, spec := range specs {
		if ids.Has(spec.ImageID) {
			return nil, fmt.Errorf("%w: duplicate stream image id %d", types.ErrInvalidPacket, spec.ImageID)
		}
		if len(spec.In) != 0 {
			return nil, fmt.Errorf("%w: stream image %d has input fences", types.ErrInvalidPacket, spec.ImageID)
		}
		ids.Insert(spec.ImageID)
		img := &Image{Spec: spec}
		p.free = append(p.free, img)
	}
	return p, nil
}

// Counts returns the current stage populations.
func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := Counts{Free: len(p.free), Active: len(p.active), Ready: len(p.ready), User: len(p.user)}
	if p.applied != nil {
		c.Applied = 1
	}
	return c
}

// TakeForApply removes the next image to program: a free one, else the oldest ready one unless it is the only ready
// image (the reader would otherwise starve).
func (p *Pool) TakeForApply() (*Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) > 0 {
		img := p.free[0]
		p.free = p.free[1:]
		return img, nil
	}
	if len(p.ready) > 1 {
		img := p.ready[0]
		p.ready = p.ready[1:]
		return img, nil
	}
	return nil, types.ErrNoStreamImage
}

// SetApplied records img as the image the hardware is about to latch. Any previously applied image returns to free.
func (p *Pool) SetApplied(img *Image) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applied != nil {
		p.free = append(p.free, p.applied)
	}
	p.applied = img
}

// Discard returns an image taken by TakeForApply to the free list.
func (p *Pool) Discard(img *Image) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, img)
}

// HasApplied reports whether an image is applied and not yet active.
func (p *Pool) HasApplied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied != nil
}

// Activate moves the applied image to active, stamping the frame it will be written in.
func (p *Pool) Activate(frameNum, sofTimestamp uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applied == nil {
		return false
	}
	img := p.applied
	p.applied = nil
	img.FrameNum = frameNum
	img.SOFTimestamp = sofTimestamp
	p.active = append(p.active, img)
	return true
}

// Complete moves the oldest active image to ready and wakes the reader if ready was empty.
func (p *Pool) Complete(timestamp uint64) (*Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.active) == 0 {
		return nil, false
	}
	img := p.active[0]
	p.active = p.active[1:]
	img.Timestamp = timestamp
	wasEmpty := len(p.ready) == 0
	p.ready = append(p.ready, img)
	if wasEmpty {
		p.signalLocked()
	}
	return img, true
}

// Recover returns every active and applied image to free and reports how many moved.
func (p *Pool) Recover() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.active)
	p.free = append(p.free, p.active...)
	p.active = nil
	if p.applied != nil {
		p.free = append(p.free, p.applied)
		p.applied = nil
		n++
	}
	return n
}

// Reset returns active, applied and ready images to free and wakes the reader. User-owned images stay with the user.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, p.active...)
	p.free = append(p.free, p.ready...)
	p.active, p.ready = nil, nil
	if p.applied != nil {
		p.free = append(p.free, p.applied)
		p.applied = nil
	}
	p.signalLocked()
}

func (p *Pool) signalLocked() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) popReadyLocked() types.StreamImage {
	img := p.ready[0]
	p.ready = p.ready[1:]
	p.user = append(p.user, img)
	return types.StreamImage{
		ImageID:      img.Spec.ImageID,
		FrameNum:     img.FrameNum,
		Timestamp:    img.Timestamp,
		SOFTimestamp: img.SOFTimestamp,
	}
}

// Get hands the oldest ready image to the user, waiting up to timeout for one. Only one caller may wait at a time.
func (p *Pool) Get(timeout time.Duration) (types.StreamImage, error) {
	p.mu.Lock()
	if p.waiting {
		p.mu.Unlock()
		return types.StreamImage{}, types.ErrStreamPoolBusy
	}
	if len(p.ready) > 0 {
		img := p.popReadyLocked()
		p.mu.Unlock()
		return img, nil
	}
	if len(p.free) == 0 && len(p.active) == 0 && p.applied == nil {
		p.mu.Unlock()
		return types.StreamImage{}, types.ErrStreamImagesHeld
	}
	p.waiting = true
	select {
	case <-p.wake:
	default:
	}
	p.mu.Unlock()

	timedOut := false
	select {
	case <-p.wake:
	case <-p.clock.After(timeout):
		timedOut = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.waiting = false
	if len(p.ready) > 0 {
		return p.popReadyLocked(), nil
	}
	if timedOut {
		return types.StreamImage{}, fmt.Errorf("%w after %v", types.ErrStreamWaitTimeout, timeout)
	}
	return types.StreamImage{}, fmt.Errorf("%w: woken with no ready image", types.ErrInvalidState)
}

// Return hands user-owned images back to the pool. Unknown ids are reported but do not stop the others.
func (p *Pool) Return(ids ...int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	for _, id := range ids {
		idx := -1
		for i, img := range p.user {
			if img.Spec.ImageID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: %d", types.ErrUnknownImage, id))
			continue
		}
		img := p.user[idx]
		p.user = append(p.user[:idx], p.user[idx+1:]...)
		img.FrameNum, img.Timestamp, img.SOFTimestamp = 0, 0, 0
		p.free = append(p.free, img)
	}
	return errs
}
