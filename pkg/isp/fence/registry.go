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

// Package fence implements an in-process fence primitive: reference-counted, single-signal synchronization objects
// addressed by generation-checked handles.
//
// A fence starts Active with zero references. `GetRef` takes a lifetime reference and `Signal` consumes one; a
// signal becomes terminal only when it drops the count to zero (or when no reference is held at all). Registered
// callbacks run on the registry's worker goroutine (see `Run`), or synchronously if the fence is already terminal at
// registration.
//
// Handles encode a slot index and a generation. Destroying a fence bumps the slot's generation, so a stale handle can
// never alias a reused slot. For `TombstoneTTL` after destruction the stale handle answers `ErrAlreadySignalled`,
// which lets late signallers distinguish "too late" from "never existed".
package fence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
	"k8s.io/utils/clock"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/metrics"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

// Callback is invoked once when a fence reaches a terminal outcome.
type Callback func(id types.FenceID, outcome types.FenceOutcome)

type slot struct {
	gen       uint32
	inUse     bool
	name      string
	refs      int
	outcome   types.FenceOutcome
	callbacks []Callback
}

type callbackJob struct {
	cb      Callback
	id      types.FenceID
	outcome types.FenceOutcome
}

// Registry owns every fence. All methods are goroutine-safe.
type Registry struct {
	// --- Immutable dependencies (set at construction) ---

	config Config
	logger logr.Logger
	clock  clock.WithTicker

	// --- Fence table (guarded by mu) ---

	mu    sync.Mutex
	slots []slot
	free  []uint32
	live  int

	tombstones *ttlcache.Cache[types.FenceID, types.FenceOutcome]

	// --- Callback queue (guarded by jobsMu) ---

	jobsMu sync.Mutex
	jobs   []callbackJob
	wake   chan struct{}
}

var _ contracts.FenceSignaller = &Registry{}

// RegistryOption applies a configuration change to a `Registry`.
type RegistryOption func(*Registry)

// WithClock injects the clock driving tombstone eviction.
func WithClock(c clock.WithTicker) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// NewRegistry creates an empty registry. Callbacks are not delivered until `Run` is called, unless
// `TriggerWithoutSwitch` is set.
func NewRegistry(config Config, logger logr.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		config: config,
		logger: logger.WithName("fence-registry"),
		clock:  clock.RealClock{},
		jobs:   make([]callbackJob, 0, config.CallbackQueueSize),
		wake:   make(chan struct{}, 1),
	}
	if config.TombstoneTTL > 0 {
		r.tombstones = ttlcache.New[types.FenceID, types.FenceOutcome](
			ttlcache.WithTTL[types.FenceID, types.FenceOutcome](config.TombstoneTTL),
			ttlcache.WithDisableTouchOnHit[types.FenceID, types.FenceOutcome](),
		)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func makeID(index int, gen uint32) types.FenceID {
	return types.FenceID(uint64(gen)<<32 | uint64(index+1))
}

func splitID(id types.FenceID) (int, uint32) {
	return int(uint32(id)) - 1, uint32(uint64(id) >> 32)
}

// lookupLocked resolves a handle to its live slot. r.mu must be held.
func (r *Registry) lookupLocked(id types.FenceID) (*slot, error) {
	if id == types.InvalidFence {
		return nil, fmt.Errorf("%w: zero handle", types.ErrInvalidFence)
	}
	index, gen := splitID(id)
	if index < 0 || index >= len(r.slots) {
		return nil, fmt.Errorf("%w: handle %#x out of range", types.ErrInvalidFence, uint64(id))
	}
	s := &r.slots[index]
	if !s.inUse || s.gen != gen {
		if r.tombstones != nil && r.tombstones.Get(id) != nil {
			return nil, fmt.Errorf("%w: handle %#x was destroyed", types.ErrAlreadySignalled, uint64(id))
		}
		return nil, fmt.Errorf("%w: stale handle %#x", types.ErrInvalidFence, uint64(id))
	}
	return s, nil
}

// Create allocates a new Active fence with zero references.
func (r *Registry) Create(name string) types.FenceID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var index int
	if n := len(r.free); n > 0 {
		index = int(r.free[n-1])
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{gen: 1})
		index = len(r.slots) - 1
	}
	s := &r.slots[index]
	s.inUse = true
	s.name = name
	s.refs = 0
	s.outcome = types.FenceOutcomeActive
	s.callbacks = nil
	r.live++

	id := makeID(index, s.gen)
	r.logger.V(logutil.TRACE).Info("Fence created", "fence", uint64(id), "name", name)
	return id
}

// GetRef takes a lifetime reference on an Active fence.
func (r *Registry) GetRef(id types.FenceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if s.outcome.IsTerminal() {
		return fmt.Errorf("%w: fence %q is %s", types.ErrAlreadySignalled, s.name, s.outcome)
	}
	s.refs++
	return nil
}

// PutRef drops a reference without signalling.
func (r *Registry) PutRef(id types.FenceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	if s.refs == 0 {
		return fmt.Errorf("%w: fence %q", types.ErrNoReference, s.name)
	}
	s.refs--
	return nil
}

// Signal consumes one reference and, if it was the last (or none was held), moves the fence to the terminal outcome
// and schedules its callbacks. The outcome of the signal that reaches zero wins.
func (r *Registry) Signal(id types.FenceID, outcome types.FenceOutcome) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("%w: %s", types.ErrInvalidOutcome, outcome)
	}

	r.mu.Lock()
	s, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if s.outcome.IsTerminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: fence %q is %s", types.ErrAlreadySignalled, s.name, s.outcome)
	}
	if s.refs > 1 {
		s.refs--
		r.mu.Unlock()
		return nil
	}
	s.refs = 0
	s.outcome = outcome
	cbs := s.callbacks
	s.callbacks = nil
	name := s.name
	r.mu.Unlock()

	r.logger.V(logutil.TRACE).Info("Fence signalled", "fence", uint64(id), "name", name, "outcome", outcome)
	metrics.RecordFenceSignal(outcome.String())
	r.dispatch(id, outcome, cbs)
	return nil
}

// RegisterCallback arranges for cb to run when the fence becomes terminal. If it already is, cb runs synchronously
// before RegisterCallback returns.
func (r *Registry) RegisterCallback(id types.FenceID, cb Callback) error {
	if cb == nil {
		return errors.New("callback cannot be nil")
	}
	r.mu.Lock()
	s, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if s.outcome.IsTerminal() {
		outcome := s.outcome
		r.mu.Unlock()
		cb(id, outcome)
		return nil
	}
	s.callbacks = append(s.callbacks, cb)
	r.mu.Unlock()
	return nil
}

// Destroy releases the fence's slot. An Active fence is cancelled first so its callbacks still fire exactly once.
func (r *Registry) Destroy(id types.FenceID) error {
	r.mu.Lock()
	s, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	var cbs []Callback
	outcome := s.outcome
	if !outcome.IsTerminal() {
		outcome = types.FenceOutcomeCancel
		cbs = s.callbacks
	}
	index, _ := splitID(id)
	s.inUse = false
	s.callbacks = nil
	s.refs = 0
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	r.free = append(r.free, uint32(index))
	r.live--
	if r.tombstones != nil {
		r.tombstones.Set(id, outcome, ttlcache.DefaultTTL)
	}
	r.mu.Unlock()

	if len(cbs) > 0 {
		metrics.RecordFenceSignal(outcome.String())
	}
	r.dispatch(id, outcome, cbs)
	return nil
}

// State returns the fence's current outcome and reference count.
func (r *Registry) State(id types.FenceID) (types.FenceOutcome, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookupLocked(id)
	if err != nil {
		return types.FenceOutcomeActive, 0, err
	}
	return s.outcome, s.refs, nil
}

// Len returns the number of live (not destroyed) fences.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// Wait blocks until the fence becomes terminal or ctx is done.
func (r *Registry) Wait(ctx context.Context, id types.FenceID) (types.FenceOutcome, error) {
	done := make(chan types.FenceOutcome, 1)
	if err := r.RegisterCallback(id, func(_ types.FenceID, o types.FenceOutcome) { done <- o }); err != nil {
		return types.FenceOutcomeActive, err
	}
	select {
	case o := <-done:
		return o, nil
	case <-ctx.Done():
		return types.FenceOutcomeActive, ctx.Err()
	}
}

// Merge creates a fence that becomes terminal once every input is terminal. It succeeds only if every input
// succeeded; otherwise it carries Error.
func (r *Registry) Merge(name string, ids ...types.FenceID) (types.FenceID, error) {
	if len(ids) == 0 {
		return types.InvalidFence, fmt.Errorf("%w: merge needs at least one fence", types.ErrInvalidFence)
	}
	merged := r.Create(name)

	var mu sync.Mutex
	remaining := len(ids)
	result := types.FenceOutcomeSuccess
	child := func(_ types.FenceID, o types.FenceOutcome) {
		mu.Lock()
		remaining--
		if o != types.FenceOutcomeSuccess {
			result = types.FenceOutcomeError
		}
		last := remaining == 0
		final := result
		mu.Unlock()
		if last {
			if err := r.Signal(merged, final); err != nil {
				r.logger.V(logutil.DEBUG).Info("Merged fence no longer signalable", "fence", uint64(merged), "err", err)
			}
		}
	}
	for _, id := range ids {
		if err := r.RegisterCallback(id, child); err != nil {
			_ = r.Destroy(merged)
			return types.InvalidFence, fmt.Errorf("merging fence %#x: %w", uint64(id), err)
		}
	}
	return merged, nil
}

// --- Callback worker ---

func (r *Registry) dispatch(id types.FenceID, outcome types.FenceOutcome, cbs []Callback) {
	if len(cbs) == 0 {
		return
	}
	if r.config.TriggerWithoutSwitch {
		for _, cb := range cbs {
			r.invoke(callbackJob{cb: cb, id: id, outcome: outcome})
		}
		return
	}
	r.jobsMu.Lock()
	for _, cb := range cbs {
		r.jobs = append(r.jobs, callbackJob{cb: cb, id: id, outcome: outcome})
	}
	r.jobsMu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) invoke(job callbackJob) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(fmt.Errorf("panic: %v", rec), "Fence callback panicked", "fence", uint64(job.id))
		}
	}()
	job.cb(job.id, job.outcome)
}

func (r *Registry) drain() {
	r.jobsMu.Lock()
	jobs := r.jobs
	r.jobs = make([]callbackJob, 0, r.config.CallbackQueueSize)
	r.jobsMu.Unlock()
	for _, job := range jobs {
		r.invoke(job)
	}
}

// Run is the callback worker loop. It delivers queued callbacks in signal order and evicts expired tombstones.
// It blocks until ctx is cancelled, delivering every callback queued before cancellation.
func (r *Registry) Run(ctx context.Context) error {
	r.logger.V(logutil.DEFAULT).Info("Fence callback worker started")
	defer r.logger.V(logutil.DEFAULT).Info("Fence callback worker stopped")

	ticker := r.clock.NewTicker(r.config.TombstoneCleanupInterval)
	defer ticker.Stop()

	for {
		r.drain()
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		case <-r.wake:
		case <-ticker.C():
			if r.tombstones != nil {
				r.tombstones.DeleteExpired()
			}
		}
	}
}
