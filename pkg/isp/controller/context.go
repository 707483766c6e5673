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

// Package controller implements the per-context request orchestrator of the ISP pipeline.
//
// A `Context` accepts configuration packets, queues them as requests, applies them to the hardware on the
// scheduler's cue and retires them as buffer-done events arrive, signalling the bound fences. Hardware events are
// dispatched on the activated sub-state; see dispatch.go for the full table.
//
// # Concurrency
//
// Two locks guard a context:
//
//   - `opMu` serializes the control operations (submit, apply, start, stop, flush, release, link).
//   - `mu` is the event lock. It guards every queue and bookkeeping field and is held by event handlers.
//
// No call into the hardware driver, the fence signaller or the scheduler is made while `mu` is held. Handlers queue
// those calls in an outbox that runs after the lock is released. Control operations that must call the driver drop
// `mu`, make the call and re-validate by request generation before committing.
package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/metrics"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/monitor"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/queue"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/stream"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

// Handles are the session and device handles issued by Acquire and checked by Start.
type Handles struct {
	Session uuid.UUID
	Device  uuid.UUID
}

// AcquireSpec describes the hardware resources a context asks for.
type AcquireSpec struct {
	Name       string
	NumOutputs int
}

// DeviceInfo is what the scheduler learns about a context before linking it.
type DeviceInfo struct {
	ID       string
	Name     string
	Triggers types.TriggerPoint
}

// Option customizes a Context.
type Option func(*Context)

// WithClock overrides the clock used for request timestamps and stream waits.
func WithClock(clk clock.Clock) Option {
	return func(c *Context) {
		c.clock = clk
	}
}

// Context is one ISP request-orchestration context.
type Context struct {
	// --- Immutable dependencies ---
	id     string
	config Config
	hw     contracts.HardwareDriver
	fences contracts.FenceSignaller
	clock  clock.Clock
	logger logr.Logger

	// opMu serializes control operations.
	opMu sync.Mutex

	// --- State guarded by mu ---
	mu       sync.Mutex
	state    types.State
	substate types.Substate
	queues   *queue.Set

	name       string
	hwHandle   contracts.HardwareHandle
	hwAcquired bool
	handles    Handles
	sched      contracts.Scheduler
	link       contracts.LinkInfo

	initReceived bool

	frameID          uint64
	sofTimestamp     uint64
	prevSOFTimestamp uint64
	bootTimestamp    uint64

	reportedReqID    types.RequestID
	lastAppliedReqID types.RequestID
	lastBufDoneReqID types.RequestID
	lastFlushReqID   types.RequestID

	processBubble  bool
	bubbleFrameCnt int

	streamMode     bool
	pool           *stream.Pool
	recoveryFrames int
	// streamGen changes whenever streaming is stopped, invalidating in-flight stream applies.
	streamGen uint64

	stateMon *monitor.StateMonitor
	records  *monitor.EventRecorder
}

var _ contracts.EventSink = &Context{}

// NewContext creates a context in the Available state.
func NewContext(id string, config Config, hw contracts.HardwareDriver, fences contracts.FenceSignaller,
	logger logr.Logger, opts ...Option) (*Context, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid context config: %w", err)
	}
	c := &Context{
		id:       id,
		config:   config,
		hw:       hw,
		fences:   fences,
		clock:    clock.RealClock{},
		logger:   logutil.ForContext(logger, id),
		state:    types.StateAvailable,
		substate: types.SubstateSOF,
		queues:   queue.NewSet(config.RequestPoolSize),
		link:     contracts.LinkInfo{Handle: contracts.NoLink},
		stateMon: monitor.NewStateMonitor(config.StateMonitorEntries),
		records:  monitor.NewEventRecorder(config.EventRecordEntries),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ID returns the context identifier.
func (c *Context) ID() string {
	return c.id
}

// State returns the current top-level state.
func (c *Context) State() types.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Substate returns the current activated sub-state.
func (c *Context) Substate() types.Substate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.substate
}

func invalidState(op string, s types.State) error {
	return fmt.Errorf("%w: %s in %s", types.ErrInvalidState, op, s)
}

// setSubstateLocked changes the sub-state and records the transition.
func (c *Context) setSubstateLocked(s types.Substate, trigger types.StateTrigger, id types.RequestID) {
	if c.substate != s {
		c.logger.V(logutil.DEBUG).Info("Substate transition", "from", c.substate, "to", s, "trigger", trigger,
			"requestID", id)
	}
	c.substate = s
	c.stateMon.Record(monitor.Transition{
		Substate:  s,
		Trigger:   trigger,
		RequestID: id,
		FrameID:   c.frameID,
		Time:      c.clock.Now(),
	})
}

func (c *Context) recordLocked(kind types.RecordKind, r *queue.Request) {
	now := c.clock.Now()
	r.Stamp(kind, now)
	c.records.Record(kind, r.ID, now)
}

func (c *Context) updateQueueMetricsLocked() {
	metrics.SetQueueDepths(c.queues.Len(queue.Pending), c.queues.Len(queue.Wait), c.queues.Len(queue.Active),
		c.queues.Len(queue.Free))
}

// activeCountLocked is the number of in-flight requests, or in-flight images in streaming sub-mode.
func (c *Context) activeCountLocked() int {
	if c.streamMode && c.pool != nil {
		return c.pool.Counts().Active
	}
	return c.queues.Len(queue.Active)
}

// resetRuntimeLocked clears the per-activation bookkeeping.
func (c *Context) resetRuntimeLocked() {
	c.frameID = 0
	c.sofTimestamp, c.prevSOFTimestamp, c.bootTimestamp = 0, 0, 0
	c.reportedReqID = 0
	c.lastBufDoneReqID = 0
	c.processBubble = false
	c.bubbleFrameCnt = 0
	c.recoveryFrames = 0
}

// Acquire reserves hardware resources and issues the session and device handles.
func (c *Context) Acquire(ctx context.Context, spec AcquireSpec) (Handles, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != types.StateAvailable {
		s := c.state
		c.mu.Unlock()
		return Handles{}, invalidState("acquire", s)
	}
	c.mu.Unlock()

	h, err := c.hw.Acquire(ctx, contracts.ResourceSpec{Name: spec.Name, NumOutputs: spec.NumOutputs, Sink: c})
	if err != nil {
		return Handles{}, fmt.Errorf("acquire hardware for %q: %w", spec.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = spec.Name
	c.hwHandle = h
	c.hwAcquired = true
	c.handles = Handles{Session: uuid.New(), Device: uuid.New()}
	c.state = types.StateAcquired
	c.logger.Info("Context acquired", "name", spec.Name, "session", c.handles.Session, "device", c.handles.Device)
	return c.handles, nil
}

// Info describes the context for the scheduler.
func (c *Context) Info() DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DeviceInfo{ID: c.id, Name: c.name, Triggers: types.TriggerSOF | types.TriggerEOF}
}

// Link attaches the scheduler that drives apply and receives notifications.
func (c *Context) Link(sched contracts.Scheduler, info contracts.LinkInfo) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != types.StateAcquired {
		return invalidState("link", c.state)
	}
	c.sched = sched
	c.link = info
	if c.initReceived {
		c.state = types.StateReady
	}
	c.logger.V(logutil.DEFAULT).Info("Linked", "link", info.Handle, "subscribe", info.SubscribeEvents)
	return nil
}

// Unlink detaches the scheduler. An activated context is stopped first.
func (c *Context) Unlink(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.state
	c.mu.Unlock()

	switch s {
	case types.StateAcquired, types.StateReady:
		c.mu.Lock()
		c.unlinkLocked()
		c.state = types.StateAcquired
		c.mu.Unlock()
		return nil
	case types.StateActivated, types.StateFlushed:
		return c.stop(ctx, nil)
	default:
		return invalidState("unlink", s)
	}
}

func (c *Context) unlinkLocked() {
	c.sched = nil
	c.link = contracts.LinkInfo{Handle: contracts.NoLink}
}

// Release stops the context if needed, fails every queued request and returns the hardware.
func (c *Context) Release(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	s := c.state
	c.mu.Unlock()

	switch s {
	case types.StateAcquired, types.StateReady:
	case types.StateActivated, types.StateFlushed:
		if err := c.stop(ctx, nil); err != nil {
			c.logger.Error(err, "Stop during release failed")
		}
	default:
		return invalidState("release", s)
	}

	var out outbox
	c.mu.Lock()
	for _, r := range c.queues.Items(queue.Pending) {
		c.failRequestLocked(&out, r)
	}
	hw, h, acquired := c.hw, c.hwHandle, c.hwAcquired
	c.unlinkLocked()
	c.hwAcquired = false
	c.hwHandle = 0
	c.handles = Handles{}
	c.initReceived = false
	c.lastFlushReqID = 0
	c.lastAppliedReqID = 0
	c.streamMode = false
	c.pool = nil
	c.streamGen++
	c.resetRuntimeLocked()
	c.state = types.StateAvailable
	c.substate = types.SubstateSOF
	c.updateQueueMetricsLocked()
	c.mu.Unlock()
	c.flushEffects(&out)

	if acquired {
		if err := hw.Release(ctx, h); err != nil {
			return fmt.Errorf("release hardware: %w", err)
		}
	}
	c.logger.Info("Context released")
	return nil
}

// Snapshot is a consistent copy of a context's bookkeeping.
type Snapshot struct {
	State    types.State
	Substate types.Substate

	Pending   []types.RequestID
	Wait      []types.RequestID
	Active    []types.RequestID
	FreeCount int

	FrameID          uint64
	SOFTimestamp     uint64
	ReportedReqID    types.RequestID
	LastAppliedReqID types.RequestID
	LastBufDoneReqID types.RequestID
	LastFlushReqID   types.RequestID

	ProcessBubble    bool
	BubbleFrameCount int
	InitReceived     bool
	Linked           bool

	StreamMode bool
	Stream     stream.Counts
}

// ActiveRequestCount is the number of requests on the active list.
func (s Snapshot) ActiveRequestCount() int {
	return len(s.Active)
}

// Snapshot returns the current bookkeeping.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:            c.state,
		Substate:         c.substate,
		Pending:          c.queues.IDs(queue.Pending),
		Wait:             c.queues.IDs(queue.Wait),
		Active:           c.queues.IDs(queue.Active),
		FreeCount:        c.queues.Len(queue.Free),
		FrameID:          c.frameID,
		SOFTimestamp:     c.sofTimestamp,
		ReportedReqID:    c.reportedReqID,
		LastAppliedReqID: c.lastAppliedReqID,
		LastBufDoneReqID: c.lastBufDoneReqID,
		LastFlushReqID:   c.lastFlushReqID,
		ProcessBubble:    c.processBubble,
		BubbleFrameCount: c.bubbleFrameCnt,
		InitReceived:     c.initReceived,
		Linked:           c.sched != nil,
		StreamMode:       c.streamMode,
	}
	if c.pool != nil {
		s.Stream = c.pool.Counts()
	}
	return s
}

// CheckInvariants verifies the queue structure. It is meant for tests and the simulator's health checks.
func (c *Context) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.queues.CheckInvariants(); err != nil {
		return err
	}
	for _, l := range []queue.List{queue.Pending, queue.Wait, queue.Active} {
		for _, r := range c.queues.Items(l) {
			if r.NumAcked > r.NumOut() {
				return fmt.Errorf("request %d acked %d of %d outputs", r.ID, r.NumAcked, r.NumOut())
			}
		}
	}
	return nil
}

// DumpState logs the queues, counters and diagnostic rings.
func (c *Context) DumpState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dumpLocked(c.logger)
}

func (c *Context) dumpLocked(logger logr.Logger) {
	logger.Info("Context state", "state", c.state, "substate", c.substate, "frameID", c.frameID,
		"pending", c.queues.IDs(queue.Pending), "wait", c.queues.IDs(queue.Wait), "active", c.queues.IDs(queue.Active),
		"lastApplied", c.lastAppliedReqID, "lastBufDone", c.lastBufDoneReqID, "reported", c.reportedReqID,
		"processBubble", c.processBubble)
	for _, r := range c.queues.Items(queue.Active) {
		logger.Info("Active request", "requestID", r.ID, "acked", r.NumAcked, "outputs", r.NumOut(),
			"unacked", r.UnackedHandles(), "bubble", r.BubbleDetected)
	}
	monitor.Dump(logger, c.stateMon, c.records)
}
