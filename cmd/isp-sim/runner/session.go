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

package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/controller"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/fence"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/server"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/sim"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
	testutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/testing"
)

const (
	initRequestID types.RequestID      = 1
	sessionLink   contracts.LinkHandle = 1
)

// Summary is what a finished session reports.
type Summary struct {
	Frames     uint64
	Heartbeats int
	Submitted  int
	Succeeded  int
	Failed     int
	Bubbles    int
	HWErrors   int
	Images     int
	Sim        sim.Stats
}

// scheduler is the session's upstream request manager. Notifications only record and wake the apply loop, which
// calls back into the context from its own goroutine.
type scheduler struct {
	logger logr.Logger
	wake   chan struct{}

	heartbeats atomic.Int64
	bubbles    atomic.Int64
	hwErrors   atomic.Int64
}

var _ contracts.Scheduler = &scheduler{}
var _ contracts.ErrorMessageNotifier = &scheduler{}

func newScheduler(logger logr.Logger) *scheduler {
	return &scheduler{logger: logger.WithName("scheduler"), wake: make(chan struct{}, 1)}
}

func (s *scheduler) AddRequest(contracts.LinkHandle, types.RequestID) error {
	return nil
}

func (s *scheduler) NotifyTrigger(n contracts.TriggerNotification) {
	s.heartbeats.Add(1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) NotifyError(n contracts.ErrorNotification) {
	if n.Kind == types.ErrorKindBubble {
		s.bubbles.Add(1)
	} else {
		s.hwErrors.Add(1)
	}
	s.logger.V(logutil.VERBOSE).Info("Error reported", "request", n.RequestID, "kind", n.Kind, "frame", n.FrameID)
}

func (s *scheduler) NotifyStop(link contracts.LinkHandle) {
	s.logger.V(logutil.DEFAULT).Info("Context stopped", "link", link)
}

func (s *scheduler) NotifyRecovery(m contracts.RecoveryMessage) {
	s.logger.Info("Hardware recovery", "request", m.RequestID, "recovery", m.Recovery, "errorType", m.ErrorType)
}

// session drives one context on the simulated pipeline.
type session struct {
	opts     *server.Options
	isp      *controller.Context
	pipeline *sim.Pipeline
	fences   *fence.Registry
	sched    *scheduler
	logger   logr.Logger
	// poll bounds how long the loops wait for a heartbeat. Congestion and streaming send none.
	poll time.Duration

	mu        sync.Mutex
	nextID    types.RequestID
	submitted int
	succeeded int
	failed    int
	images    int
	finished  chan struct{}
	closeOnce sync.Once
	result    Summary
}

func newSession(opts *server.Options, c *controller.Context, p *sim.Pipeline, fences *fence.Registry,
	poll time.Duration, logger logr.Logger) *session {
	return &session{
		opts:     opts,
		isp:      c,
		pipeline: p,
		fences:   fences,
		sched:    newScheduler(logger),
		logger:   logger.WithName("session"),
		poll:     poll,
		nextID:   initRequestID + 1,
		finished: make(chan struct{}),
	}
}

func (s *session) finish() {
	s.closeOnce.Do(func() { close(s.finished) })
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	handles, err := s.isp.Acquire(ctx, controller.AcquireSpec{Name: s.opts.ContextName, NumOutputs: s.opts.NumOutputs})
	if err != nil {
		return fmt.Errorf("failed to acquire - %w", err)
	}
	defer func() {
		if err := s.isp.Release(context.Background()); err != nil {
			s.logger.Error(err, "Failed to release the context")
		}
	}()
	if err := s.isp.Link(s.sched, contracts.LinkInfo{Handle: sessionLink, SubscribeEvents: types.TriggerSOF}); err != nil {
		return fmt.Errorf("failed to link - %w", err)
	}
	if s.opts.Streaming {
		ids := make([]int64, s.opts.StreamImages)
		for i := range ids {
			ids[i] = int64(i + 1)
		}
		if err := s.isp.SetStreamMode(testutil.MakeStreamImages(ids...)); err != nil {
			return fmt.Errorf("failed to enable streaming - %w", err)
		}
	}
	if err := s.isp.SubmitPacket(ctx, testutil.MakeInit(initRequestID).Entry(256).ObjRef()); err != nil {
		return fmt.Errorf("failed to submit INIT - %w", err)
	}
	if err := s.isp.Start(ctx, handles); err != nil {
		return fmt.Errorf("failed to start - %w", err)
	}
	s.logger.Info("Session started", "requests", s.opts.Requests, "frames", s.opts.Frames,
		"streaming", s.opts.Streaming)

	var wg sync.WaitGroup
	loopCtx, stopLoops := context.WithCancel(ctx)
	wg.Add(1)
	if s.opts.Streaming {
		go func() {
			defer wg.Done()
			s.consumeImages(loopCtx)
		}()
	} else {
		go func() {
			defer wg.Done()
			s.applyLoop(loopCtx)
		}()
	}

	var runErr error
	select {
	case <-s.finished:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			runErr = fmt.Errorf("session did not finish within %s", s.opts.Timeout)
		}
	}
	stopLoops()
	wg.Wait()

	summary, err := s.stop()
	runErr = multierr.Append(runErr, err)
	s.mu.Lock()
	s.result = summary
	s.mu.Unlock()
	s.logger.Info("Session finished", "summary", summary)
	return runErr
}

// applyLoop tops up the pending list and applies its head on every trigger.
func (s *session) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.sched.wake:
		case <-time.After(s.poll):
		}
		if s.frameLimitReached() {
			s.finish()
			return
		}
		s.submitMore(ctx)

		snap := s.isp.Snapshot()
		if len(snap.Pending) == 0 {
			continue
		}
		err := s.isp.Apply(ctx, controller.ApplyRequest{RequestID: snap.Pending[0], ReportIfBubble: true})
		switch {
		case err == nil:
		case errors.Is(err, types.ErrApplyNotAllowed), errors.Is(err, types.ErrBackpressure),
			errors.Is(err, types.ErrBubbleInProgress), errors.Is(err, types.ErrHardwareBusy),
			errors.Is(err, types.ErrOutOfOrderApply), errors.Is(err, types.ErrNoPendingRequest):
			s.logger.V(logutil.DEBUG).Info("Apply deferred", "request", snap.Pending[0], "reason", err.Error())
		default:
			s.logger.Error(err, "Apply failed", "request", snap.Pending[0])
		}
	}
}

func (s *session) frames() uint64 {
	h, ok := s.pipeline.Lookup(s.opts.ContextName)
	if !ok {
		return 0
	}
	stats, err := s.pipeline.Stats(h)
	if err != nil {
		return 0
	}
	return stats.Frames
}

func (s *session) frameLimitReached() bool {
	return s.opts.Frames > 0 && s.frames() >= uint64(s.opts.Frames)
}

// submitMore submits UPDATE requests while the context has free request slots.
func (s *session) submitMore(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.submitted >= s.opts.Requests {
			s.mu.Unlock()
			return
		}
		id := s.nextID
		s.mu.Unlock()

		if s.isp.Snapshot().FreeCount == 0 {
			return
		}
		pkt := testutil.MakeUpdate(id).Entry(64)
		outs := make([]types.FenceID, s.opts.NumOutputs)
		for i := range outs {
			outs[i] = s.fences.Create(fmt.Sprintf("req-%d-out-%d", id, i+1))
			pkt.Output(uint32(i+1), outs[i])
		}
		if err := s.isp.SubmitPacket(ctx, pkt.ObjRef()); err != nil {
			s.logger.V(logutil.VERBOSE).Info("Submit deferred", "request", id, "reason", err.Error())
			for _, f := range outs {
				_ = s.fences.Destroy(f)
			}
			return
		}
		if err := s.trackRequest(id, outs); err != nil {
			s.logger.Error(err, "Failed to track request", "request", id)
		}

		s.mu.Lock()
		s.nextID++
		s.submitted++
		s.mu.Unlock()
	}
}

// trackRequest merges the output fences of a request and counts its outcome once every output is terminal.
func (s *session) trackRequest(id types.RequestID, outs []types.FenceID) error {
	merged, err := s.fences.Merge(fmt.Sprintf("req-%d", id), outs...)
	if err != nil {
		return err
	}
	return s.fences.RegisterCallback(merged, func(_ types.FenceID, outcome types.FenceOutcome) {
		s.mu.Lock()
		if outcome == types.FenceOutcomeSuccess {
			s.succeeded++
		} else {
			s.failed++
		}
		done := s.succeeded+s.failed >= s.opts.Requests
		s.mu.Unlock()
		s.logger.V(logutil.VERBOSE).Info("Request completed", "request", id, "outcome", outcome)
		if done && s.opts.Frames == 0 {
			s.finish()
		}
	})
}

// consumeImages takes every completed stream image and hands it back.
func (s *session) consumeImages(ctx context.Context) {
	for ctx.Err() == nil {
		if s.frameLimitReached() {
			s.finish()
			return
		}
		img, err := s.isp.GetImage(2 * s.poll)
		if err != nil {
			if !errors.Is(err, types.ErrStreamWaitTimeout) {
				s.logger.V(logutil.DEBUG).Info("No stream image", "reason", err.Error())
			}
			continue
		}
		if err := s.isp.ReturnImages(img.ImageID); err != nil {
			s.logger.Error(err, "Failed to return stream image", "image", img.ImageID)
			continue
		}
		s.mu.Lock()
		s.images++
		s.mu.Unlock()
		s.logger.V(logutil.TRACE).Info("Stream image consumed", "image", img.ImageID, "frame", img.FrameNum)
	}
}

// stop halts the context and collects the summary. The simulated stream is read before the context releases it.
func (s *session) stop() (Summary, error) {
	var errs error
	if err := s.isp.Stop(context.Background(), types.StopImmediately); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to stop - %w", err))
	}
	summary := Summary{
		Heartbeats: int(s.sched.heartbeats.Load()),
		Bubbles:    int(s.sched.bubbles.Load()),
		HWErrors:   int(s.sched.hwErrors.Load()),
	}
	if h, ok := s.pipeline.Lookup(s.opts.ContextName); ok {
		stats, err := s.pipeline.Stats(h)
		errs = multierr.Append(errs, err)
		summary.Sim = stats
		summary.Frames = stats.Frames
	}
	if err := s.isp.CheckInvariants(); err != nil {
		s.isp.DumpState()
		errs = multierr.Append(errs, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	summary.Submitted = s.submitted
	summary.Succeeded = s.succeeded
	summary.Failed = s.failed
	summary.Images = s.images
	return summary, errs
}

// summary is only valid once run has returned.
func (s *session) summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
