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

// Package sim provides a deterministic simulated ISP pipeline implementing `contracts.HardwareDriver`.
//
// Each started stream runs a frame loop on the injected clock. Frame n raises, in order:
//
//	SOF, RUP (if a configuration accepted before this frame's SOF is latched), EPOCH, DONE (for every request whose
//	completion frame has come), EOF
//
// A configuration accepted while a frame's events are being delivered is latched by the next frame. The INIT
// configuration is latched by Start and raises no RUP; it writes no buffers. Faults from
// `Config.Faults` are consumed as they fire. Events are delivered to the sink with no pipeline lock held, so the sink
// may call back into the pipeline.
package sim

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/contracts"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/metrics"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

// Stats counts what one simulated stream has done since it was acquired.
type Stats struct {
	Frames      uint64
	Configs     int
	Latched     int
	DroppedRUPs int
	BusyConfigs int
	BufDones    int
	Errors      int
}

type pendingConfig struct {
	args contracts.ConfigArgs
	// frame is the frame during which the configuration was accepted.
	frame uint64
}

type inflight struct {
	id        types.RequestID
	doneFrame uint64
}

type hwStream struct {
	name    string
	sink    contracts.EventSink
	outputs []uint32

	running  bool
	paused   bool
	sofDebug bool
	cancel   context.CancelFunc
	done     chan struct{}

	frame         uint64
	pending       *pendingConfig
	inflight      []inflight
	lastCompleted types.RequestID
	// rupOwed makes the next frame raise a RUP even without a configuration, which brings the consumer out of its
	// error sub-state.
	rupOwed bool

	// frameMu serializes frames of this stream.
	frameMu sync.Mutex
	stats   Stats
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock injects the clock driving the frame loop.
func WithClock(c clock.WithTicker) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// Pipeline is the simulated hardware. It is goroutine-safe.
type Pipeline struct {
	config Config
	logger logr.Logger
	clock  clock.WithTicker

	mu         sync.Mutex
	faults     Faults
	nextHandle contracts.HardwareHandle
	streams    map[contracts.HardwareHandle]*hwStream
}

var _ contracts.HardwareDriver = &Pipeline{}

// NewPipeline creates a pipeline with no acquired streams.
func NewPipeline(config Config, logger logr.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:     config,
		logger:     logger.WithName("sim-pipeline"),
		clock:      clock.RealClock{},
		faults:     config.Faults.clone(),
		nextHandle: 1,
		streams:    make(map[contracts.HardwareHandle]*hwStream),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) lookupLocked(h contracts.HardwareHandle) (*hwStream, error) {
	s, ok := p.streams[h]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", types.ErrNoHardwareContext, h)
	}
	return s, nil
}

// Acquire reserves a stream writing `spec.NumOutputs` outputs, numbered from 1.
func (p *Pipeline) Acquire(_ context.Context, spec contracts.ResourceSpec) (contracts.HardwareHandle, error) {
	if spec.Sink == nil {
		return 0, fmt.Errorf("acquire %q: no event sink", spec.Name)
	}
	if spec.NumOutputs < 0 {
		return 0, fmt.Errorf("acquire %q: negative output count %d", spec.Name, spec.NumOutputs)
	}
	outputs := make([]uint32, spec.NumOutputs)
	for i := range outputs {
		outputs[i] = uint32(i + 1)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.nextHandle
	p.nextHandle++
	p.streams[h] = &hwStream{name: spec.Name, sink: spec.Sink, outputs: outputs}
	p.logger.V(logutil.VERBOSE).Info("Acquired simulated stream", "handle", h, "name", spec.Name,
		"outputs", spec.NumOutputs)
	return h, nil
}

// Lookup returns the handle of the acquired stream with the given name.
func (p *Pipeline) Lookup(name string) (contracts.HardwareHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for h, s := range p.streams {
		if s.name == name {
			return h, true
		}
	}
	return 0, false
}

// Outputs returns the resource handles the stream writes.
func (p *Pipeline) Outputs(h contracts.HardwareHandle) ([]uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	return slices.Clone(s.outputs), nil
}

// Config accepts one configuration. It is latched by the first frame that starts after this call.
func (p *Pipeline) Config(_ context.Context, h contracts.HardwareHandle, args contracts.ConfigArgs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(h)
	if err != nil {
		return err
	}
	if !s.running {
		return fmt.Errorf("%w: config on stopped stream %d", types.ErrInvalidState, h)
	}
	if args.RequestID != 0 && p.faults.BusyOnConfig.Has(args.RequestID) {
		p.faults.BusyOnConfig.Delete(args.RequestID)
		s.stats.BusyConfigs++
		return fmt.Errorf("request %d: %w", args.RequestID, types.ErrHardwareBusy)
	}
	if s.pending != nil {
		p.logger.V(logutil.DEFAULT).Info("Overwriting configuration that was never latched",
			"handle", h, "dropped", s.pending.args.RequestID, "requestID", args.RequestID)
	}
	s.pending = &pendingConfig{args: args, frame: s.frame}
	s.stats.Configs++
	p.logger.V(logutil.TRACE).Info("Configuration accepted", "handle", h, "requestID", args.RequestID,
		"reapply", args.Reapply, "frame", s.frame)
	return nil
}

// Start applies the INIT configuration and starts the frame loop.
func (p *Pipeline) Start(_ context.Context, h contracts.HardwareHandle, args contracts.StartArgs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(h)
	if err != nil {
		return err
	}
	if s.running {
		return fmt.Errorf("%w: stream %d already running", types.ErrInvalidState, h)
	}
	if !args.StartOnly {
		s.frame = 0
		s.inflight = nil
	}
	// The INIT configuration is latched by the start itself.
	s.pending = nil
	s.lastCompleted = args.Config.RequestID
	s.running = true
	s.paused = false

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go p.run(loopCtx, h, s.done)

	p.logger.V(logutil.DEFAULT).Info("Simulated stream started", "handle", h, "name", s.name,
		"initRequest", args.Config.RequestID, "startOnly", args.StartOnly, "frameInterval", p.config.FrameInterval)
	return nil
}

func (p *Pipeline) run(ctx context.Context, h contracts.HardwareHandle, done chan struct{}) {
	defer close(done)
	ticker := p.clock.NewTicker(p.config.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := p.RunFrame(h); err != nil {
				p.logger.V(logutil.DEBUG).Info("Frame not run", "handle", h, "reason", err)
			}
		}
	}
}

// Stop ends the frame loop and waits for the frame in progress to finish. Configurations not yet latched and
// requests still in flight are dropped.
func (p *Pipeline) Stop(ctx context.Context, h contracts.HardwareHandle, mode types.StopMode, stopOnly bool) error {
	p.mu.Lock()
	s, err := p.lookupLocked(h)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if !s.running {
		p.mu.Unlock()
		return nil
	}
	s.running = false
	s.pending = nil
	s.inflight = nil
	cancel, done := s.cancel, s.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop stream %d: %w", h, ctx.Err())
	}
	p.logger.V(logutil.DEFAULT).Info("Simulated stream stopped", "handle", h, "mode", mode, "stopOnly", stopOnly)
	return nil
}

// Release stops the stream if needed and forgets it.
func (p *Pipeline) Release(ctx context.Context, h contracts.HardwareHandle) error {
	if err := p.Stop(ctx, h, types.StopImmediately, false); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, h)
	return nil
}

// Reset clears the stream after a stop so that it can be started again.
func (p *Pipeline) Reset(_ context.Context, h contracts.HardwareHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(h)
	if err != nil {
		return err
	}
	if s.running {
		return fmt.Errorf("%w: reset of running stream %d", types.ErrInvalidState, h)
	}
	s.pending = nil
	s.inflight = nil
	s.lastCompleted = 0
	s.rupOwed = false
	return nil
}

// QueryLastCompleted returns the last request whose configuration was latched.
func (p *Pipeline) QueryLastCompleted(h contracts.HardwareHandle) (types.RequestID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(h)
	if err != nil {
		return 0, err
	}
	return s.lastCompleted, nil
}

// DumpRegisters logs the simulated pipeline state.
func (p *Pipeline) DumpRegisters(h contracts.HardwareHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(h)
	if err != nil {
		return err
	}
	var pending types.RequestID
	if s.pending != nil {
		pending = s.pending.args.RequestID
	}
	ids := make([]types.RequestID, 0, len(s.inflight))
	for _, f := range s.inflight {
		ids = append(ids, f.id)
	}
	p.logger.Info("Register dump", "handle", h, "frame", s.frame, "pendingConfig", pending, "inflight", ids,
		"lastCompleted", s.lastCompleted, "running", s.running, "paused", s.paused)
	return nil
}

// Pause suspends frame generation without dropping state.
func (p *Pipeline) Pause(h contracts.HardwareHandle) error {
	return p.setPaused(h, true)
}

// Resume continues a paused stream.
func (p *Pipeline) Resume(h contracts.HardwareHandle) error {
	return p.setPaused(h, false)
}

func (p *Pipeline) setPaused(h contracts.HardwareHandle, paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(h)
	if err != nil {
		return err
	}
	s.paused = paused
	return nil
}

func (p *Pipeline) EnableSOFDebug(h contracts.HardwareHandle, enable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(h)
	if err != nil {
		return err
	}
	s.sofDebug = enable
	p.logger.V(logutil.DEFAULT).Info("SOF debug toggled", "handle", h, "enabled", enable)
	return nil
}

// Stats returns the counters of a stream.
func (p *Pipeline) Stats(h contracts.HardwareHandle) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(h)
	if err != nil {
		return Stats{}, err
	}
	return s.stats, nil
}

// RunFrame generates one frame of events for a running stream. The frame loop calls it on every tick; tests call
// it directly to step the pipeline.
func (p *Pipeline) RunFrame(h contracts.HardwareHandle) error {
	p.mu.Lock()
	s, err := p.lookupLocked(h)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	p.mu.Lock()
	if !s.running {
		p.mu.Unlock()
		return fmt.Errorf("%w: stream %d is not running", types.ErrInvalidState, h)
	}
	if s.paused {
		p.mu.Unlock()
		return nil
	}
	s.frame++
	s.stats.Frames++
	frame := s.frame
	base := frame * uint64(p.config.FrameInterval)
	sof := types.SOFEvent(base, uint64(p.clock.Now().UnixNano()))
	sink, name := s.sink, s.name
	if s.sofDebug {
		p.logger.V(logutil.DEFAULT).Info("SOF", "handle", h, "frame", frame, "timestamp", base)
	}
	p.mu.Unlock()

	metrics.RecordSimFrame(name)
	p.deliver(sink, h, sof)

	p.mu.Lock()
	events := p.frameEventsLocked(s, frame, base)
	p.mu.Unlock()

	for _, ev := range events {
		p.deliver(sink, h, ev)
	}
	return nil
}

// frameEventsLocked computes the events following the SOF of frame.
func (p *Pipeline) frameEventsLocked(s *hwStream, frame, base uint64) []types.Event {
	if errType, ok := p.faults.ErrorAtFrame[frame]; ok {
		delete(p.faults.ErrorAtFrame, frame)
		s.pending = nil
		s.inflight = nil
		s.rupOwed = true
		s.stats.Errors++
		p.logger.V(logutil.VERBOSE).Info("Injecting hardware error", "frame", frame, "type", errType)
		return []types.Event{types.ErrorEvent(base+uint64(p.config.RUPOffset), errType, p.config.RecoveryEnabled)}
	}

	var events []types.Event
	rup := s.rupOwed
	s.rupOwed = false
	if cfg := s.pending; cfg != nil && cfg.frame < frame {
		s.pending = nil
		id := cfg.args.RequestID
		if id != 0 && p.faults.DropRUP.Has(id) {
			p.faults.DropRUP.Delete(id)
			s.stats.DroppedRUPs++
			p.logger.V(logutil.VERBOSE).Info("Dropping RUP", "frame", frame, "requestID", id)
		} else {
			delay := p.config.DoneDelayFrames + p.faults.DelayDone[id]
			delete(p.faults.DelayDone, id)
			s.inflight = append(s.inflight, inflight{id: id, doneFrame: frame + uint64(delay)})
			if id > s.lastCompleted {
				s.lastCompleted = id
			}
			s.stats.Latched++
			rup = true
		}
	}
	if rup {
		events = append(events, types.RUPEvent(base+uint64(p.config.RUPOffset)))
	}
	events = append(events, types.EpochEvent(base+uint64(p.config.EpochOffset)))

	remaining := s.inflight[:0]
	for _, f := range s.inflight {
		if f.doneFrame > frame {
			remaining = append(remaining, f)
			continue
		}
		if len(s.outputs) > 0 {
			events = append(events, types.DoneEvent(base+uint64(p.config.DoneOffset), slices.Clone(s.outputs)...))
			s.stats.BufDones++
		}
	}
	s.inflight = remaining

	events = append(events, types.EOFEvent(base+uint64(p.config.DoneOffset)))
	return events
}

func (p *Pipeline) deliver(sink contracts.EventSink, h contracts.HardwareHandle, ev types.Event) {
	if err := sink.HandleEvent(ev); err != nil {
		p.logger.V(logutil.DEBUG).Info("Event rejected by sink", "handle", h, "event", ev.Kind, "reason", err)
	}
}
