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

package sim

import (
	"fmt"
	"maps"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

const (
	// defaultFrameInterval is roughly 30 frames per second.
	defaultFrameInterval = 33 * time.Millisecond
	defaultRUPOffset     = 1 * time.Millisecond
	defaultEpochOffset   = 8 * time.Millisecond
	defaultDoneOffset    = 30 * time.Millisecond
	// defaultDoneDelayFrames completes a request in the frame that latched it.
	defaultDoneDelayFrames = 0
)

// Faults programs deterministic misbehavior into the simulated pipeline. Each request-keyed fault fires once.
type Faults struct {
	// DropRUP discards the configuration of these requests instead of latching it, producing a bubble.
	DropRUP sets.Set[types.RequestID]
	// BusyOnConfig makes the first Config call for these requests fail with `types.ErrHardwareBusy`.
	BusyOnConfig sets.Set[types.RequestID]
	// DelayDone postpones the buffer-done events of a request by the given number of frames.
	DelayDone map[types.RequestID]int
	// ErrorAtFrame raises a hardware error instead of the rest of the given frame.
	ErrorAtFrame map[uint64]types.HWErrorType
}

// Config holds the configuration for the simulated `Pipeline`.
type Config struct {
	// FrameInterval is the time between two SOF events.
	// Optional: Defaults to `defaultFrameInterval` (33ms).
	FrameInterval time.Duration

	// RUPOffset, EpochOffset and DoneOffset place the frame's events after its SOF on the hardware timeline.
	RUPOffset   time.Duration
	EpochOffset time.Duration
	DoneOffset  time.Duration

	// DoneDelayFrames is the number of frames between a request's RUP and its buffer-done events.
	// Optional: Defaults to `defaultDoneDelayFrames` (0).
	DoneDelayFrames int

	// RecoveryEnabled is reported with every injected hardware error.
	// Optional: Defaults to true.
	RecoveryEnabled bool

	Faults Faults
}

// ConfigOption is a functional option for configuring the simulated pipeline.
type ConfigOption func(*Config)

// DefaultConfig returns the configuration with every default applied and no faults.
func DefaultConfig() Config {
	return Config{
		FrameInterval:   defaultFrameInterval,
		RUPOffset:       defaultRUPOffset,
		EpochOffset:     defaultEpochOffset,
		DoneOffset:      defaultDoneOffset,
		DoneDelayFrames: defaultDoneDelayFrames,
		RecoveryEnabled: true,
		Faults: Faults{
			DropRUP:      sets.New[types.RequestID](),
			BusyOnConfig: sets.New[types.RequestID](),
			DelayDone:    map[types.RequestID]int{},
			ErrorAtFrame: map[uint64]types.HWErrorType{},
		},
	}
}

// NewConfig creates a new Config with the given options, applying defaults and validation.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// WithFrameInterval sets the time between two frames.
func WithFrameInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.FrameInterval = d
	}
}

// WithEventOffsets sets the RUP, EPOCH and DONE offsets from SOF.
func WithEventOffsets(rup, epoch, done time.Duration) ConfigOption {
	return func(c *Config) {
		c.RUPOffset = rup
		c.EpochOffset = epoch
		c.DoneOffset = done
	}
}

// WithDoneDelayFrames sets the frames between RUP and buffer done.
func WithDoneDelayFrames(n int) ConfigOption {
	return func(c *Config) {
		c.DoneDelayFrames = n
	}
}

// WithRecoveryEnabled sets the recovery flag carried by injected errors.
func WithRecoveryEnabled(enabled bool) ConfigOption {
	return func(c *Config) {
		c.RecoveryEnabled = enabled
	}
}

// WithDroppedRUP discards the configuration of the given requests once.
func WithDroppedRUP(ids ...types.RequestID) ConfigOption {
	return func(c *Config) {
		c.Faults.DropRUP.Insert(ids...)
	}
}

// WithBusyOnConfig rejects the first configuration of the given requests as busy.
func WithBusyOnConfig(ids ...types.RequestID) ConfigOption {
	return func(c *Config) {
		c.Faults.BusyOnConfig.Insert(ids...)
	}
}

// WithDelayedDone postpones the buffer done of a request.
func WithDelayedDone(id types.RequestID, frames int) ConfigOption {
	return func(c *Config) {
		c.Faults.DelayDone[id] = frames
	}
}

// WithErrorAtFrame raises a hardware error in the given frame.
func WithErrorAtFrame(frame uint64, errType types.HWErrorType) ConfigOption {
	return func(c *Config) {
		c.Faults.ErrorAtFrame[frame] = errType
	}
}

func (c *Config) validate() error {
	if c.FrameInterval <= 0 {
		return fmt.Errorf("FrameInterval must be positive, but got %v", c.FrameInterval)
	}
	for name, d := range map[string]time.Duration{"RUPOffset": c.RUPOffset, "EpochOffset": c.EpochOffset,
		"DoneOffset": c.DoneOffset} {
		if d < 0 || d >= c.FrameInterval {
			return fmt.Errorf("%s must be within the frame interval %v, but got %v", name, c.FrameInterval, d)
		}
	}
	if c.RUPOffset > c.EpochOffset || c.EpochOffset > c.DoneOffset {
		return fmt.Errorf("event offsets must be ordered RUP <= EPOCH <= DONE, but got %v, %v, %v",
			c.RUPOffset, c.EpochOffset, c.DoneOffset)
	}
	if c.DoneDelayFrames < 0 {
		return fmt.Errorf("DoneDelayFrames cannot be negative, but got %d", c.DoneDelayFrames)
	}
	for id, n := range c.Faults.DelayDone {
		if n < 0 {
			return fmt.Errorf("DelayDone for request %d cannot be negative, but got %d", id, n)
		}
	}
	if _, ok := c.Faults.ErrorAtFrame[0]; ok {
		return fmt.Errorf("ErrorAtFrame frames start at 1")
	}
	return nil
}

func (f Faults) clone() Faults {
	out := Faults{
		DropRUP:      sets.New[types.RequestID](),
		BusyOnConfig: sets.New[types.RequestID](),
		DelayDone:    make(map[types.RequestID]int, len(f.DelayDone)),
		ErrorAtFrame: make(map[uint64]types.HWErrorType, len(f.ErrorAtFrame)),
	}
	if f.DropRUP != nil {
		out.DropRUP = f.DropRUP.Clone()
	}
	if f.BusyOnConfig != nil {
		out.BusyOnConfig = f.BusyOnConfig.Clone()
	}
	maps.Copy(out.DelayDone, f.DelayDone)
	maps.Copy(out.ErrorAtFrame, f.ErrorAtFrame)
	return out
}
