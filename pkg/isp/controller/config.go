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
	"fmt"
)

const (
	// defaultMaxActiveRequests is the in-flight limit beyond which apply is rejected.
	defaultMaxActiveRequests = 2
	// defaultMaxConfigEntries is the number of hardware-update entries a request may carry.
	defaultMaxConfigEntries = 22
	// defaultMaxOutputs bounds output bindings per request, and with them the deferred-ack table.
	defaultMaxOutputs = 24
	// defaultRequestPoolSize is the number of request objects preallocated per context.
	defaultRequestPoolSize = 8
	// defaultBubbleFrameThreshold is the number of distinct SOFs after a bubble before the hardware is queried.
	defaultBubbleFrameThreshold = 1
	// defaultStateMonitorEntries is the depth of the sub-state transition ring.
	defaultStateMonitorEntries = 40
	// defaultEventRecordEntries is the depth of each per-lifecycle-point record ring.
	defaultEventRecordEntries = 20
	// defaultMaxStreamImages bounds the streaming image pool.
	defaultMaxStreamImages = 16
)

// BubblePolicy controls when a bubbled request is re-evaluated.
type BubblePolicy struct {
	// FrameThreshold is the number of SOFs with a new timestamp that must pass after a bubble before the hardware's
	// last completed request is queried.
	// Optional: Defaults to `defaultBubbleFrameThreshold` (1).
	FrameThreshold int
}

// Config holds the configuration for one ISP `Context`.
type Config struct {
	// MaxActiveRequests is the number of requests allowed on the active list. Apply is rejected once it is reached.
	// Optional: Defaults to `defaultMaxActiveRequests` (2).
	MaxActiveRequests int

	// MaxConfigEntries is the hardware-update entry capacity of one request, including merged INIT packets.
	// Optional: Defaults to `defaultMaxConfigEntries` (22).
	MaxConfigEntries int

	// MaxOutputs is the maximum number of output bindings of one request.
	// Optional: Defaults to `defaultMaxOutputs` (24).
	MaxOutputs int

	// RequestPoolSize is the number of request objects preallocated for the context.
	// Optional: Defaults to `defaultRequestPoolSize` (8).
	RequestPoolSize int

	// BubblePolicy tunes bubble re-evaluation.
	BubblePolicy BubblePolicy

	// SupportConsumedAddr matches buffer-done events against output bindings by last consumed address as well as by
	// resource handle.
	SupportConsumedAddr bool

	// RecoveryEnabled allows hardware errors to be reported as recoverable bubbles. When false every hardware error is
	// reported as fatal.
	// Optional: Defaults to true.
	RecoveryEnabled bool

	// StateMonitorEntries is the number of sub-state transitions kept for diagnostics.
	// Optional: Defaults to `defaultStateMonitorEntries` (40).
	StateMonitorEntries int

	// EventRecordEntries is the number of request ids kept per lifecycle point for diagnostics.
	// Optional: Defaults to `defaultEventRecordEntries` (20).
	EventRecordEntries int

	// MaxStreamImages bounds the number of images accepted by SetStreamMode.
	// Optional: Defaults to `defaultMaxStreamImages` (16).
	MaxStreamImages int
}

// ConfigOption is a functional option for configuring a `Context`.
type ConfigOption func(*Config)

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{
		MaxActiveRequests:   defaultMaxActiveRequests,
		MaxConfigEntries:    defaultMaxConfigEntries,
		MaxOutputs:          defaultMaxOutputs,
		RequestPoolSize:     defaultRequestPoolSize,
		BubblePolicy:        BubblePolicy{FrameThreshold: defaultBubbleFrameThreshold},
		RecoveryEnabled:     true,
		StateMonitorEntries: defaultStateMonitorEntries,
		EventRecordEntries:  defaultEventRecordEntries,
		MaxStreamImages:     defaultMaxStreamImages,
	}
}

// NewConfig creates a new Config with the given options, applying defaults and validation.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// WithMaxActiveRequests sets the in-flight request limit.
func WithMaxActiveRequests(n int) ConfigOption {
	return func(c *Config) {
		c.MaxActiveRequests = n
	}
}

// WithMaxConfigEntries sets the hardware-update entry capacity per request.
func WithMaxConfigEntries(n int) ConfigOption {
	return func(c *Config) {
		c.MaxConfigEntries = n
	}
}

// WithMaxOutputs sets the output binding limit per request.
func WithMaxOutputs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxOutputs = n
	}
}

// WithRequestPoolSize sets the number of preallocated requests.
func WithRequestPoolSize(n int) ConfigOption {
	return func(c *Config) {
		c.RequestPoolSize = n
	}
}

// WithBubbleFrameThreshold sets the SOF count after which a bubble is re-evaluated.
func WithBubbleFrameThreshold(n int) ConfigOption {
	return func(c *Config) {
		c.BubblePolicy.FrameThreshold = n
	}
}

// WithSupportConsumedAddr toggles address-based buffer-done matching.
func WithSupportConsumedAddr(enabled bool) ConfigOption {
	return func(c *Config) {
		c.SupportConsumedAddr = enabled
	}
}

// WithRecoveryEnabled toggles bubble classification of hardware errors.
func WithRecoveryEnabled(enabled bool) ConfigOption {
	return func(c *Config) {
		c.RecoveryEnabled = enabled
	}
}

// WithMonitorDepth sets the depth of the diagnostic rings.
func WithMonitorDepth(stateEntries, recordEntries int) ConfigOption {
	return func(c *Config) {
		c.StateMonitorEntries = stateEntries
		c.EventRecordEntries = recordEntries
	}
}

// WithMaxStreamImages sets the stream pool bound.
func WithMaxStreamImages(n int) ConfigOption {
	return func(c *Config) {
		c.MaxStreamImages = n
	}
}

// Validate checks the configuration for validity.
func (c *Config) Validate() error {
	if c.MaxActiveRequests <= 0 {
		return fmt.Errorf("MaxActiveRequests must be positive, but got %d", c.MaxActiveRequests)
	}
	if c.MaxConfigEntries <= 0 {
		return fmt.Errorf("MaxConfigEntries must be positive, but got %d", c.MaxConfigEntries)
	}
	if c.MaxOutputs <= 0 {
		return fmt.Errorf("MaxOutputs must be positive, but got %d", c.MaxOutputs)
	}
	if c.RequestPoolSize <= c.MaxActiveRequests {
		return fmt.Errorf("RequestPoolSize (%d) must exceed MaxActiveRequests (%d)", c.RequestPoolSize,
			c.MaxActiveRequests)
	}
	if c.BubblePolicy.FrameThreshold <= 0 {
		return fmt.Errorf("BubblePolicy.FrameThreshold must be positive, but got %d", c.BubblePolicy.FrameThreshold)
	}
	if c.StateMonitorEntries <= 0 || c.EventRecordEntries <= 0 {
		return fmt.Errorf("monitor depths must be positive, but got %d and %d", c.StateMonitorEntries,
			c.EventRecordEntries)
	}
	if c.MaxStreamImages <= 0 {
		return fmt.Errorf("MaxStreamImages must be positive, but got %d", c.MaxStreamImages)
	}
	return nil
}
