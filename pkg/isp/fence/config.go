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

package fence

import (
	"fmt"
	"time"
)

const (
	// defaultCallbackQueueSize is the initial capacity of the callback worker's queue.
	defaultCallbackQueueSize = 64
	// defaultTombstoneTTL is how long a destroyed fence's handle keeps answering `ErrAlreadySignalled`.
	defaultTombstoneTTL = 30 * time.Second
	// defaultTombstoneCleanupInterval is how often the worker evicts expired tombstones.
	defaultTombstoneCleanupInterval = 1 * time.Second
)

// Config holds the configuration for the fence `Registry`.
type Config struct {
	// CallbackQueueSize is the initial capacity of the queue feeding the callback worker. The queue grows on demand; a
	// signal never blocks on it.
	// Optional: Defaults to `defaultCallbackQueueSize` (64).
	CallbackQueueSize int

	// TombstoneTTL is how long a destroyed fence is remembered. Within the TTL, operations on the stale handle return
	// `ErrAlreadySignalled`; afterwards they return `ErrInvalidFence`.
	// Optional: Defaults to `defaultTombstoneTTL` (30 seconds). Zero disables tombstones.
	TombstoneTTL time.Duration

	// TombstoneCleanupInterval is the frequency at which the worker evicts expired tombstones.
	// Optional: Defaults to `defaultTombstoneCleanupInterval` (1 second).
	TombstoneCleanupInterval time.Duration

	// TriggerWithoutSwitch runs callbacks inline on the signalling goroutine instead of the worker. Debug only.
	TriggerWithoutSwitch bool
}

// ConfigOption is a functional option for configuring the fence Registry.
type ConfigOption func(*Config)

// NewConfig creates a new Config with the given options, applying defaults and validation.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		CallbackQueueSize:        defaultCallbackQueueSize,
		TombstoneTTL:             defaultTombstoneTTL,
		TombstoneCleanupInterval: defaultTombstoneCleanupInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithCallbackQueueSize sets the initial callback queue capacity.
func WithCallbackQueueSize(size int) ConfigOption {
	return func(c *Config) {
		c.CallbackQueueSize = size
	}
}

// WithTombstoneTTL sets how long destroyed fences are remembered.
func WithTombstoneTTL(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.TombstoneTTL = d
	}
}

// WithTombstoneCleanupInterval sets the tombstone eviction interval.
func WithTombstoneCleanupInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.TombstoneCleanupInterval = d
	}
}

// WithTriggerWithoutSwitch toggles inline callback execution.
func WithTriggerWithoutSwitch(enabled bool) ConfigOption {
	return func(c *Config) {
		c.TriggerWithoutSwitch = enabled
	}
}

// validate checks the configuration for validity.
func (c *Config) validate() error {
	if c.CallbackQueueSize < 0 {
		return fmt.Errorf("CallbackQueueSize cannot be negative, but got %d", c.CallbackQueueSize)
	}
	if c.TombstoneTTL < 0 {
		return fmt.Errorf("TombstoneTTL cannot be negative, but got %v", c.TombstoneTTL)
	}
	if c.TombstoneCleanupInterval <= 0 {
		return fmt.Errorf("TombstoneCleanupInterval must be positive, but got %v", c.TombstoneCleanupInterval)
	}
	return nil
}
