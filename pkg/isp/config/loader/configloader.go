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

// Package loader turns a YAML configuration document into validated context, fence and simulator configurations.
package loader

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/controller"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/fence"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/sim"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/env"
)

// Environment variables that override the configuration document.
const (
	EnvMaxActiveRequests    env.Key = "ISP_MAX_ACTIVE_REQUESTS"
	EnvBubbleFrameThreshold env.Key = "ISP_BUBBLE_FRAME_THRESHOLD"
	EnvFrameInterval        env.Key = "ISP_FRAME_INTERVAL"
)

// Config is the fully defaulted and validated configuration.
type Config struct {
	Context controller.Config
	Fence   fence.Config
	Sim     sim.Config
}

// LoadConfigFile reads and loads the configuration document at path.
func LoadConfigFile(path string, logger logr.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file - %w", err)
	}
	return LoadConfig(data, logger)
}

// LoadConfig loads configuration from supplied text. Empty text yields the defaults. Environment overrides are
// applied on top of the document.
func LoadConfig(configBytes []byte, logger logr.Logger) (*Config, error) {
	raw, err := loadRawConfig(configBytes)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(raw, logger)
	logger.Info("Loaded configuration", "config", raw)

	ctxCfg, err := controller.NewConfig(contextOptions(raw.Context)...)
	if err != nil {
		return nil, fmt.Errorf("invalid context configuration - %w", err)
	}
	fenceCfg, err := fence.NewConfig(fenceOptions(raw.Fence)...)
	if err != nil {
		return nil, fmt.Errorf("invalid fence configuration - %w", err)
	}
	simOpts, err := simOptions(raw.Simulator)
	if err != nil {
		return nil, err
	}
	simCfg, err := sim.NewConfig(simOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid simulator configuration - %w", err)
	}
	return &Config{Context: *ctxCfg, Fence: *fenceCfg, Sim: *simCfg}, nil
}

func loadRawConfig(configBytes []byte) (*RawConfig, error) {
	raw := &RawConfig{}
	if err := yaml.UnmarshalStrict(configBytes, raw); err != nil {
		return nil, fmt.Errorf("the configuration is invalid - %w", err)
	}
	if raw.Context == nil {
		raw.Context = &ContextConfig{}
	}
	if raw.Fence == nil {
		raw.Fence = &FenceConfig{}
	}
	if raw.Simulator == nil {
		raw.Simulator = &SimulatorConfig{}
	}
	return raw, nil
}

func applyEnvOverrides(raw *RawConfig, logger logr.Logger) {
	env.Int(EnvMaxActiveRequests, &raw.Context.MaxActiveRequests, logger)
	env.Int(EnvBubbleFrameThreshold, &raw.Context.BubbleFrameThreshold, logger)
	env.Duration(EnvFrameInterval, &raw.Simulator.FrameInterval, logger)
}

// withValue appends the option built from v when v is set.
func withValue[T any, O any](opts []O, v *T, fn func(T) O) []O {
	if v == nil {
		return opts
	}
	return append(opts, fn(*v))
}

func contextOptions(c *ContextConfig) []controller.ConfigOption {
	var opts []controller.ConfigOption
	opts = withValue(opts, c.MaxActiveRequests, controller.WithMaxActiveRequests)
	opts = withValue(opts, c.MaxConfigEntries, controller.WithMaxConfigEntries)
	opts = withValue(opts, c.MaxOutputs, controller.WithMaxOutputs)
	opts = withValue(opts, c.RequestPoolSize, controller.WithRequestPoolSize)
	opts = withValue(opts, c.BubbleFrameThreshold, controller.WithBubbleFrameThreshold)
	opts = withValue(opts, c.SupportConsumedAddr, controller.WithSupportConsumedAddr)
	opts = withValue(opts, c.RecoveryEnabled, controller.WithRecoveryEnabled)
	opts = withValue(opts, c.MaxStreamImages, controller.WithMaxStreamImages)
	if c.StateMonitorEntries != nil || c.EventRecordEntries != nil {
		defaults := controller.DefaultConfig()
		opts = append(opts, controller.WithMonitorDepth(
			ptr.Deref(c.StateMonitorEntries, defaults.StateMonitorEntries),
			ptr.Deref(c.EventRecordEntries, defaults.EventRecordEntries)))
	}
	return opts
}

func fenceOptions(f *FenceConfig) []fence.ConfigOption {
	var opts []fence.ConfigOption
	opts = withValue(opts, f.CallbackQueueSize, fence.WithCallbackQueueSize)
	opts = withValue(opts, f.TombstoneTTL, func(d metav1.Duration) fence.ConfigOption {
		return fence.WithTombstoneTTL(d.Duration)
	})
	opts = withValue(opts, f.TombstoneCleanupInterval, func(d metav1.Duration) fence.ConfigOption {
		return fence.WithTombstoneCleanupInterval(d.Duration)
	})
	opts = withValue(opts, f.TriggerWithoutSwitch, fence.WithTriggerWithoutSwitch)
	return opts
}

func simOptions(s *SimulatorConfig) ([]sim.ConfigOption, error) {
	var opts []sim.ConfigOption
	opts = withValue(opts, s.FrameInterval, func(d metav1.Duration) sim.ConfigOption {
		return sim.WithFrameInterval(d.Duration)
	})
	if s.RUPOffset != nil || s.EpochOffset != nil || s.DoneOffset != nil {
		defaults := sim.DefaultConfig()
		opts = append(opts, sim.WithEventOffsets(
			ptr.Deref(s.RUPOffset, metav1.Duration{Duration: defaults.RUPOffset}).Duration,
			ptr.Deref(s.EpochOffset, metav1.Duration{Duration: defaults.EpochOffset}).Duration,
			ptr.Deref(s.DoneOffset, metav1.Duration{Duration: defaults.DoneOffset}).Duration))
	}
	opts = withValue(opts, s.DoneDelayFrames, sim.WithDoneDelayFrames)
	opts = withValue(opts, s.RecoveryEnabled, sim.WithRecoveryEnabled)

	if s.Faults == nil {
		return opts, nil
	}
	for _, id := range s.Faults.DropRUP {
		opts = append(opts, sim.WithDroppedRUP(types.RequestID(id)))
	}
	for _, id := range s.Faults.BusyOnConfig {
		opts = append(opts, sim.WithBusyOnConfig(types.RequestID(id)))
	}
	for _, d := range s.Faults.DelayDone {
		opts = append(opts, sim.WithDelayedDone(types.RequestID(d.RequestID), d.Frames))
	}
	for _, e := range s.Faults.ErrorAtFrame {
		errType, err := parseHWErrorType(e.Type)
		if err != nil {
			return nil, fmt.Errorf("invalid simulator fault at frame %d - %w", e.Frame, err)
		}
		opts = append(opts, sim.WithErrorAtFrame(e.Frame, errType))
	}
	return opts, nil
}

func parseHWErrorType(name string) (types.HWErrorType, error) {
	for _, t := range []types.HWErrorType{types.HWErrorOther, types.HWErrorOverflow, types.HWErrorBusIfOverflow,
		types.HWErrorViolation, types.HWErrorCSIDFatal} {
		if t.String() == name {
			return t, nil
		}
	}
	return types.HWErrorOther, fmt.Errorf("unknown hardware error type %q", name)
}
