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

package server

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

func TestOptions(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expectError bool // expect validation error
		check       func(t *testing.T, opts *Options)
	}{
		{
			name: "Defaults are valid",
			check: func(t *testing.T, opts *Options) {
				if opts.Requests != 30 || opts.NumOutputs != 2 || opts.MetricsPort != DefaultMetricsPort {
					t.Errorf("unexpected defaults: %+v", opts)
				}
			},
		},
		{
			name: "Session flags",
			args: []string{
				"--context-name", "ife1",
				"--num-outputs", "3",
				"--requests", "5",
				"--frames", "10",
				"--timeout", "5s",
			},
			check: func(t *testing.T, opts *Options) {
				got := []any{opts.ContextName, opts.NumOutputs, opts.Requests, opts.Frames, opts.Timeout}
				want := []any{"ife1", 3, 5, 10, 5 * time.Second}
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("session flags mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "Verbosity maps to the zap level",
			args: []string{"-v", "4"},
			check: func(t *testing.T, opts *Options) {
				lvl := opts.ZapOptions.Level
				if lvl == nil || !lvl.Enabled(zapcore.Level(-4)) || lvl.Enabled(zapcore.Level(-5)) {
					t.Errorf("zap level does not follow -v 4: %v", opts.ZapOptions.Level)
				}
			},
		},
		{
			name: "Explicit zap level wins over verbosity",
			args: []string{"-v", "4", "--zap-log-level", "error"},
			check: func(t *testing.T, opts *Options) {
				lvl := opts.ZapOptions.Level
				if lvl == nil || lvl.Enabled(zapcore.InfoLevel) {
					t.Errorf("zap level should stay at error: %v", opts.ZapOptions.Level)
				}
			},
		},
		{
			name: "Streaming with frames",
			args: []string{"--streaming", "--frames", "60", "--stream-images", "2"},
			check: func(t *testing.T, opts *Options) {
				if !opts.Streaming || opts.StreamImages != 2 {
					t.Errorf("streaming flags not applied: %+v", opts)
				}
			},
		},
		{
			name:        "Streaming needs frames",
			args:        []string{"--streaming"},
			expectError: true,
		},
		{
			name:        "Invalid negative requests",
			args:        []string{"--requests", "-1"},
			expectError: true,
		},
		{
			name:        "Invalid over max outputs",
			args:        []string{"--num-outputs", "25"},
			expectError: true,
		},
		{
			name:        "Invalid over max port range",
			args:        []string{"--metrics-port", "65536"},
			expectError: true,
		},
		{
			name:        "Config file and text are exclusive",
			args:        []string{"--config-file", "isp.yaml", "--config-text", "context: {}"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := pflag.NewFlagSet(tt.name, pflag.ContinueOnError)

			opts := NewOptions()
			opts.AddFlags(fs)

			if err := fs.Parse(tt.args); err != nil {
				t.Fatalf("Failed to parse flags: %v", err)
			}

			if err := opts.Complete(); err != nil {
				t.Fatalf("Complete failed unexpectedly with error: %v", err)
			}

			err := opts.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatalf("Expected a validation error but got none.")
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate failed unexpectedly with error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, opts)
			}
		})
	}
}
