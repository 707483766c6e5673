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

package logging

import (
	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used with logger.V(...).
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// ZapLevel is the zap level that enables logger.V(verbosity).
// See https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/log/zap#Options.Level
func ZapLevel(verbosity int) zapcore.Level {
	return zapcore.Level(int8(-verbosity))
}

// ForContext names the logger of one ISP context. Every line it emits carries the context id.
func ForContext(logger logr.Logger, ctxID string) logr.Logger {
	return logger.WithName("isp-context").WithValues("ctxID", ctxID)
}
