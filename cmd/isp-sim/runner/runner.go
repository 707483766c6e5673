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
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/internal/runnable"
	tlsutil "github.com/facebookincubator/oculus-linux-kernel-sub024/internal/tls"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/config/loader"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/controller"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/fence"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/metrics"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/server"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/sim"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/version"
)

var setupLog = ctrl.Log.WithName("setup")

// Runner wires a context to the simulated pipeline and drives one session.
type Runner struct {
	clock clock.WithTicker
	last  *session
}

// NewRunner returns a Runner on the real clock.
func NewRunner() *Runner {
	return &Runner{clock: clock.RealClock{}}
}

// WithClock overrides the clock driving the simulated frames.
func (r *Runner) WithClock(c clock.WithTicker) *Runner {
	r.clock = c
	return r
}

func (r *Runner) Run(ctx context.Context) error {
	logutil.InitSetupLogging()

	opts := server.NewOptions()
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()

	if err := opts.Complete(); err != nil {
		setupLog.Error(err, "Failed to complete flags")
		return err
	}
	if err := opts.Validate(); err != nil {
		setupLog.Error(err, "Failed to validate flags")
		return err
	}
	logutil.InitLogging(&opts.ZapOptions)

	setupLog.Info("ISP simulator build", "version", version.Version, "commit-sha", version.CommitSHA,
		"build-ref", version.BuildRef)

	// Print all flag values
	flags := make(map[string]any)
	pflag.VisitAll(func(f *pflag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	cfg, err := r.parseConfiguration(opts, setupLog)
	if err != nil {
		setupLog.Error(err, "Failed to load the configuration")
		return err
	}

	metrics.Register()
	metrics.RecordBuildInfo(version.Version, version.CommitSHA, version.BuildRef)

	metricsServer, err := newMetricsServer(opts)
	if err != nil {
		setupLog.Error(err, "Failed to create the metrics server")
		return err
	}

	if err := r.RunSession(ctx, opts, cfg, metricsServer); err != nil {
		setupLog.Error(err, "Session failed")
		return err
	}
	return nil
}

func (r *Runner) parseConfiguration(opts *server.Options, logger logr.Logger) (*loader.Config, error) {
	if opts.ConfigFile != "" {
		return loader.LoadConfigFile(opts.ConfigFile, logger)
	}
	return loader.LoadConfig([]byte(opts.ConfigText), logger)
}

// RunSession runs the fence callback worker, the optional metrics server and one session until the session ends
// or ctx is cancelled.
func (r *Runner) RunSession(ctx context.Context, opts *server.Options, cfg *loader.Config,
	extra ...manager.Runnable) error {
	logger := ctrl.Log.WithName("isp-sim")

	fences := fence.NewRegistry(cfg.Fence, logger, fence.WithClock(r.clock))
	pipeline := sim.NewPipeline(cfg.Sim, logger, sim.WithClock(r.clock))
	ispCtx, err := controller.NewContext(opts.ContextName, cfg.Context, pipeline, fences, logger)
	if err != nil {
		return fmt.Errorf("failed to create the context - %w", err)
	}
	sess := newSession(opts, ispCtx, pipeline, fences, cfg.Sim.FrameInterval, logger)
	r.last = sess

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runnables := []manager.Runnable{
		runnable.Func("fence-callbacks", fences.Run),
		runnable.Func("session", func(ctx context.Context) error {
			// The session ending stops every other runnable.
			defer cancel()
			return sess.run(ctx)
		}),
	}
	for _, e := range extra {
		if e != nil {
			runnables = append(runnables, runnable.Named("metrics-server", e))
		}
	}
	return runnable.RunAll(ctx, runnables...)
}

// LastSummary reports the most recent session. It is only valid once RunSession has returned.
func (r *Runner) LastSummary() Summary {
	if r.last == nil {
		return Summary{}
	}
	return r.last.summary()
}

// newMetricsServer returns nil when the metrics endpoint is disabled.
func newMetricsServer(opts *server.Options) (manager.Runnable, error) {
	if opts.MetricsPort == 0 {
		return nil, nil
	}
	// See https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/metrics/server
	metricsServerOptions := metricsserver.Options{
		BindAddress: fmt.Sprintf(":%d", opts.MetricsPort),
	}
	if opts.EnablePprof {
		setupLog.Info("Enabling pprof handlers")
		metricsServerOptions.ExtraHandlers = pprofHandlers()
	}
	if opts.SecureServing {
		cert, err := tlsutil.NewSelfSignedCertificate(tlsutil.CertOptions{Hosts: tlsutil.DefaultHosts}, setupLog)
		if err != nil {
			return nil, fmt.Errorf("failed to create the metrics certificate - %w", err)
		}
		metricsServerOptions.SecureServing = true
		metricsServerOptions.TLSOpts = []func(*tls.Config){tlsutil.ServeCertificate(cert)}
	}
	srv, err := metricsserver.NewServer(metricsServerOptions, nil, nil)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// pprofHandlers only implements the pre-defined profiles:
// https://cs.opensource.google/go/go/+/refs/tags/go1.24.4:src/runtime/pprof/pprof.go;l=108
func pprofHandlers() map[string]http.Handler {
	profiles := []string{
		"heap",
		"goroutine",
		"allocs",
		"threadcreate",
		"block",
		"mutex",
	}
	handlers := make(map[string]http.Handler, len(profiles))
	for _, p := range profiles {
		handlers["/debug/pprof/"+p] = pprof.Handler(p)
	}
	return handlers
}
