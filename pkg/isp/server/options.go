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
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/spf13/pflag"
	uberzap "go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

const (
	DefaultMetricsPort  = 9090
	ZapLogLevelFlagName = "zap-log-level"
)

// Options contains configuration values necessary to create and run the ISP simulator.
type Options struct {
	//
	// Session.
	//
	ContextName  string        // Name of the simulated stream.
	NumOutputs   int           // Output ports written by every request.
	Requests     int           // Number of UPDATE requests to submit.
	Frames       int           // Number of frames to run before stopping; 0 runs until every request completed.
	Timeout      time.Duration // Upper bound on the session duration.
	Streaming    bool          // Runs the streaming sub-mode instead of request mode.
	StreamImages int           // Number of stream images when streaming.
	//
	// Diagnostics.
	//
	LogVerbosity  int         // Number for the log level verbosity.
	ZapOptions    zap.Options // Zap logging options
	MetricsPort   int         // The metrics port; 0 disables the metrics endpoint.
	EnablePprof   bool        // Enables pprof handlers on the metrics endpoint.
	SecureServing bool        // Serves the metrics endpoint over TLS with a self-signed certificate.
	//
	// Configuration.
	//
	ConfigFile string // The path to the configuration file.
	ConfigText string // The configuration specified as text, in lieu of a file.

	// internal
	fs *pflag.FlagSet // FlagSet used in AddFlags() and consulted in Complete()
}

// NewOptions returns a new Options struct initialized with the default values.
func NewOptions() *Options {
	return &Options{
		ContextName:  "ife0",
		NumOutputs:   2,
		Requests:     30,
		Timeout:      time.Minute,
		StreamImages: 4,
		LogVerbosity: logging.DEFAULT,
		ZapOptions:   zap.Options{Development: true},
		MetricsPort:  DefaultMetricsPort,
	}
}

func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.StringVar(&opts.ContextName, "context-name", opts.ContextName, "Name of the simulated stream.")
	fs.IntVar(&opts.NumOutputs, "num-outputs", opts.NumOutputs, "Output ports written by every request.")
	fs.IntVar(&opts.Requests, "requests", opts.Requests, "Number of UPDATE requests to submit.")
	fs.IntVar(&opts.Frames, "frames", opts.Frames,
		"Number of frames to run before stopping. Zero runs until every request has completed.")
	fs.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Upper bound on the session duration.")
	fs.BoolVar(&opts.Streaming, "streaming", opts.Streaming, "Runs the streaming sub-mode instead of request mode.")
	fs.IntVar(&opts.StreamImages, "stream-images", opts.StreamImages, "Number of stream images when streaming.")
	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity, "Number for the log level verbosity.") // allow both --v and -v
	gofs := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.ZapOptions.BindFlags(gofs) // zap expects a standard Go FlagSet and pflag.FlagSet is not compatible.
	fs.AddGoFlagSet(gofs)
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort, "The metrics port. Zero disables the endpoint.")
	fs.BoolVar(&opts.EnablePprof, "enable-pprof", opts.EnablePprof, "Enables pprof handlers on the metrics endpoint.")
	fs.BoolVar(&opts.SecureServing, "secure-serving", opts.SecureServing,
		"Serves the metrics endpoint over TLS with a self-signed certificate.")
	fs.StringVar(&opts.ConfigFile, "config-file", opts.ConfigFile, "The path to the configuration file.")
	fs.StringVar(&opts.ConfigText, "config-text", opts.ConfigText, "The configuration specified as text, in lieu of a file.")
}

func (opts *Options) Complete() error {
	// ensure zap log level is set - explicitly by user or from "-v"
	zapLogLevelFlag := opts.fs.Lookup(ZapLogLevelFlagName)
	if zapLogLevelFlag != nil && !zapLogLevelFlag.Changed { // not set explicitly
		opts.ZapOptions.Level = uberzap.NewAtomicLevelAt(logging.ZapLevel(opts.LogVerbosity))
		zapLogLevelFlag.Changed = true
	}
	return nil
}

func (opts *Options) Validate() error {
	if opts.ContextName == "" {
		return errors.New("context-name must be set")
	}
	if opts.NumOutputs < 1 || opts.NumOutputs > 24 {
		return fmt.Errorf("flag %q should be from 1 to 24", "num-outputs")
	}
	if opts.Requests < 0 {
		return fmt.Errorf("flag %q cannot be negative", "requests")
	}
	if opts.Frames < 0 {
		return fmt.Errorf("flag %q cannot be negative", "frames")
	}
	if opts.Streaming && opts.Frames == 0 {
		return fmt.Errorf("flag %q must be set when streaming", "frames")
	}
	if opts.Streaming && opts.StreamImages <= 0 {
		return fmt.Errorf("flag %q must be positive when streaming", "stream-images")
	}
	if opts.Timeout <= 0 {
		return fmt.Errorf("flag %q must be positive", "timeout")
	}
	if opts.MetricsPort < 0 || opts.MetricsPort > 65535 {
		return fmt.Errorf("invalid port number %d in %q", opts.MetricsPort, "metrics-port")
	}

	if opts.ConfigText != "" && opts.ConfigFile != "" {
		return fmt.Errorf("both the %q and %q flags can not be set at the same time", "configText", "configFile")
	}
	return nil
}
