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

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	compbasemetrics "k8s.io/component-base/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	metricsutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/metrics"
)

const (
	// --- Subsystems ---
	ContextComponent = "isp_context"
	FenceComponent   = "isp_fence"
	SimComponent     = "isp_sim"

	// --- Apply Results ---
	ApplyResultSuccess     = "success"
	ApplyResultBusy        = "busy"
	ApplyResultRejected    = "rejected"
	ApplyResultHWError     = "hw_error"
	ApplyResultBackpressed = "backpressure"

	// --- Bubble Outcomes ---
	BubbleOutcomeReported  = "reported"
	BubbleOutcomeReplayed  = "replayed"
	BubbleOutcomeCompleted = "completed"

	// --- Queues ---
	QueuePending = "pending"
	QueueWait    = "wait"
	QueueActive  = "active"
	QueueFree    = "free"
)

var (
	// RequestLatencyBuckets covers one frame at 240fps up to a few seconds of replay.
	RequestLatencyBuckets = []float64{
		0.002, 0.004, 0.008, 0.016, 0.033, 0.05, 0.066, 0.1, 0.15, 0.2, 0.3, 0.5, 1, 2, 5,
	}
)

// --- Context Metrics ---
var (
	eventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: ContextComponent,
			Name:      "events_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of hardware events dispatched, broken out by event kind and the sub-state that handled it.", compbasemetrics.ALPHA),
		},
		[]string{"event", "substate"},
	)

	applyCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: ContextComponent,
			Name:      "apply_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of apply requests broken out by result.", compbasemetrics.ALPHA),
		},
		[]string{"result"},
	)

	bubbleCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: ContextComponent,
			Name:      "bubbles_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of bubble decisions broken out by outcome.", compbasemetrics.ALPHA),
		},
		[]string{"outcome"},
	)

	hwErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: ContextComponent,
			Name:      "hw_errors_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of hardware error events broken out by error type.", compbasemetrics.ALPHA),
		},
		[]string{"kind"},
	)

	flushCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: ContextComponent,
			Name:      "flush_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of flush requests broken out by flush type.", compbasemetrics.ALPHA),
		},
		[]string{"type"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: ContextComponent,
			Name:      "queue_depth",
			Help:      metricsutil.HelpMsgWithStability("Number of requests held in each queue.", compbasemetrics.ALPHA),
		},
		[]string{"queue"},
	)

	requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: ContextComponent,
			Name:      "request_latency_seconds",
			Help:      metricsutil.HelpMsgWithStability("Time from packet submission to the completion of every output buffer of the request.", compbasemetrics.ALPHA),
			Buckets:   RequestLatencyBuckets,
		},
		[]string{},
	)
)

// --- Fence Metrics ---
var (
	fenceSignalCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: FenceComponent,
			Name:      "signals_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of terminal fence signals broken out by outcome.", compbasemetrics.ALPHA),
		},
		[]string{"outcome"},
	)
)

// --- Simulator Metrics ---
var (
	simFrameCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: SimComponent,
			Name:      "frames_total",
			Help:      metricsutil.HelpMsgWithStability("Counter of simulated frames broken out by stream.", compbasemetrics.ALPHA),
		},
		[]string{"stream"},
	)
)

// --- Info Metrics ---
var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Subsystem: SimComponent,
		Name:      "info",
		Help:      metricsutil.HelpMsgWithStability("General information of the current build of the ISP simulator.", compbasemetrics.ALPHA),
	},
	[]string{"version", "commit", "build_ref"},
)

var registerMetrics sync.Once

// Register all metrics.
func Register(customCollectors ...prometheus.Collector) {
	registerMetrics.Do(func() {
		metrics.Registry.MustRegister(eventCounter)
		metrics.Registry.MustRegister(applyCounter)
		metrics.Registry.MustRegister(bubbleCounter)
		metrics.Registry.MustRegister(hwErrorCounter)
		metrics.Registry.MustRegister(flushCounter)
		metrics.Registry.MustRegister(queueDepth)
		metrics.Registry.MustRegister(requestLatency)
		metrics.Registry.MustRegister(fenceSignalCounter)
		metrics.Registry.MustRegister(simFrameCounter)
		metrics.Registry.MustRegister(buildInfo)

		for _, collector := range customCollectors {
			metrics.Registry.MustRegister(collector)
		}
	})
}

// Reset resets all metrics. Only used in tests.
func Reset() {
	eventCounter.Reset()
	applyCounter.Reset()
	bubbleCounter.Reset()
	hwErrorCounter.Reset()
	flushCounter.Reset()
	queueDepth.Reset()
	requestLatency.Reset()
	fenceSignalCounter.Reset()
	simFrameCounter.Reset()
	buildInfo.Reset()
}

// RecordEvent counts a dispatched hardware event.
func RecordEvent(event, substate string) {
	eventCounter.WithLabelValues(event, substate).Inc()
}

// RecordApply counts an apply attempt.
func RecordApply(result string) {
	applyCounter.WithLabelValues(result).Inc()
}

// RecordBubble counts a bubble decision.
func RecordBubble(outcome string) {
	bubbleCounter.WithLabelValues(outcome).Inc()
}

// RecordHWError counts a hardware error event.
func RecordHWError(kind string) {
	hwErrorCounter.WithLabelValues(kind).Inc()
}

// RecordFlush counts a flush request.
func RecordFlush(flushType string) {
	flushCounter.WithLabelValues(flushType).Inc()
}

// SetQueueDepths publishes the size of every queue.
func SetQueueDepths(pending, wait, active, free int) {
	queueDepth.WithLabelValues(QueuePending).Set(float64(pending))
	queueDepth.WithLabelValues(QueueWait).Set(float64(wait))
	queueDepth.WithLabelValues(QueueActive).Set(float64(active))
	queueDepth.WithLabelValues(QueueFree).Set(float64(free))
}

// RecordRequestLatency records the submission-to-completion latency of a request.
// Non-positive durations are dropped.
func RecordRequestLatency(d time.Duration) {
	if d <= 0 {
		return
	}
	requestLatency.WithLabelValues().Observe(d.Seconds())
}

// RecordFenceSignal counts a terminal fence signal.
func RecordFenceSignal(outcome string) {
	fenceSignalCounter.WithLabelValues(outcome).Inc()
}

// RecordSimFrame counts one simulated frame of the named stream.
func RecordSimFrame(stream string) {
	simFrameCounter.WithLabelValues(stream).Inc()
}

// RecordBuildInfo records the build information of the running binary.
func RecordBuildInfo(version, commitSha, buildRef string) {
	buildInfo.WithLabelValues(version, commitSha, buildRef).Set(1)
}
