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

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/metrics"
	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

// bubbleQuery is the hardware's last completed request, read before the event lock is taken.
type bubbleQuery struct {
	ok            bool
	lastCompleted types.RequestID
}

// eventHandler handles one hardware event with the event lock held.
type eventHandler func(c *Context, ev types.Event, bq bubbleQuery, out *outbox) error

// requestHandler is the request-mode dispatch table. A nil result means the event is ignored in that sub-state.
//
//	           ERROR     SOF             RUP          EPOCH              EOF        DONE
//	SOF        hwError   sofCheckBubble  rupInSOF     notifySOF          notifyEOF  bufDone
//	APPLIED    hwError   sof             rupApplied   epochInApplied     notifyEOF  bufDone
//	EPOCH      hwError   sofInEpoch      rupIgnored   notifySOF          notifyEOF  bufDone
//	BUBBLE     hwError   sofCheckBubble  rupIgnored   notifySOF          notifyEOF  bufDone
//	BUBBLE_APP hwError   sof             rupApplied   epochInBubbleApp   -          bufDone
//	HW_ERROR   -         sof             rupInHWError -                  -          -
//	HALT       -         -               -            -                  -          -
func requestHandler(s types.Substate, k types.EventKind) eventHandler {
	switch s {
	case types.SubstateSOF:
		switch k {
		case types.EventError:
			return (*Context).onHWError
		case types.EventSOF:
			return (*Context).onSOFCheckBubble
		case types.EventRUP:
			return (*Context).onRUPInSOF
		case types.EventEpoch:
			return (*Context).onNotifySOF
		case types.EventEOF:
			return (*Context).onNotifyEOF
		case types.EventDone:
			return (*Context).onBufDone
		}
	case types.SubstateApplied:
		switch k {
		case types.EventError:
			return (*Context).onHWError
		case types.EventSOF:
			return (*Context).onSOF
		case types.EventRUP:
			return (*Context).onRUPApplied
		case types.EventEpoch:
			return (*Context).onEpochInApplied
		case types.EventEOF:
			return (*Context).onNotifyEOF
		case types.EventDone:
			return (*Context).onBufDone
		}
	case types.SubstateEpoch:
		switch k {
		case types.EventError:
			return (*Context).onHWError
		case types.EventSOF:
			return (*Context).onSOFInEpoch
		case types.EventRUP:
			return (*Context).onRUPIgnored
		case types.EventEpoch:
			return (*Context).onNotifySOF
		case types.EventEOF:
			return (*Context).onNotifyEOF
		case types.EventDone:
			return (*Context).onBufDone
		}
	case types.SubstateBubble:
		switch k {
		case types.EventError:
			return (*Context).onHWError
		case types.EventSOF:
			return (*Context).onSOFCheckBubble
		case types.EventRUP:
			return (*Context).onRUPIgnored
		case types.EventEpoch:
			return (*Context).onNotifySOF
		case types.EventEOF:
			return (*Context).onNotifyEOF
		case types.EventDone:
			return (*Context).onBufDone
		}
	case types.SubstateBubbleApplied:
		switch k {
		case types.EventError:
			return (*Context).onHWError
		case types.EventSOF:
			return (*Context).onSOF
		case types.EventRUP:
			return (*Context).onRUPApplied
		case types.EventEpoch:
			return (*Context).onEpochInBubbleApplied
		case types.EventDone:
			return (*Context).onBufDone
		}
	case types.SubstateHWError:
		switch k {
		case types.EventSOF:
			return (*Context).onSOF
		case types.EventRUP:
			return (*Context).onRUPInHWError
		}
	case types.SubstateHalt:
	}
	return nil
}

// streamHandler is the streaming sub-mode dispatch table.
//
//	           ERROR     SOF                RUP                  DONE
//	SOF        hwError   streamSOF          streamUnexpected     streamBufDone
//	APPLIED    hwError   streamSOFApplied   streamUnexpected     streamBufDone
//	BUBBLE     hwError   streamRecovery     -                    -
//	BUBBLE_APP hwError   streamUnexpected   streamRUP            streamBufDone
func streamHandler(s types.Substate, k types.EventKind) eventHandler {
	switch s {
	case types.SubstateSOF:
		switch k {
		case types.EventError:
			return (*Context).onHWError
		case types.EventSOF:
			return (*Context).onStreamSOF
		case types.EventRUP:
			return (*Context).onStreamUnexpected
		case types.EventDone:
			return (*Context).onStreamBufDone
		}
	case types.SubstateApplied:
		switch k {
		case types.EventError:
			return (*Context).onHWError
		case types.EventSOF:
			return (*Context).onStreamSOFApplied
		case types.EventRUP:
			return (*Context).onStreamUnexpected
		case types.EventDone:
			return (*Context).onStreamBufDone
		}
	case types.SubstateBubble:
		switch k {
		case types.EventError:
			return (*Context).onHWError
		case types.EventSOF:
			return (*Context).onStreamRecoverySOF
		}
	case types.SubstateBubbleApplied:
		switch k {
		case types.EventError:
			return (*Context).onHWError
		case types.EventSOF:
			return (*Context).onStreamUnexpected
		case types.EventRUP:
			return (*Context).onStreamRUP
		case types.EventDone:
			return (*Context).onStreamBufDone
		}
	}
	return nil
}

// HandleEvent dispatches one hardware event. It is safe to call from any goroutine, including from inside a
// hardware driver call made by the context.
func (c *Context) HandleEvent(ev types.Event) error {
	bq := c.prefetchBubbleQuery(ev)

	var out outbox
	c.mu.Lock()
	err := c.dispatchLocked(ev, bq, &out)
	c.updateQueueMetricsLocked()
	c.mu.Unlock()
	c.flushEffects(&out)
	return err
}

// prefetchBubbleQuery reads the hardware's last completed request when an SOF may need it for a bubble decision.
func (c *Context) prefetchBubbleQuery(ev types.Event) bubbleQuery {
	if ev.Kind != types.EventSOF {
		return bubbleQuery{}
	}
	c.mu.Lock()
	need := c.processBubble && c.state == types.StateActivated && !c.streamMode
	hw, h := c.hw, c.hwHandle
	c.mu.Unlock()
	if !need {
		return bubbleQuery{}
	}
	last, err := hw.QueryLastCompleted(h)
	if err != nil {
		c.logger.Error(err, "Failed to query last completed request")
		return bubbleQuery{}
	}
	return bubbleQuery{ok: true, lastCompleted: last}
}

func (c *Context) dispatchLocked(ev types.Event, bq bubbleQuery, out *outbox) error {
	if c.state != types.StateActivated && c.state != types.StateFlushed {
		c.logger.V(logutil.DEBUG).Info("Dropping hardware event outside activation", "event", ev.Kind,
			"state", c.state)
		return fmt.Errorf("%w: %s event", types.ErrInvalidState, ev.Kind)
	}

	var h eventHandler
	if c.streamMode {
		h = streamHandler(c.substate, ev.Kind)
	} else {
		h = requestHandler(c.substate, ev.Kind)
	}
	metrics.RecordEvent(ev.Kind.String(), c.substate.String())
	if h == nil {
		c.logger.V(logutil.DEBUG).Info("No handler for event", "event", ev.Kind, "substate", c.substate)
		if c.logger.V(logutil.TRACE).Enabled() {
			c.dumpLocked(c.logger.V(logutil.TRACE))
		}
		return nil
	}
	return h(c, ev, bq, out)
}
