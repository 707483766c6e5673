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

package monitor

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

func TestStateMonitor(t *testing.T) {
	t.Parallel()

	t.Run("ShouldKeepInsertionOrderBeforeWrap", func(t *testing.T) {
		t.Parallel()
		m := NewStateMonitor(4)
		m.Record(Transition{Substate: types.SubstateApplied, RequestID: 1})
		m.Record(Transition{Substate: types.SubstateEpoch, RequestID: 1})

		got := m.Entries()
		assert.Len(t, got, 2)
		assert.Equal(t, types.SubstateApplied, got[0].Substate)
		assert.Equal(t, types.SubstateEpoch, got[1].Substate)
	})

	t.Run("ShouldOverwriteOldestAfterWrap", func(t *testing.T) {
		t.Parallel()
		m := NewStateMonitor(3)
		for i := 1; i <= 5; i++ {
			m.Record(Transition{RequestID: types.RequestID(i)})
		}
		got := m.Entries()
		ids := []types.RequestID{got[0].RequestID, got[1].RequestID, got[2].RequestID}
		assert.Equal(t, []types.RequestID{3, 4, 5}, ids)
	})

	t.Run("ShouldReset", func(t *testing.T) {
		t.Parallel()
		m := NewStateMonitor(2)
		m.Record(Transition{RequestID: 1})
		m.Record(Transition{RequestID: 2})
		m.Reset()
		assert.Empty(t, m.Entries())
	})
}

func TestEventRecorder(t *testing.T) {
	t.Parallel()
	e := NewEventRecorder(2)
	now := time.Now()
	e.Record(types.RecordApply, 1, now)
	e.Record(types.RecordApply, 2, now)
	e.Record(types.RecordApply, 3, now)
	e.Record(types.RecordRUP, 1, now)

	apply := e.Records(types.RecordApply)
	assert.Len(t, apply, 2)
	assert.Equal(t, types.RequestID(2), apply[0].RequestID)
	assert.Equal(t, types.RequestID(3), apply[1].RequestID)
	assert.Len(t, e.Records(types.RecordRUP), 1)
	assert.Empty(t, e.Records(types.RecordBufDone))

	assert.NotPanics(t, func() { Dump(testr.New(t), NewStateMonitor(1), e) })
	e.Reset()
	assert.Empty(t, e.Records(types.RecordApply))
}
