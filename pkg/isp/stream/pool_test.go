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

package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/types"
)

func specs(ids ...int64) []types.StreamImageSpec {
	out := make([]types.StreamImageSpec, len(ids))
	for i, id := range ids {
		out[i] = types.StreamImageSpec{ImageID: id}
	}
	return out
}

func newTestPool(t *testing.T, ids ...int64) (*Pool, *testclock.FakeClock) {
	t.Helper()
	clk := testclock.NewFakeClock(time.Now())
	p, err := NewPool(specs(ids...), 16, clk)
	require.NoError(t, err, "Pool construction should succeed")
	return p, clk
}

// cycle drives one image from free to ready.
func cycle(t *testing.T, p *Pool, frame uint64) {
	t.Helper()
	img, err := p.TakeForApply()
	require.NoError(t, err)
	p.SetApplied(img)
	require.True(t, p.Activate(frame, frame*100))
	_, ok := p.Complete(frame*100 + 50)
	require.True(t, ok)
}

func TestNewPool(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		specs []types.StreamImageSpec
	}{
		{name: "ShouldRejectEmpty", specs: nil},
		{name: "ShouldRejectTooMany", specs: specs(1, 2, 3)},
		{name: "ShouldRejectDuplicateIDs", specs: specs(1, 1)},
		{name: "ShouldRejectInputFences", specs: []types.StreamImageSpec{{ImageID: 1, In: []types.FenceID{9}}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewPool(tc.specs, 2, testclock.NewFakeClock(time.Now()))
			assert.ErrorIs(t, err, types.ErrInvalidPacket)
		})
	}
}

func TestPool_Lifecycle(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, 1, 2)

	cycle(t, p, 1)
	assert.Equal(t, Counts{Free: 1, Ready: 1}, p.Counts())

	img, err := p.Get(time.Second)
	require.NoError(t, err, "A ready image should be returned without waiting")
	assert.Equal(t, int64(1), img.ImageID)
	assert.Equal(t, uint64(1), img.FrameNum)
	assert.Equal(t, uint64(150), img.Timestamp)
	assert.Equal(t, uint64(100), img.SOFTimestamp)
	assert.Equal(t, Counts{Free: 1, User: 1}, p.Counts())

	err = p.Return(1, 42)
	assert.ErrorIs(t, err, types.ErrUnknownImage, "Unknown ids should be reported")
	assert.Equal(t, Counts{Free: 2}, p.Counts(), "Known ids should still be returned")
}

func TestPool_TakeForApply(t *testing.T) {
	t.Parallel()

	t.Run("ShouldNotStealTheOnlyReadyImage", func(t *testing.T) {
		t.Parallel()
		p, _ := newTestPool(t, 1)
		cycle(t, p, 1)
		_, err := p.TakeForApply()
		assert.ErrorIs(t, err, types.ErrNoStreamImage)
	})

	t.Run("ShouldRecycleOldestReadyImage", func(t *testing.T) {
		t.Parallel()
		p, _ := newTestPool(t, 1, 2)
		cycle(t, p, 1)
		cycle(t, p, 2)
		img, err := p.TakeForApply()
		require.NoError(t, err)
		assert.Equal(t, int64(1), img.Spec.ImageID)
		p.Discard(img)
		assert.Equal(t, Counts{Free: 1, Ready: 1}, p.Counts())
	})
}

func TestPool_Recover(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, 1, 2, 3)
	img, _ := p.TakeForApply()
	p.SetApplied(img)
	p.Activate(1, 0)
	img, _ = p.TakeForApply()
	p.SetApplied(img)

	assert.Equal(t, 2, p.Recover(), "One active and one applied image should be recovered")
	assert.Equal(t, Counts{Free: 3}, p.Counts())
	assert.False(t, p.HasApplied())
}

func TestPool_Get(t *testing.T) {
	t.Parallel()

	t.Run("ShouldReportAllHeld", func(t *testing.T) {
		t.Parallel()
		p, _ := newTestPool(t, 1)
		cycle(t, p, 1)
		_, err := p.Get(0)
		require.NoError(t, err)
		_, err = p.Get(time.Second)
		assert.ErrorIs(t, err, types.ErrStreamImagesHeld)
	})

	t.Run("ShouldWakeOnCompletion", func(t *testing.T) {
		t.Parallel()
		p, clk := newTestPool(t, 1)
		img, _ := p.TakeForApply()
		p.SetApplied(img)
		p.Activate(7, 0)

		type result struct {
			img types.StreamImage
			err error
		}
		done := make(chan result, 1)
		go func() {
			img, err := p.Get(time.Second)
			done <- result{img, err}
		}()
		require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond, "Reader should be waiting")

		_, err := p.Get(time.Second)
		assert.ErrorIs(t, err, types.ErrStreamPoolBusy, "A second reader should be rejected")

		p.Complete(99)
		res := <-done
		require.NoError(t, res.err)
		assert.Equal(t, uint64(7), res.img.FrameNum)
	})

	t.Run("ShouldTimeOut", func(t *testing.T) {
		t.Parallel()
		p, clk := newTestPool(t, 1)
		done := make(chan error, 1)
		go func() {
			_, err := p.Get(time.Second)
			done <- err
		}()
		require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
		clk.Step(time.Second)
		assert.ErrorIs(t, <-done, types.ErrStreamWaitTimeout)
	})

	t.Run("ShouldFailWhenWokenByReset", func(t *testing.T) {
		t.Parallel()
		p, clk := newTestPool(t, 1)
		done := make(chan error, 1)
		go func() {
			_, err := p.Get(time.Second)
			done <- err
		}()
		require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
		p.Reset()
		assert.ErrorIs(t, <-done, types.ErrInvalidState)
	})
}
