package env

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	logutil "github.com/facebookincubator/oculus-linux-kernel-sub024/pkg/isp/util/logging"
)

// Not parallel: the cases mutate the process environment.
func TestInt(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name     string
		key      Key
		value    string
		set      bool
		current  *int
		expected *int
		changed  bool
	}{
		{name: "set over configured value", key: "TEST_ISP_INT", value: "3", set: true, current: ptr.To(2), expected: ptr.To(3), changed: true},
		{name: "set over unset field", key: "TEST_ISP_INT", value: "4", set: true, expected: ptr.To(4), changed: true},
		{name: "unparsable keeps configured value", key: "TEST_ISP_INT", value: "three", set: true, current: ptr.To(2), expected: ptr.To(2)},
		{name: "missing keeps unset field", key: "TEST_ISP_INT_MISSING"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.set {
				t.Setenv(tc.key.String(), tc.value)
			}
			field := tc.current
			changed := Int(tc.key, &field, logger.V(logutil.VERBOSE))
			assert.Equal(t, tc.changed, changed)
			assert.Equal(t, tc.expected, field)
		})
	}
}

func TestDuration(t *testing.T) {
	logger := testr.New(t)

	t.Setenv("TEST_ISP_DURATION", "33ms")
	var field *metav1.Duration
	assert.True(t, Duration("TEST_ISP_DURATION", &field, logger))
	assert.Equal(t, &metav1.Duration{Duration: 33 * time.Millisecond}, field)

	t.Setenv("TEST_ISP_DURATION", "soon")
	assert.False(t, Duration("TEST_ISP_DURATION", &field, logger), "Unparsable durations are ignored")
	assert.Equal(t, 33*time.Millisecond, field.Duration)
}

func TestKey(t *testing.T) {
	const k Key = "TEST_ISP_KEY"
	assert.False(t, k.IsSet())

	t.Setenv(k.String(), "")
	assert.True(t, k.IsSet(), "An empty variable is still set")
	v, ok := k.Lookup()
	assert.True(t, ok)
	assert.Empty(t, v)
}
