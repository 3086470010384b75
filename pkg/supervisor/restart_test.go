package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestImmediateAlwaysRestartsWithNoDelay(t *testing.T) {
	restart, delay := Immediate{}.Next(time.Now())
	assert.True(t, restart)
	assert.Zero(t, delay)
}

func TestNeverNeverRestarts(t *testing.T) {
	restart, _ := Never{}.Next(time.Now())
	assert.False(t, restart)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 4 * time.Second, Multiplier: 2}

	_, d1 := b.Next(time.Now())
	assert.Equal(t, time.Second, d1)

	_, d2 := b.Next(time.Now())
	assert.Equal(t, 2*time.Second, d2)

	_, d3 := b.Next(time.Now())
	assert.Equal(t, 4*time.Second, d3)

	_, d4 := b.Next(time.Now())
	assert.Equal(t, 4*time.Second, d4, "delay must not exceed Max")
}

func TestMaxFailuresStopsAtCountWithinWindow(t *testing.T) {
	m := &MaxFailures{Count: 3, Window: time.Minute}
	base := time.Now()

	restart, _ := m.Next(base)
	assert.True(t, restart)
	restart, _ = m.Next(base.Add(time.Second))
	assert.True(t, restart)
	restart, _ = m.Next(base.Add(2 * time.Second))
	assert.True(t, restart, "Count 3 allows a third restart")
	restart, _ = m.Next(base.Add(3 * time.Second))
	assert.False(t, restart, "fourth failure within window hits the count limit")
}

func TestMaxFailuresForgetsOldFailuresOutsideWindow(t *testing.T) {
	m := &MaxFailures{Count: 2, Window: 10 * time.Second}
	base := time.Now()

	restart, _ := m.Next(base)
	assert.True(t, restart)
	restart, _ = m.Next(base.Add(time.Second))
	assert.True(t, restart)
	restart, _ = m.Next(base.Add(2 * time.Second))
	assert.False(t, restart)

	restart, _ = m.Next(base.Add(time.Minute))
	assert.True(t, restart, "failures outside the rolling window no longer count")
}
