// SPDX-License-Identifier: MIT

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func windowLimiter(max int, window time.Duration) *Limiter {
	return New(map[string]Rule{
		"list": {Enabled: true, MaxRequests: max, Window: window},
	})
}

func TestFixedWindowLaw(t *testing.T) {
	l := windowLimiter(3, 10*time.Second)
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		require.True(t, l.Check("list", "1.2.3.4").Allowed, "request %d", i+1)
	}
	d := l.Check("list", "1.2.3.4")
	require.False(t, d.Allowed, "4th request in window is denied")
	require.LessOrEqual(t, d.RetryAfterSec, 10)
	require.GreaterOrEqual(t, d.RetryAfterSec, 1)

	// Another IP has its own bucket.
	require.True(t, l.Check("list", "5.6.7.8").Allowed)

	// Window rollover resets the bucket.
	l.now = func() time.Time { return base.Add(10 * time.Second) }
	require.True(t, l.Check("list", "1.2.3.4").Allowed)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	l := windowLimiter(1, 10*time.Second)
	base := time.Now()
	l.now = func() time.Time { return base }
	require.True(t, l.Check("list", "ip").Allowed)

	l.now = func() time.Time { return base.Add(7500 * time.Millisecond) }
	d := l.Check("list", "ip")
	require.False(t, d.Allowed)
	require.Equal(t, 3, d.RetryAfterSec, "ceil(2.5s) = 3")
}

func TestDisabledRuleAlwaysAllows(t *testing.T) {
	l := New(map[string]Rule{
		"list": {Enabled: false, MaxRequests: 1, Window: time.Minute},
	})
	for i := 0; i < 10; i++ {
		require.True(t, l.Check("list", "ip").Allowed)
	}
	// Unknown targets are never limited.
	require.True(t, l.Check("nosuch", "ip").Allowed)
}

func TestPrune(t *testing.T) {
	l := windowLimiter(1, time.Second)
	base := time.Now()
	l.now = func() time.Time { return base }
	l.Check("list", "a")
	l.Check("list", "b")
	require.Len(t, l.buckets, 2)

	l.now = func() time.Time { return base.Add(2 * time.Second) }
	l.Prune()
	require.Empty(t, l.buckets)
}
