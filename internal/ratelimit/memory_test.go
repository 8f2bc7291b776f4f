package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryLimiter() (*MemoryLimiter, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestMemoryLimiter_AllowUpToLimit(t *testing.T) {
	l, _ := newTestMemoryLimiter()
	ctx := context.Background()
	rule := Rule{Key: "t:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "203.0.113.7", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := l.Allow(ctx, "203.0.113.7", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	// Another identifier has its own window.
	ok, _ = l.Allow(ctx, "198.51.100.1", rule)
	assert.True(t, ok)
}

func TestMemoryLimiter_WindowResets(t *testing.T) {
	l, now := newTestMemoryLimiter()
	ctx := context.Background()
	rule := Rule{Key: "t:", Limit: 1, Window: time.Minute}

	ok, _ := l.Allow(ctx, "ip", rule)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "ip", rule)
	assert.False(t, ok)

	*now = now.Add(time.Minute)
	ok, _ = l.Allow(ctx, "ip", rule)
	assert.True(t, ok)
}

func TestMemoryLimiter_RulesAreIndependent(t *testing.T) {
	l, _ := newTestMemoryLimiter()
	ctx := context.Background()
	connect := Rule{Key: "c:", Limit: 1, Window: time.Minute}
	report := Rule{Key: "r:", Limit: 1, Window: time.Minute}

	ok, _ := l.Allow(ctx, "ip", connect)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "ip", report)
	assert.True(t, ok)
}

func TestMemoryLimiter_Remaining(t *testing.T) {
	l, now := newTestMemoryLimiter()
	ctx := context.Background()
	rule := Rule{Key: "t:", Limit: 2, Window: time.Minute}

	n, err := l.Remaining(ctx, "ip", rule)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _ = l.Allow(ctx, "ip", rule)
	n, _ = l.Remaining(ctx, "ip", rule)
	assert.Equal(t, 1, n)

	_, _ = l.Allow(ctx, "ip", rule)
	_, _ = l.Allow(ctx, "ip", rule)
	n, _ = l.Remaining(ctx, "ip", rule)
	assert.Equal(t, 0, n)

	*now = now.Add(2 * time.Minute)
	n, _ = l.Remaining(ctx, "ip", rule)
	assert.Equal(t, 2, n)
}

func TestMemoryLimiter_Prune(t *testing.T) {
	l, now := newTestMemoryLimiter()
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a", Rule{Key: "t:", Limit: 1, Window: time.Second})
	_, _ = l.Allow(ctx, "b", Rule{Key: "t:", Limit: 1, Window: time.Hour})

	*now = now.Add(time.Minute)
	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 0, l.Prune())
}

func TestRule_WithLimits(t *testing.T) {
	r := RuleConnect.WithLimits(10, 30*time.Second)
	assert.Equal(t, RuleConnect.Key, r.Key)
	assert.Equal(t, 10, r.Limit)
	assert.Equal(t, 30*time.Second, r.Window)

	// Zero values keep the defaults and the original is untouched.
	r = RuleReport.WithLimits(0, 0)
	assert.Equal(t, RuleReport, r)
}
