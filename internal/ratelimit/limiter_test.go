// ABOUTME: Tests for the fixed-window rate limiter.
// ABOUTME: Covers budget exhaustion, window reset, class isolation, and sweep.

package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeClock is a mutable time source for deterministic window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, classes map[string]ClassConfig) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	opts := []Option{WithClock(clock.Now)}
	if classes != nil {
		opts = append(opts, WithClasses(classes))
	}
	l := New(slog.Default(), opts...)
	t.Cleanup(l.Close)
	return l, clock
}

func TestLimiter_ExactlyOneRejectionOverBudget(t *testing.T) {
	l, _ := newTestLimiter(t, nil)

	// tools.execute budget is 20/60s: calls 1-20 admitted, call 21 rejected
	rejections := 0
	for i := 1; i <= 21; i++ {
		d := l.Check("principal-1", ClassToolExecution)
		if i <= 20 {
			assert.True(t, d.Allowed, "call %d should be admitted", i)
			assert.Equal(t, 20-i, d.Remaining)
		} else if !d.Allowed {
			rejections++
			assert.Greater(t, d.RetryAfter, time.Duration(0))
		}
	}
	assert.Equal(t, 1, rejections)
}

func TestLimiter_WindowResetReadmits(t *testing.T) {
	l, clock := newTestLimiter(t, map[string]ClassConfig{
		ClassGeneric: {Limit: 2, Window: 10 * time.Second},
	})

	require.True(t, l.Check("p", ClassGeneric).Allowed)
	require.True(t, l.Check("p", ClassGeneric).Allowed)
	require.False(t, l.Check("p", ClassGeneric).Allowed)

	clock.Advance(10 * time.Second)

	d := l.Check("p", ClassGeneric)
	assert.True(t, d.Allowed)
	// count reset to 1: remaining = limit - 1
	assert.Equal(t, 1, d.Remaining)
}

func TestLimiter_RetryAfterMatchesWindowRemainder(t *testing.T) {
	l, clock := newTestLimiter(t, map[string]ClassConfig{
		ClassGeneric: {Limit: 1, Window: 60 * time.Second},
	})

	require.True(t, l.Check("p", ClassGeneric).Allowed)
	clock.Advance(15 * time.Second)

	d := l.Check("p", ClassGeneric)
	require.False(t, d.Allowed)
	assert.Equal(t, 45*time.Second, d.RetryAfter)
}

func TestLimiter_PrincipalsAndClassesIsolated(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]ClassConfig{
		ClassGeneric:       {Limit: 1, Window: time.Minute},
		ClassToolExecution: {Limit: 1, Window: time.Minute},
	})

	require.True(t, l.Check("p1", ClassGeneric).Allowed)
	require.False(t, l.Check("p1", ClassGeneric).Allowed)

	// Other principal unaffected
	assert.True(t, l.Check("p2", ClassGeneric).Allowed)
	// Other class for the same principal unaffected
	assert.True(t, l.Check("p1", ClassToolExecution).Allowed)
}

func TestLimiter_UnknownClassUsesGenericBudget(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]ClassConfig{
		ClassGeneric: {Limit: 1, Window: time.Minute},
	})

	require.True(t, l.Check("p", "no-such-class").Allowed)
	// Shares the generic window
	assert.False(t, l.Check("p", ClassGeneric).Allowed)
}

func TestLimiter_RemoveExpired(t *testing.T) {
	l, clock := newTestLimiter(t, map[string]ClassConfig{
		ClassGeneric: {Limit: 5, Window: 10 * time.Second},
	})

	for i := 0; i < 3; i++ {
		l.Check(fmt.Sprintf("p%d", i), ClassGeneric)
	}
	require.Equal(t, 3, l.WindowCount())

	clock.Advance(11 * time.Second)
	l.removeExpired()
	assert.Equal(t, 0, l.WindowCount())
}

func TestLimiter_ConcurrentChecks(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]ClassConfig{
		ClassGeneric: {Limit: 100, Window: time.Minute},
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared", ClassGeneric).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, admitted)
}

func TestLimiter_CloseStopsSweeper(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(slog.Default())
	l.Check("p", ClassGeneric)
	l.Close()
	l.Close() // idempotent
}
