package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests cross day and week boundaries.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiter_DailyCeiling(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)} // a Monday
	l := NewWithClock("connect", 3, 0, clock.now)

	for i := 0; i < 3; i++ {
		require.True(t, l.CanExecute(), "call %d should be allowed", i)
		l.Record()
	}
	assert.False(t, l.CanExecute(), "ceiling reached")

	// Next day the counter resets.
	clock.advance(24 * time.Hour)
	assert.True(t, l.CanExecute())
}

func TestLimiter_WeeklyCeilingSurvivesDayReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	l := NewWithClock("connect", 10, 4, clock.now)

	for i := 0; i < 4; i++ {
		require.True(t, l.CanExecute())
		l.Record()
	}
	assert.False(t, l.CanExecute())

	// Tuesday: daily resets, weekly does not.
	clock.advance(24 * time.Hour)
	assert.False(t, l.CanExecute(), "weekly ceiling still in force")

	// Next Monday: weekly resets too.
	clock.advance(6 * 24 * time.Hour)
	assert.True(t, l.CanExecute())
}

func TestLimiter_ExternalExhaustion(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	l := NewWithClock("connect", 20, 0, clock.now)

	require.True(t, l.CanExecute())
	l.MarkExhausted()
	assert.False(t, l.CanExecute(), "exhausted with zero recorded actions")

	// Holds for the rest of the day regardless of counters.
	clock.advance(8 * time.Hour)
	assert.False(t, l.CanExecute())

	// Clears at the day boundary.
	clock.advance(16 * time.Hour)
	assert.True(t, l.CanExecute())
}

func TestLimiter_ZeroLimitsMeanUnlimited(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	l := NewWithClock("follow_up", 0, 0, clock.now)

	for i := 0; i < 500; i++ {
		require.True(t, l.CanExecute())
		l.Record()
	}
}

func TestLimiter_ResetZeroesOnlyCrossedBoundary(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 6, 10, 0, 0, 0, time.UTC)} // Friday
	l := NewWithClock("connect", 2, 5, clock.now)

	l.Record()
	l.Record()
	assert.False(t, l.CanExecute())

	// Saturday: same ISO week, daily resets, weekly stays at 2.
	clock.advance(24 * time.Hour)
	assert.True(t, l.CanExecute())
	l.Record()
	l.Record()
	l.Record()
	assert.False(t, l.CanExecute(), "weekly ceiling of 5 reached")

	// Monday: both boundaries crossed since Saturday.
	clock.advance(2 * 24 * time.Hour)
	assert.True(t, l.CanExecute())
}
