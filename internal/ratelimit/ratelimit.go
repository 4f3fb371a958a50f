// Package ratelimit enforces daily and weekly ceilings for one action type.
// Counters reset lazily when a day or ISO-week boundary has passed since the
// last check; the two periods reset independently.
package ratelimit

import (
	"time"

	"prospectd/internal/logging"
)

// Limiter guards a single action type. Not safe for concurrent use; the
// daemon runs one lane at a time.
type Limiter struct {
	action      string
	dailyLimit  int // 0 = no daily ceiling
	weeklyLimit int // 0 = no weekly ceiling

	dailyCount  int
	weeklyCount int
	currentDay  time.Time // midnight of the day the counters belong to
	currentWeek int       // year*100 + ISO week
	exhausted   bool      // externally vetoed for the rest of the day

	now func() time.Time
}

// New creates a limiter for the named action type. A zero limit disables
// that ceiling.
func New(action string, dailyLimit, weeklyLimit int) *Limiter {
	l := &Limiter{
		action:      action,
		dailyLimit:  dailyLimit,
		weeklyLimit: weeklyLimit,
		now:         time.Now,
	}
	l.currentDay = midnight(l.now())
	l.currentWeek = isoWeek(l.now())
	return l
}

// NewWithClock creates a limiter with an injectable clock, for tests.
func NewWithClock(action string, dailyLimit, weeklyLimit int, now func() time.Time) *Limiter {
	l := New(action, dailyLimit, weeklyLimit)
	l.now = now
	l.currentDay = midnight(now())
	l.currentWeek = isoWeek(now())
	return l
}

// CanExecute reports whether the action is allowed under the current
// counters, resetting any counter whose period boundary has passed.
func (l *Limiter) CanExecute() bool {
	l.maybeReset()
	if l.exhausted {
		return false
	}
	if l.dailyLimit > 0 && l.dailyCount >= l.dailyLimit {
		logging.Get(logging.CategoryRateLimit).Debug("%s: daily ceiling reached (%d/%d)", l.action, l.dailyCount, l.dailyLimit)
		return false
	}
	if l.weeklyLimit > 0 && l.weeklyCount >= l.weeklyLimit {
		logging.Get(logging.CategoryRateLimit).Debug("%s: weekly ceiling reached (%d/%d)", l.action, l.weeklyCount, l.weeklyLimit)
		return false
	}
	return true
}

// Record counts one successful action. Call only after the guarded action
// actually succeeded.
func (l *Limiter) Record() {
	l.maybeReset()
	l.dailyCount++
	l.weeklyCount++
	logging.Get(logging.CategoryRateLimit).Debug("%s: recorded (%d today, %d this week)", l.action, l.dailyCount, l.weeklyCount)
}

// MarkExhausted forces CanExecute to false for the remainder of the current
// day regardless of local counts. Used when the remote system itself refuses
// further actions.
func (l *Limiter) MarkExhausted() {
	l.maybeReset()
	l.exhausted = true
	logging.Get(logging.CategoryRateLimit).Warn("%s: externally exhausted for today", l.action)
}

// maybeReset zeroes exactly the counters whose period boundary was crossed.
func (l *Limiter) maybeReset() {
	now := l.now()
	today := midnight(now)
	week := isoWeek(now)

	if !today.Equal(l.currentDay) {
		l.dailyCount = 0
		l.exhausted = false
		l.currentDay = today
	}
	if week != l.currentWeek {
		l.weeklyCount = 0
		l.currentWeek = week
	}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func isoWeek(t time.Time) int {
	year, week := t.ISOWeek()
	return year*100 + week
}
