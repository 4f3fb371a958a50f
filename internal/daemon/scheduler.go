package daemon

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// laneSchedule tracks when a scheduled lane should next fire.
type laneSchedule struct {
	lane         lane
	baseInterval time.Duration
	// priority breaks next_run ties: lower wins.
	priority int
	nextRun  time.Time
}

// reschedule pushes next_run out by the base interval scaled with jitter,
// so the cadence never looks machine-regular.
func (s *laneSchedule) reschedule(now time.Time, rng *rand.Rand, low, high float64) {
	if high <= low {
		low, high = 0.8, 1.2
	}
	jitter := low + rng.Float64()*(high-low)
	s.nextRun = now.Add(time.Duration(float64(s.baseInterval) * jitter))
}

// soonest picks the schedule with the smallest next_run, breaking exact
// ties by declared priority.
func soonest(schedules []*laneSchedule) *laneSchedule {
	best := schedules[0]
	for _, s := range schedules[1:] {
		if s.nextRun.Before(best.nextRun) ||
			(s.nextRun.Equal(best.nextRun) && s.priority < best.priority) {
			best = s
		}
	}
	return best
}

// clockTime is a minutes-since-midnight wall time.
type clockTime int

func parseClockTime(s string) (clockTime, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return clockTime(h*60 + m), nil
}

func (c clockTime) hour() int   { return int(c) / 60 }
func (c clockTime) minute() int { return int(c) % 60 }

// workingHours is the daemon's active window. A zero value (disabled)
// gates nothing.
type workingHours struct {
	start, end clockTime
	enabled    bool
}

func newWorkingHours(startStr, endStr string) (workingHours, error) {
	if startStr == "" || endStr == "" {
		return workingHours{}, nil
	}
	start, err := parseClockTime(startStr)
	if err != nil {
		return workingHours{}, err
	}
	end, err := parseClockTime(endStr)
	if err != nil {
		return workingHours{}, err
	}
	if end <= start {
		return workingHours{}, fmt.Errorf("working hours end %s must be after start %s", endStr, startStr)
	}
	return workingHours{start: start, end: end, enabled: true}, nil
}

func (w workingHours) contains(t time.Time) bool {
	if !w.enabled {
		return true
	}
	current := clockTime(t.Hour()*60 + t.Minute())
	return w.start <= current && current < w.end
}

// untilNextOpen returns how long to sleep from t until the window opens.
func (w workingHours) untilNextOpen(t time.Time) time.Duration {
	target := time.Date(t.Year(), t.Month(), t.Day(), w.start.hour(), w.start.minute(), 0, 0, t.Location())
	if !target.After(t) {
		target = target.AddDate(0, 0, 1)
	}
	return target.Sub(t)
}
