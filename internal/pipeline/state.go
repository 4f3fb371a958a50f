// Package pipeline defines the profile outreach state machine: the legal
// stage transitions, terminal-state handling, and the pending-recheck
// backoff bookkeeping. The store persists stages but only mutates them
// through Transition.
package pipeline

import (
	"fmt"
	"time"
)

// State is a profile's position in the outreach pipeline.
type State string

const (
	StateDiscovered   State = "discovered"
	StateEnriched     State = "enriched"
	StateQualified    State = "qualified"
	StateDisqualified State = "disqualified"
	StatePending      State = "pending"
	StateConnected    State = "connected"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// adjacency lists the legal forward transitions. Failed is reachable from
// any non-terminal state and handled separately.
var adjacency = map[State][]State{
	StateDiscovered: {StateEnriched},
	StateEnriched:   {StateQualified, StateDisqualified},
	StateQualified:  {StatePending, StateDisqualified},
	StatePending:    {StateConnected},
	StateConnected:  {StateCompleted},
}

// IllegalTransitionError reports a transition request not present in the
// adjacency table. Callers treat it as fatal: it indicates a programming
// error, not an expected runtime condition.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// ParseState validates a persisted stage string.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateDiscovered, StateEnriched, StateQualified, StateDisqualified,
		StatePending, StateConnected, StateCompleted, StateFailed:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown profile state %q", s)
}

// IsTerminal reports whether no transition may leave the state.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateDisqualified, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is legal. Same-state requests
// and requests out of a terminal state are permitted as no-op observations.
func CanTransition(from, to State) bool {
	if IsTerminal(from) || from == to {
		return true
	}
	if to == StateFailed {
		return true
	}
	for _, next := range adjacency[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition resolves a requested stage change.
//
// Terminal states are sticky: any request out of one returns the current
// state unchanged. A same-state request is a no-op observation (the
// pending -> pending case drives backoff doubling at the call site). Any
// other request not in the adjacency table fails fast with
// *IllegalTransitionError and must leave the stored stage untouched.
func Transition(from, to State) (State, error) {
	if IsTerminal(from) {
		return from, nil
	}
	if from == to {
		return from, nil
	}
	if !CanTransition(from, to) {
		return from, &IllegalTransitionError{From: from, To: to}
	}
	return to, nil
}

// Backoff tracks the pending-recheck schedule for one deal. Hours doubles
// on every still-pending observation and resets when the request resolves.
type Backoff struct {
	Hours       float64   `json:"backoff_hours"`
	NextCheckAt time.Time `json:"next_check_at"`
}

// NewBackoff seeds the schedule from the configured base interval.
func NewBackoff(baseHours float64, now time.Time) Backoff {
	return Backoff{
		Hours:       baseHours,
		NextCheckAt: now.Add(hoursToDuration(baseHours)),
	}
}

// Doubled returns the next schedule after a still-pending observation.
func (b Backoff) Doubled(now time.Time) Backoff {
	next := b.Hours * 2
	return Backoff{
		Hours:       next,
		NextCheckAt: now.Add(hoursToDuration(next)),
	}
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
