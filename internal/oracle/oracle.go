// Package oracle wraps the LLM that serves as ground truth for profile
// qualification, generates fresh search keywords, and polishes outreach
// messages. Every call carries a hard timeout; a timed-out call is a
// recoverable failure for the caller, never a crash.
package oracle

import (
	"context"
	"errors"
)

// ErrUnavailable marks a transient oracle failure: a transport error, an
// upstream 5xx, or an empty response. Callers treat it like a timeout and
// retry on a later tick instead of shutting down.
var ErrUnavailable = errors.New("oracle unavailable")

// Decision is the oracle's verdict on one profile.
type Decision struct {
	Qualified bool   `json:"qualified"`
	Reason    string `json:"reason"`
}

// Oracle answers qualification questions and produces campaign text.
type Oracle interface {
	// QualifyProfile judges a profile's text against the campaign context.
	QualifyProfile(ctx context.Context, profileText string) (Decision, error)

	// GenerateKeywords produces up to n fresh people-search queries,
	// avoiding everything in exclude.
	GenerateKeywords(ctx context.Context, n int, exclude []string) ([]string, error)

	// ComposeFollowUp renders and polishes the follow-up message for a
	// freshly connected profile.
	ComposeFollowUp(ctx context.Context, profile map[string]interface{}) (string, error)
}
