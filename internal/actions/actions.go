// Package actions is the daemon's only surface onto the external network.
// Lanes depend on the Executor interface; the rod-driven implementation
// lives alongside it. Failures that the caller can recover from are
// exposed as sentinel errors so lanes can branch with errors.Is.
package actions

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrAuthExpired means the stored session is no longer valid. The
	// loop skips the tick and retries once a human has re-logged in.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrRateLimited means the remote system itself vetoed further
	// actions. The caller marks the rate limiter exhausted for the day.
	ErrRateLimited = errors.New("remote rate limit reached")

	// ErrSkipProfile means this one profile cannot be acted on (page
	// gone, action unavailable). The caller moves it to failed and
	// continues with the next profile.
	ErrSkipProfile = errors.New("profile not actionable")
)

// ConnectionStatus is the remote relationship state for one profile.
type ConnectionStatus string

const (
	StatusNone      ConnectionStatus = "none"
	StatusPending   ConnectionStatus = "pending"
	StatusConnected ConnectionStatus = "connected"
)

// DiscoveredProfile is one people-search hit.
type DiscoveredProfile struct {
	PublicID string
	URL      string
}

// Executor performs human-paced actions against the external network.
// Exactly one caller drives an Executor at a time.
type Executor interface {
	// SearchProfiles runs a people search and returns up to limit hits.
	SearchProfiles(ctx context.Context, keyword string, limit int) ([]DiscoveredProfile, error)

	// FetchProfile loads a profile page and scrapes its fields.
	FetchProfile(ctx context.Context, url string) (json.RawMessage, error)

	// ConnectionStatus reports the current relationship with a profile.
	ConnectionStatus(ctx context.Context, url string) (ConnectionStatus, error)

	// SendInvite sends a connection request. Returns ErrRateLimited when
	// the remote limit popup appears, ErrSkipProfile when no invite
	// action exists on the page.
	SendInvite(ctx context.Context, url string) error

	// SendMessage sends a chat message to a connected profile.
	SendMessage(ctx context.Context, url, message string) error

	// Close releases the underlying browser.
	Close() error
}
