// Package ratelimiter throttles reply generation per user and per
// conversation with sliding windows.
package ratelimiter

import (
	"context"
	"time"
)

// Limiter decides whether a caller/conversation pair may issue a request.
// A request is allowed only when both windows have remaining capacity;
// a denial never consumes capacity in either window.
type Limiter interface {
	Allow(ctx context.Context, userID, peerID string) (allowed bool, retryAfter time.Duration, err error)
}

// Config holds the two window definitions.
type Config struct {
	UserLimit  int
	UserWindow time.Duration
	PeerLimit  int
	PeerWindow time.Duration
}

// Enabled reports whether any limiting is configured at all.
func (c Config) Enabled() bool {
	return (c.UserLimit > 0 && c.UserWindow > 0) || (c.PeerLimit > 0 && c.PeerWindow > 0)
}
