// Package stub provides a fast, deterministic provider for local runs and
// tests when no API keys are configured.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// Client answers every completion with a short reply derived from the input,
// so repeated calls with the same request return the same text.
type Client struct {
	id      domain.ProviderID
	latency time.Duration

	// Fault injection knobs for tests and local chaos runs.
	failEvery atomic.Int64
	calls     atomic.Int64
}

// New returns a stub provider under the given identity.
func New(id domain.ProviderID, latency time.Duration) *Client {
	return &Client{id: id, latency: latency}
}

// FailEvery makes every n-th Complete call return ErrProviderUnavailable.
// Zero disables injection.
func (c *Client) FailEvery(n int64) { c.failEvery.Store(n) }

// ID returns the stubbed provider identity.
func (c *Client) ID() domain.ProviderID { return c.id }

// Model returns a synthetic model name.
func (c *Client) Model() string { return "stub-chat" }

// Complete returns a deterministic reply keyed on the user text.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			return "", fmt.Errorf("op=stub.Complete: %w", domain.ErrTimeout)
		}
	}
	n := c.calls.Add(1)
	if fe := c.failEvery.Load(); fe > 0 && n%fe == 0 {
		return "", fmt.Errorf("op=stub.Complete: %w: injected fault", domain.ErrProviderUnavailable)
	}
	sum := sha256.Sum256([]byte(req.UserText))
	return fmt.Sprintf("stub reply %s", hex.EncodeToString(sum[:4])), nil
}

// Probe always succeeds.
func (c *Client) Probe(context.Context) error { return nil }
