// Package tokencount estimates token usage for LLM requests.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library.
// DeepSeek and the other OpenAI-compatible models served by OpenRouter and
// AITunnel tokenize close enough to cl100k_base for budgeting purposes.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token estimation.
type Counter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
	// encFailed prevents retrying encoding setup on every call once it has
	// failed; the character heuristic takes over for the process lifetime.
	encFailed bool
}

// NewCounter creates a token counter instance.
func NewCounter() *Counter {
	return &Counter{}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

func (c *Counter) encoding() *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc != nil || c.encFailed {
		return c.enc
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, using character heuristic",
			slog.Any("error", err))
		c.encFailed = true
		return nil
	}
	c.enc = enc
	return enc
}

// Estimate returns the token count for text. When the tiktoken encoding
// cannot be loaded it falls back to a deterministic character heuristic
// (one token per four characters, rounded up).
func (c *Counter) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// EstimateMessages sums the estimate over message texts plus the per-message
// structure overhead used by OpenAI-compatible chat APIs.
func (c *Counter) EstimateMessages(texts ...string) int {
	const tokensPerMessage = 4 // role + separators
	total := 0
	for _, t := range texts {
		total += tokensPerMessage + c.Estimate(strings.TrimSpace(t))
	}
	return total
}
