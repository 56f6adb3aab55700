// Package chatapi implements domain.Provider for OpenAI-compatible chat
// completion backends (OpenRouter, AITunnel).
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// Options configure one backend client.
type Options struct {
	Provider domain.ProviderID
	BaseURL  string
	APIKey   string
	Model    string
	// Referer and Title are the OpenRouter attribution headers; ignored by
	// other backends.
	Referer string
	Title   string

	// Connection pool policy. One pool per provider is shared by all
	// concurrent calls to that provider; when MaxConnsPerHost is exhausted a
	// caller blocks until the attempt deadline.
	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Client is a single-attempt chat completion client. Retries and fallback
// belong to the orchestrator, never here.
type Client struct {
	opts Options
	hc   *http.Client
}

// New constructs a provider client with a bounded, instrumented connection
// pool. Per-attempt deadlines come from the caller's context, so the
// http.Client itself carries no timeout.
func New(opts Options) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     opts.MaxConnsPerHost,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     opts.IdleConnTimeout,
	}
	return &Client{
		opts: opts,
		hc: &http.Client{
			Transport: otelhttp.NewTransport(transport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return fmt.Sprintf("%s %s %s", opts.Provider, r.Method, r.URL.Host)
				}),
			),
		},
	}
}

// ID returns the backend identity.
func (c *Client) ID() domain.ProviderID { return c.opts.Provider }

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.opts.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete performs one chat completion attempt. Errors are wrapped with the
// domain sentinels so the orchestrator can classify them: 429 maps to
// ErrRateLimited, other 4xx to ErrInvalidArgument, 5xx to
// ErrProviderUnavailable, deadline to ErrTimeout, and malformed or empty
// payloads to ErrInvalidResponse.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	if c.opts.APIKey == "" {
		return "", fmt.Errorf("op=chatapi.Complete: %w: missing API key for %s", domain.ErrInvalidArgument, c.opts.Provider)
	}

	model := req.Model
	if model == "" {
		model = c.opts.Model
	}
	payload := chatRequest{
		Model:       model,
		Messages:    buildMessages(req),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=chatapi.Complete: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("op=chatapi.Complete: %w", err)
	}
	c.setHeaders(r)

	resp, err := c.hc.Do(r)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("op=chatapi.Complete: %w: %s attempt deadline", domain.ErrTimeout, c.opts.Provider)
		}
		return "", fmt.Errorf("op=chatapi.Complete: %s transport: %w", c.opts.Provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("op=chatapi.Complete: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		slog.Warn("ai provider rate limited",
			slog.String("provider", string(c.opts.Provider)),
			slog.Int("status", resp.StatusCode))
		return "", fmt.Errorf("op=chatapi.Complete: %w: %s status 429", domain.ErrRateLimited, c.opts.Provider)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		slog.Warn("ai provider 4xx",
			slog.String("provider", string(c.opts.Provider)),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet(body)))
		return "", fmt.Errorf("op=chatapi.Complete: %w: %s status %d", domain.ErrInvalidArgument, c.opts.Provider, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		slog.Error("ai provider non-2xx",
			slog.String("provider", string(c.opts.Provider)),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet(body)))
		return "", fmt.Errorf("op=chatapi.Complete: %w: %s status %d", domain.ErrProviderUnavailable, c.opts.Provider, resp.StatusCode)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("op=chatapi.Complete: %w: decode: %v", domain.ErrInvalidResponse, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("op=chatapi.Complete: %w: empty choices from %s", domain.ErrInvalidResponse, c.opts.Provider)
	}
	reply := strings.TrimSpace(out.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("op=chatapi.Complete: %w: empty content from %s", domain.ErrInvalidResponse, c.opts.Provider)
	}
	return reply, nil
}

// Probe issues a minimal capability check against the models listing.
func (c *Client) Probe(ctx context.Context) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("op=chatapi.Probe: %w", err)
	}
	c.setHeaders(r)
	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("op=chatapi.Probe: %s: %w", c.opts.Provider, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=chatapi.Probe: %s status %d", c.opts.Provider, resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(r *http.Request) {
	if c.opts.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	r.Header.Set("Content-Type", "application/json")
	if c.opts.Referer != "" {
		r.Header.Set("HTTP-Referer", c.opts.Referer)
	}
	if c.opts.Title != "" {
		r.Header.Set("X-Title", c.opts.Title)
	}
}

func buildMessages(req domain.CompletionRequest) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: domain.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Text})
	}
	msgs = append(msgs, chatMessage{Role: domain.RoleUser, Content: req.UserText})
	return msgs
}

func snippet(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
