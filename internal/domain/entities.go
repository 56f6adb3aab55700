// Package domain defines the core entities and ports of the reply
// orchestration layer. It has no dependencies on adapters.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrRateLimited           = errors.New("rate limited")
	ErrContentRejected       = errors.New("content rejected")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrTimeout               = errors.New("timeout")
	ErrInvalidResponse       = errors.New("invalid provider response")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrInternal              = errors.New("internal error")
)

// ProviderID identifies an AI backend. The zero value is invalid.
type ProviderID string

// Known providers. ProviderAuto is not a backend; it asks the orchestrator
// to walk the configured fallback order.
const (
	ProviderOpenRouter ProviderID = "openrouter"
	ProviderAITunnel   ProviderID = "aitunnel"
	ProviderAuto       ProviderID = "auto"
)

// Message roles as sent to chat-completion backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// ReplyRequest is the inbound operation payload. History is read-only for
// the orchestrator; callers keep ownership of the slice.
type ReplyRequest struct {
	CallerID     string
	PeerID       string
	SystemPrompt string
	History      []Message
	UserText     string
	Preference   ProviderID
}

// ReplyMetadata describes how a reply was produced.
type ReplyMetadata struct {
	RequestID string
	Provider  ProviderID
	Model     string
	Latency   time.Duration
	Attempts  int
	CacheHit  bool
}

// ReplyResult is the outbound operation payload.
type ReplyResult struct {
	Text string
	Meta ReplyMetadata
}

// ErrorKind classifies a failed attempt for circuit/health accounting.
type ErrorKind int

// Attempt error classifications.
const (
	ErrorKindNone ErrorKind = iota
	ErrorKindTimeout
	ErrorKindTransport
	ErrorKindServer
	ErrorKindInvalidResponse
	ErrorKindClient
	ErrorKindRateLimited
)

// CountsAsFailure reports whether the kind should trip circuits and degrade
// health. Explicit client errors are surfaced but never counted.
func (k ErrorKind) CountsAsFailure() bool {
	switch k {
	case ErrorKindNone, ErrorKindClient:
		return false
	default:
		return true
	}
}

// String returns the metric/log label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindTransport:
		return "transport"
	case ErrorKindServer:
		return "server"
	case ErrorKindInvalidResponse:
		return "invalid_response"
	case ErrorKindClient:
		return "client"
	case ErrorKindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// CallOutcome is the per-attempt record fed to the health monitor, the
// circuit breaker, and metrics. It is not retained after consumption.
type CallOutcome struct {
	Provider ProviderID
	Success  bool
	Latency  time.Duration
	ErrKind  ErrorKind
}

// CompletionRequest is the provider-neutral chat completion payload.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	History      []Message
	UserText     string
	Temperature  float64
	TopP         float64
	MaxTokens    int
}

// Provider is the port every AI backend adapter implements.
//
// Complete performs one chat completion attempt; implementations must honor
// ctx cancellation. Probe is a minimal liveness check used by the health
// monitor and must be cheap.
type Provider interface {
	ID() ProviderID
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Probe(ctx context.Context) error
}

// HealthStatus is the coarse availability of a provider.
type HealthStatus string

// Health states. Down providers are skipped by the orchestrator.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// HealthRecord is the externally visible health snapshot for one provider.
type HealthRecord struct {
	Status              HealthStatus
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastCheck           time.Time
}
