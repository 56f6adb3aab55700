package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind_CountsAsFailure(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		expected bool
	}{
		{ErrorKindNone, false},
		{ErrorKindClient, false},
		{ErrorKindTimeout, true},
		{ErrorKindTransport, true},
		{ErrorKindServer, true},
		{ErrorKindInvalidResponse, true},
		{ErrorKindRateLimited, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.CountsAsFailure())
		})
	}
}

func TestErrorKind_String(t *testing.T) {
	assert.Equal(t, "timeout", ErrorKindTimeout.String())
	assert.Equal(t, "invalid_response", ErrorKindInvalidResponse.String())
	assert.Equal(t, "unknown", ErrorKind(99).String())
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"nil", nil, ErrorKindNone},
		{"deadline", context.DeadlineExceeded, ErrorKindTimeout},
		{"wrapped timeout", fmt.Errorf("op=call: %w", ErrTimeout), ErrorKindTimeout},
		{"invalid response", fmt.Errorf("op=decode: %w", ErrInvalidResponse), ErrorKindInvalidResponse},
		{"rate limited upstream", ErrRateLimited, ErrorKindRateLimited},
		{"client error", fmt.Errorf("%w: bad request", ErrInvalidArgument), ErrorKindClient},
		{"unavailable", ErrProviderUnavailable, ErrorKindServer},
		{"unknown", errors.New("connection reset by peer"), ErrorKindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyError(tt.err))
		})
	}
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidArgument, ErrRateLimited, ErrContentRejected,
		ErrProviderUnavailable, ErrTimeout, ErrInvalidResponse,
		ErrAllProvidersExhausted, ErrInternal,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v should not match %v", a, b)
		}
	}
}
