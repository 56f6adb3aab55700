package domain

import (
	"context"
	"errors"
)

// ClassifyError maps an attempt error onto an ErrorKind using the sentinel
// taxonomy. Unrecognized errors are treated as transport failures so that
// unknown breakage still trips circuits.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrInvalidResponse):
		return ErrorKindInvalidResponse
	case errors.Is(err, ErrRateLimited):
		return ErrorKindRateLimited
	case errors.Is(err, ErrInvalidArgument):
		return ErrorKindClient
	case errors.Is(err, ErrProviderUnavailable):
		return ErrorKindServer
	default:
		return ErrorKindTransport
	}
}
