package engine

import (
	"context"
	"errors"

	"github.com/mindwolf80/nice/internal/transport"
)

// FailureKind classifies why a command or session failed. Only connect and
// timeout failures are worth retrying: the device was never reached, or
// stopped answering, and a fresh session may succeed. Authentication and
// command rejections are deterministic and retrying them just repeats the
// failure (and can lock accounts).
type FailureKind string

const (
	FailureConnect FailureKind = "connect"
	FailureAuth    FailureKind = "auth"
	FailureTimeout FailureKind = "timeout"
	FailureCommand FailureKind = "command"
)

// Classify maps a transport error to a FailureKind.
func Classify(err error) FailureKind {
	var (
		authErr    *transport.AuthError
		timeoutErr *transport.TimeoutError
		cmdErr     *transport.CommandError
	)
	switch {
	case errors.As(err, &authErr):
		return FailureAuth
	case errors.As(err, &timeoutErr):
		return FailureTimeout
	case errors.As(err, &cmdErr):
		return FailureCommand
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureConnect
	}
}

// Retryable reports whether a failure of the given kind justifies a fresh
// session attempt.
func Retryable(kind FailureKind) bool {
	return kind == FailureConnect || kind == FailureTimeout
}
