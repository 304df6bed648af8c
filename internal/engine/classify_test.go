package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mindwolf80/nice/internal/transport"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"connect error", &transport.ConnectError{Host: "h", Err: errors.New("refused")}, FailureConnect},
		{"auth error", &transport.AuthError{Host: "h", Err: errors.New("denied")}, FailureAuth},
		{"timeout error", &transport.TimeoutError{Host: "h", Op: "show", Err: context.DeadlineExceeded}, FailureTimeout},
		{"command error", &transport.CommandError{Host: "h", Command: "show", Output: "% Invalid"}, FailureCommand},
		{"wrapped auth error", fmt.Errorf("session: %w", &transport.AuthError{Host: "h", Err: errors.New("denied")}), FailureAuth},
		{"bare deadline", context.DeadlineExceeded, FailureTimeout},
		{"unknown error", errors.New("boom"), FailureConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind FailureKind
		want bool
	}{
		{FailureConnect, true},
		{FailureTimeout, true},
		{FailureAuth, false},
		{FailureCommand, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.kind); got != tt.want {
			t.Errorf("Retryable(%q) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
