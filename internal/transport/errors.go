package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ConnectError reports that the device could not be reached: TCP dial
// failures, DNS failures, handshake breakage that is not an
// authentication rejection.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports a rejected login or a failed privilege
// escalation. Never retried.
type AuthError struct {
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s: %v", e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TimeoutError reports that the device did not produce its prompt
// within the per-operation timeout, or that connecting ran out of
// time.
type TimeoutError struct {
	Host string
	Op   string // "connect", "prompt", command text
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out during %s: %v", e.Host, e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// CommandError reports that the device accepted the session but
// rejected a command (syntax error, unknown command). Output holds
// the device's error text.
type CommandError struct {
	Host    string
	Command string
	Output  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: command %q rejected: %s", e.Host, e.Command, firstLine(e.Output))
}

// wrapDialError converts an SSH dial/handshake error into the typed
// error the classifier understands. Auth rejections are recognized by
// type where x/crypto/ssh exposes one, by message otherwise.
func wrapDialError(host string, err error) error {
	if err == nil {
		return nil
	}

	var authErr *ssh.ServerAuthError
	if errors.As(err, &authErr) {
		return &AuthError{Host: host, Err: err}
	}

	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "password rejected") {
		return &AuthError{Host: host, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Host: host, Op: "connect", Err: err}
	}

	return &ConnectError{Host: host, Err: err}
}

// errorMarkers are substrings of device output that indicate the CLI
// rejected the command. Network operating systems report syntax and
// authorization problems inline rather than via exit codes.
var errorMarkers = []string{
	"syntax error",
	"unknown command",
	"invalid input",
	"incomplete command",
	"command not found",
	"command authorization failed",
}

// commandRejected reports whether output looks like an inline CLI
// error for the sent command. Lines starting with "%" are the
// IOS-style error convention.
func commandRejected(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "%") && len(trimmed) > 1 {
			return true
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "error:") {
			return true
		}
		for _, m := range errorMarkers {
			if strings.Contains(lower, m) {
				return true
			}
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
