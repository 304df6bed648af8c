// Package transport defines the capability the engine drives to talk
// to one device: open a session, send text and capture output with
// prompt detection, escalate privilege, tear down. The SSH
// implementation lives in this package; the engine only sees the
// interfaces, so tests substitute scripted transports.
package transport

import (
	"context"
	"time"

	"github.com/mindwolf80/nice/internal/device"
)

// Transport opens sessions to devices.
type Transport interface {
	// Connect dials the device and authenticates. The context bounds
	// the whole connect/authenticate exchange.
	Connect(ctx context.Context, dev device.Device, creds device.Credentials) (Session, error)
}

// Session is one live connection to one device.
type Session interface {
	// Send writes a command and captures output until the device
	// prompt is seen or the timeout expires.
	Send(ctx context.Context, command string, timeout time.Duration) (string, error)

	// Elevate enters the device's privileged mode using the secret.
	// A no-op for device types without an escalation command.
	Elevate(ctx context.Context, secret string, timeout time.Duration) error

	// Close terminates the session. Safe to call more than once.
	Close() error
}
