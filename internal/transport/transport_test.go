package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mindwolf80/nice/internal/device"
	"github.com/mindwolf80/nice/internal/sshtest"
)

const testTimeout = 5 * time.Second

func dialDevice(t *testing.T, devType device.Type, creds device.Credentials, opts ...sshtest.Option) (Session, func()) {
	t.Helper()

	addr, stop := sshtest.Start(t, opts...)
	host, port := sshtest.ParseAddr(t, addr)

	tr := NewSSH(SSHConfig{Port: port, AcceptUnknownHosts: true})
	sess, err := tr.Connect(context.Background(), device.Device{IP: host, Type: devType}, creds)
	if err != nil {
		stop()
		t.Fatalf("Connect: %v", err)
	}
	return sess, func() {
		sess.Close()
		stop()
	}
}

func TestConnectAndSend(t *testing.T) {
	sess, cleanup := dialDevice(t, device.CiscoIOS,
		device.Credentials{Username: "admin", Password: "hunter2"},
		sshtest.WithPassword("hunter2"),
		sshtest.WithScript(sshtest.Script{
			Prompt: "sw1# ",
			Responses: map[string]string{
				"show version": "Cisco IOS Software, Version 15.2\nUptime is 3 weeks",
			},
		}),
	)
	defer cleanup()

	out, err := sess.Send(context.Background(), "show version", testTimeout)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := "Cisco IOS Software, Version 15.2\nUptime is 3 weeks"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestSend_EmptyOutput(t *testing.T) {
	sess, cleanup := dialDevice(t, device.CiscoIOS,
		device.Credentials{Username: "admin", Password: "pw"},
		sshtest.WithPassword("pw"),
		sshtest.WithScript(sshtest.Script{Prompt: "sw1# "}),
	)
	defer cleanup()

	out, err := sess.Send(context.Background(), "configure terminal", testTimeout)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out != "" {
		t.Errorf("output = %q, want empty", out)
	}
}

func TestSend_CommandRejected(t *testing.T) {
	sess, cleanup := dialDevice(t, device.CiscoIOS,
		device.Credentials{Username: "admin", Password: "pw"},
		sshtest.WithPassword("pw"),
		sshtest.WithScript(sshtest.Script{
			Prompt: "sw1# ",
			Responses: map[string]string{
				"terminal length 0": "",
			},
			RejectUnknown: true,
		}),
	)
	defer cleanup()

	out, err := sess.Send(context.Background(), "show bogus", testTimeout)
	if err == nil {
		t.Fatal("expected rejection error")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type %T, want *CommandError", err)
	}
	if cmdErr.Command != "show bogus" {
		t.Errorf("command = %q", cmdErr.Command)
	}
	if out == "" {
		t.Error("rejected command should still return the device output")
	}
}

func TestSend_Timeout(t *testing.T) {
	sess, cleanup := dialDevice(t, device.CiscoIOS,
		device.Credentials{Username: "admin", Password: "pw"},
		sshtest.WithPassword("pw"),
		sshtest.WithScript(sshtest.Script{
			Prompt: "sw1# ",
			Hang:   map[string]bool{"show tech-support": true},
		}),
	)
	defer cleanup()

	_, err := sess.Send(context.Background(), "show tech-support", 300*time.Millisecond)
	var toErr *TimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("error = %v (%T), want *TimeoutError", err, err)
	}
}

func TestSend_ContextCancel(t *testing.T) {
	sess, cleanup := dialDevice(t, device.CiscoIOS,
		device.Credentials{Username: "admin", Password: "pw"},
		sshtest.WithPassword("pw"),
		sshtest.WithScript(sshtest.Script{
			Prompt: "sw1# ",
			Hang:   map[string]bool{"show tech-support": true},
		}),
	)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := sess.Send(ctx, "show tech-support", testTimeout)
	var toErr *TimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("error = %v (%T), want *TimeoutError", err, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled, got %v", err)
	}
}

func TestConnect_WrongPassword(t *testing.T) {
	addr, stop := sshtest.Start(t, sshtest.WithPassword("right"))
	defer stop()
	host, port := sshtest.ParseAddr(t, addr)

	tr := NewSSH(SSHConfig{Port: port, AcceptUnknownHosts: true})
	_, err := tr.Connect(context.Background(),
		device.Device{IP: host, Type: device.CiscoIOS},
		device.Credentials{Username: "admin", Password: "wrong"})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v (%T), want *AuthError", err, err)
	}
}

func TestConnect_Refused(t *testing.T) {
	// Grab a port that is not listening.
	addr, stop := sshtest.Start(t, sshtest.WithNoAuth())
	host, port := sshtest.ParseAddr(t, addr)
	stop()

	tr := NewSSH(SSHConfig{Port: port, AcceptUnknownHosts: true})
	_, err := tr.Connect(context.Background(),
		device.Device{IP: host, Type: device.CiscoIOS},
		device.Credentials{Username: "admin", Password: "pw"})
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %v (%T), want *ConnectError", err, err)
	}
}

func TestElevate(t *testing.T) {
	sess, cleanup := dialDevice(t, device.CiscoIOS,
		device.Credentials{Username: "admin", Password: "pw"},
		sshtest.WithPassword("pw"),
		sshtest.WithScript(sshtest.Script{
			Prompt:        "sw1> ",
			EnabledPrompt: "sw1# ",
			EnableSecret:  "s3cret",
			Responses: map[string]string{
				"show privilege": "Current privilege level is 15",
			},
		}),
	)
	defer cleanup()

	if err := sess.Elevate(context.Background(), "s3cret", testTimeout); err != nil {
		t.Fatalf("Elevate: %v", err)
	}
	out, err := sess.Send(context.Background(), "show privilege", testTimeout)
	if err != nil {
		t.Fatalf("Send after elevate: %v", err)
	}
	if out != "Current privilege level is 15" {
		t.Errorf("output = %q", out)
	}
}

func TestElevate_WrongSecret(t *testing.T) {
	sess, cleanup := dialDevice(t, device.CiscoIOS,
		device.Credentials{Username: "admin", Password: "pw"},
		sshtest.WithPassword("pw"),
		sshtest.WithScript(sshtest.Script{
			Prompt:       "sw1> ",
			EnableSecret: "s3cret",
		}),
	)
	defer cleanup()

	err := sess.Elevate(context.Background(), "wrong", testTimeout)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v (%T), want *AuthError", err, err)
	}
}

func TestElevate_NoEscalationForType(t *testing.T) {
	sess, cleanup := dialDevice(t, device.Linux,
		device.Credentials{Username: "admin", Password: "pw"},
		sshtest.WithPassword("pw"),
		sshtest.WithScript(sshtest.Script{Prompt: "box$ "}),
	)
	defer cleanup()

	// Linux has no enable command; Elevate is a no-op.
	if err := sess.Elevate(context.Background(), "whatever", testTimeout); err != nil {
		t.Fatalf("Elevate: %v", err)
	}
}
