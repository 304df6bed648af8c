package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mindwolf80/nice/internal/device"
	"github.com/mindwolf80/nice/internal/transport"
)

func testUnit(devType device.Type, mode device.Mode, commands ...string) device.ExecutionUnit {
	return device.ExecutionUnit{
		Device:   device.Device{IP: "10.0.0.1", DNS: "sw1", Type: devType},
		Commands: device.CommandSet{Commands: commands, Mode: mode},
		Creds:    device.Credentials{Username: "tester", Password: "pw"},
	}
}

func TestRunUnit_RetriesConnectFailure(t *testing.T) {
	var attempts int
	tr := &fakeTransport{
		connect: func(ctx context.Context, dev device.Device, creds device.Credentials) (transport.Session, error) {
			attempts++
			if attempts == 1 {
				return nil, &transport.ConnectError{Host: dev.Label(), Err: errors.New("connection refused")}
			}
			return &fakeSession{}, nil
		},
	}

	rc := NewRunContext(Options{RetryCount: 1})
	runner := NewRunner(tr)
	results := runner.runUnit(context.Background(), rc, testUnit(device.Linux, device.ModeNormal, "uptime"))

	if attempts != 2 {
		t.Fatalf("expected 2 connection attempts, got %d", attempts)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != StatusSuccess {
		t.Errorf("status %q, want success", results[0].Status)
	}
	if results[0].Attempts != 2 {
		t.Errorf("attempts %d, want 2", results[0].Attempts)
	}
}

func TestRunUnit_RetryExhaustion(t *testing.T) {
	var attempts int
	tr := &fakeTransport{
		connect: func(ctx context.Context, dev device.Device, creds device.Credentials) (transport.Session, error) {
			attempts++
			return nil, &transport.ConnectError{Host: dev.Label(), Err: errors.New("no route to host")}
		},
	}

	rc := NewRunContext(Options{RetryCount: 2})
	results := NewRunner(tr).runUnit(context.Background(), rc, testUnit(device.Linux, device.ModeNormal, "uptime", "df -h"))

	if attempts != 3 {
		t.Fatalf("expected 3 connection attempts, got %d", attempts)
	}
	for i, res := range results {
		if res.Status != StatusFailure {
			t.Errorf("results[%d]: status %q, want failure", i, res.Status)
		}
		if res.Failure != FailureConnect {
			t.Errorf("results[%d]: failure kind %q, want connect", i, res.Failure)
		}
		if res.Attempts != 3 {
			t.Errorf("results[%d]: attempts %d, want 3", i, res.Attempts)
		}
	}
}

func TestRunUnit_AuthFailureNotRetried(t *testing.T) {
	var attempts int
	tr := &fakeTransport{
		connect: func(ctx context.Context, dev device.Device, creds device.Credentials) (transport.Session, error) {
			attempts++
			return nil, &transport.AuthError{Host: dev.Label(), Err: errors.New("permission denied")}
		},
	}

	rc := NewRunContext(Options{RetryCount: 3})
	results := NewRunner(tr).runUnit(context.Background(), rc, testUnit(device.Linux, device.ModeNormal, "uptime"))

	if attempts != 1 {
		t.Fatalf("auth failure retried: %d attempts", attempts)
	}
	if results[0].Failure != FailureAuth {
		t.Errorf("failure kind %q, want auth", results[0].Failure)
	}
}

func TestRunUnit_CommandRejectionDoesNotStopNormalMode(t *testing.T) {
	tr := &fakeTransport{
		connect: func(ctx context.Context, dev device.Device, creds device.Credentials) (transport.Session, error) {
			return &fakeSession{
				send: func(ctx context.Context, command string, timeout time.Duration) (string, error) {
					if command == "show bogus" {
						return "% Invalid input", &transport.CommandError{Host: "sw1", Command: command, Output: "% Invalid input"}
					}
					return "ok", nil
				},
			}, nil
		},
	}

	rc := NewRunContext(Options{RetryCount: 2})
	results := NewRunner(tr).runUnit(context.Background(), rc,
		testUnit(device.CiscoIOS, device.ModeNormal, "show version", "show bogus", "show clock"))

	want := []Status{StatusSuccess, StatusFailure, StatusSuccess}
	for i, res := range results {
		if res.Status != want[i] {
			t.Errorf("results[%d]: status %q, want %q", i, res.Status, want[i])
		}
	}
	if results[1].Failure != FailureCommand {
		t.Errorf("failure kind %q, want command", results[1].Failure)
	}
	if tr.connectCount("sw1") != 1 {
		t.Errorf("command rejection triggered a reconnect")
	}
}

func TestRunUnit_ConfigModeSkipsAfterRejection(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	tr := &fakeTransport{
		connect: func(ctx context.Context, dev device.Device, creds device.Credentials) (transport.Session, error) {
			return &fakeSession{
				send: func(ctx context.Context, command string, timeout time.Duration) (string, error) {
					mu.Lock()
					sent = append(sent, command)
					mu.Unlock()
					if command == "bad directive" {
						return "% Invalid input", &transport.CommandError{Host: "sw1", Command: command, Output: "% Invalid input"}
					}
					return "", nil
				},
			}, nil
		},
	}

	rc := NewRunContext(Options{Mode: device.ModeConfig})
	results := NewRunner(tr).runUnit(context.Background(), rc,
		testUnit(device.CiscoIOS, device.ModeConfig, "interface Gi0/1", "bad directive", "no shutdown"))

	want := []Status{StatusSuccess, StatusFailure, StatusSkipped}
	for i, res := range results {
		if res.Status != want[i] {
			t.Errorf("results[%d]: status %q, want %q", i, res.Status, want[i])
		}
	}

	if sent[0] != "configure terminal" {
		t.Errorf("first write %q, want config mode entry", sent[0])
	}
	for _, cmd := range sent {
		if cmd == "no shutdown" {
			t.Errorf("skipped command was sent to the device")
		}
	}
}

func TestRunUnit_ConfigModeEntryFailure(t *testing.T) {
	tr := &fakeTransport{
		connect: func(ctx context.Context, dev device.Device, creds device.Credentials) (transport.Session, error) {
			return &fakeSession{
				send: func(ctx context.Context, command string, timeout time.Duration) (string, error) {
					if command == "configure terminal" {
						return "% Access denied", &transport.CommandError{Host: "sw1", Command: command, Output: "% Access denied"}
					}
					return "", nil
				},
			}, nil
		},
	}

	rc := NewRunContext(Options{Mode: device.ModeConfig})
	results := NewRunner(tr).runUnit(context.Background(), rc,
		testUnit(device.CiscoIOS, device.ModeConfig, "interface Gi0/1", "no shutdown"))

	if results[0].Status != StatusFailure {
		t.Errorf("results[0]: status %q, want failure", results[0].Status)
	}
	if results[1].Status != StatusSkipped {
		t.Errorf("results[1]: status %q, want skipped", results[1].Status)
	}
}

func TestRunUnit_TimeoutTriggersFullSessionRetry(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	attempt := 0
	tr := &fakeTransport{
		connect: func(ctx context.Context, dev device.Device, creds device.Credentials) (transport.Session, error) {
			attempt++
			current := attempt
			return &fakeSession{
				send: func(ctx context.Context, command string, timeout time.Duration) (string, error) {
					mu.Lock()
					sent = append(sent, command)
					mu.Unlock()
					if current == 1 && command == "show clock" {
						return "", &transport.TimeoutError{Host: "sw1", Op: command, Err: context.DeadlineExceeded}
					}
					return "ok", nil
				},
			}, nil
		},
	}

	rc := NewRunContext(Options{RetryCount: 1})
	results := NewRunner(tr).runUnit(context.Background(), rc,
		testUnit(device.Linux, device.ModeNormal, "show version", "show clock"))

	if attempt != 2 {
		t.Fatalf("expected 2 sessions, got %d", attempt)
	}
	// The retry replays the whole command set from the start.
	wantSent := []string{"show version", "show clock", "show version", "show clock"}
	if len(sent) != len(wantSent) {
		t.Fatalf("sent %v, want %v", sent, wantSent)
	}
	for i := range wantSent {
		if sent[i] != wantSent[i] {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i], wantSent[i])
		}
	}
	for i, res := range results {
		if res.Status != StatusSuccess {
			t.Errorf("results[%d]: status %q, want success", i, res.Status)
		}
		if res.Attempts != 2 {
			t.Errorf("results[%d]: attempts %d, want 2", i, res.Attempts)
		}
	}
}

func TestRunUnit_ElevateRunsWhenSecretSet(t *testing.T) {
	var elevated bool
	tr := &fakeTransport{
		connect: func(ctx context.Context, dev device.Device, creds device.Credentials) (transport.Session, error) {
			return &fakeSession{
				elevate: func(ctx context.Context, secret string, timeout time.Duration) error {
					if secret != "s3cret" {
						t.Errorf("elevate got secret %q", secret)
					}
					elevated = true
					return nil
				},
			}, nil
		},
	}

	unit := testUnit(device.CiscoASA, device.ModeNormal, "show version")
	unit.Creds.EnableSecret = "s3cret"
	rc := NewRunContext(Options{})
	results := NewRunner(tr).runUnit(context.Background(), rc, unit)

	if !elevated {
		t.Fatal("Elevate was not called")
	}
	if results[0].Status != StatusSuccess {
		t.Errorf("status %q, want success", results[0].Status)
	}
}

func TestRunUnit_ElevateFailureFailsSession(t *testing.T) {
	tr := &fakeTransport{
		connect: func(ctx context.Context, dev device.Device, creds device.Credentials) (transport.Session, error) {
			return &fakeSession{
				elevate: func(ctx context.Context, secret string, timeout time.Duration) error {
					return &transport.AuthError{Host: "sw1", Err: errors.New("enable secret rejected")}
				},
			}, nil
		},
	}

	unit := testUnit(device.CiscoASA, device.ModeNormal, "show version", "show clock")
	unit.Creds.EnableSecret = "wrong"
	rc := NewRunContext(Options{RetryCount: 2})
	results := NewRunner(tr).runUnit(context.Background(), rc, unit)

	if tr.connectCount("sw1") != 1 {
		t.Errorf("auth failure during escalation was retried")
	}
	for i, res := range results {
		if res.Status != StatusFailure || res.Failure != FailureAuth {
			t.Errorf("results[%d]: %q/%q, want failure/auth", i, res.Status, res.Failure)
		}
	}
}

func TestRunUnit_ResultsAreTimestamped(t *testing.T) {
	before := time.Now()
	rc := NewRunContext(Options{})
	results := NewRunner(echoTransport()).runUnit(context.Background(), rc,
		testUnit(device.Linux, device.ModeNormal, "uptime", "df -h"))
	after := time.Now()

	for i, res := range results {
		if res.Timestamp.Before(before) || res.Timestamp.After(after) {
			t.Errorf("results[%d]: timestamp %v outside run window", i, res.Timestamp)
		}
	}
}

func TestRunUnit_DeterministicTransportYieldsIdenticalResults(t *testing.T) {
	// Everything but the clock-derived fields must match across two runs
	// of the same unit against the same transport behavior.
	unit := testUnit(device.CiscoIOS, device.ModeNormal, "show version", "show bogus", "show clock")
	tr := &fakeTransport{
		connect: func(ctx context.Context, dev device.Device, creds device.Credentials) (transport.Session, error) {
			return &fakeSession{
				send: func(ctx context.Context, command string, timeout time.Duration) (string, error) {
					if command == "show bogus" {
						return "% Invalid input", &transport.CommandError{Host: "sw1", Command: command, Output: "% Invalid input"}
					}
					return "ok: " + command, nil
				},
			}, nil
		},
	}

	run := func() []SessionResult {
		rc := NewRunContext(Options{})
		results := NewRunner(tr).runUnit(context.Background(), rc, unit)
		for i := range results {
			results[i].Timestamp = time.Time{}
			results[i].Duration = 0
		}
		return results
	}

	first := run()
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("runs differ:\n first: %+v\nsecond: %+v", first, second)
	}
}
