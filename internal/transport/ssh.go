package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mindwolf80/nice/internal/device"
)

// SSHConfig holds options for the SSH transport.
type SSHConfig struct {
	// Port overrides the SSH port for all devices. Zero means 22.
	Port int

	// AcceptUnknownHosts controls whether to accept hosts not in
	// known_hosts. Network gear is rarely in known_hosts, so most
	// runs set this.
	AcceptUnknownHosts bool

	// HostKeyCallback overrides the default host key verification.
	// If nil, knownhosts is used (with AcceptUnknownHosts controlling
	// unknowns).
	HostKeyCallback ssh.HostKeyCallback

	// Logger receives connection lifecycle events. Nil disables
	// transport logging.
	Logger *zap.Logger
}

// SSH implements Transport over x/crypto/ssh with an interactive
// pty/shell session and prompt-driven reads.
type SSH struct {
	conf   SSHConfig
	logger *zap.Logger
}

// NewSSH creates the SSH transport.
func NewSSH(conf SSHConfig) *SSH {
	logger := conf.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSH{conf: conf, logger: logger}
}

// promptPollInterval is how often Send checks the capture buffer for
// the device prompt while waiting.
const promptPollInterval = 25 * time.Millisecond

// loginTimeout bounds the wait for the first prompt after the shell
// opens, independent of the connect context.
const loginTimeout = 10 * time.Second

// Connect dials the device, authenticates, opens an interactive
// shell, and waits for the first prompt. Old network gear often only
// speaks password or keyboard-interactive auth, so both are offered.
func (t *SSH) Connect(ctx context.Context, dev device.Device, creds device.Credentials) (Session, error) {
	port := t.conf.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(dev.IP, fmt.Sprintf("%d", port))

	hostKeyCallback, err := t.resolveHostKeyCallback()
	if err != nil {
		return nil, &ConnectError{Host: dev.Label(), Err: err}
	}

	sshConf := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = creds.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
	}

	conn, err := dialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrapDialError(dev.Label(), err)
	}

	sshConn, chans, reqs, err := newClientConn(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		return nil, wrapDialError(dev.Label(), err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	s, err := openShell(ctx, client, dev)
	if err != nil {
		client.Close()
		return nil, err
	}

	t.logger.Debug("connected",
		zap.String("host", dev.Label()),
		zap.String("addr", addr),
		zap.String("device_type", string(dev.Type)))
	return s, nil
}

// openShell starts a pty shell on the client and waits for the login
// prompt, then disables output paging if the device type needs it.
func openShell(ctx context.Context, client *ssh.Client, dev device.Device) (*sshSession, error) {
	host := dev.Label()
	profile := dev.Type.Profile()

	sess, err := client.NewSession()
	if err != nil {
		return nil, &ConnectError{Host: host, Err: fmt.Errorf("new session: %w", err)}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := sess.RequestPty("vt100", 80, 512, modes); err != nil {
		sess.Close()
		return nil, &ConnectError{Host: host, Err: fmt.Errorf("request pty: %w", err)}
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, &ConnectError{Host: host, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	buf := &captureBuffer{}
	sess.Stdout = buf
	sess.Stderr = buf

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, &ConnectError{Host: host, Err: fmt.Errorf("start shell: %w", err)}
	}

	s := &sshSession{
		host:    host,
		profile: profile,
		client:  client,
		sess:    sess,
		stdin:   stdin,
		buf:     buf,
	}

	// Banner and first prompt.
	if _, err := s.readUntilPrompt(ctx, "login prompt", profile.Prompt, 0, loginTimeout); err != nil {
		s.Close()
		return nil, err
	}

	if profile.DisablePaging != "" {
		if _, err := s.Send(ctx, profile.DisablePaging, loginTimeout); err != nil {
			// Paging setup failing is not fatal; some images lack
			// the command. Command rejection is ignored, timeouts
			// are real connectivity problems.
			var cmdErr *CommandError
			if !errors.As(err, &cmdErr) {
				s.Close()
				return nil, err
			}
		}
	}

	return s, nil
}

// sshSession drives one interactive shell.
type sshSession struct {
	host    string
	profile device.Profile
	client  *ssh.Client
	sess    *ssh.Session
	stdin   io.WriteCloser
	buf     *captureBuffer

	closeOnce sync.Once
	closeErr  error
}

// Send writes the command and reads until the device prompt returns.
// The captured output has the command echo and the trailing prompt
// stripped. Inline CLI rejections come back as *CommandError with the
// cleaned output attached.
func (s *sshSession) Send(ctx context.Context, command string, timeout time.Duration) (string, error) {
	offset := s.buf.Len()
	if _, err := s.stdin.Write([]byte(command + "\n")); err != nil {
		return "", &ConnectError{Host: s.host, Err: fmt.Errorf("write command: %w", err)}
	}

	raw, err := s.readUntilPrompt(ctx, command, s.profile.Prompt, offset, timeout)
	if err != nil {
		return "", err
	}

	out := cleanOutput(raw, command, s.profile.Prompt)
	if commandRejected(out) {
		return out, &CommandError{Host: s.host, Command: command, Output: out}
	}
	return out, nil
}

// Elevate enters privileged mode. Device types without an escalation
// command return immediately.
func (s *sshSession) Elevate(ctx context.Context, secret string, timeout time.Duration) error {
	if s.profile.EnableCommand == "" {
		return nil
	}

	offset := s.buf.Len()
	if _, err := s.stdin.Write([]byte(s.profile.EnableCommand + "\n")); err != nil {
		return &ConnectError{Host: s.host, Err: fmt.Errorf("write enable: %w", err)}
	}

	// The device either asks for the secret or, if the account is
	// already privileged, drops straight back to a prompt.
	raw, matched, err := s.readUntilAny(ctx, s.profile.EnableCommand, offset, timeout,
		s.profile.EnablePrompt, s.profile.Prompt)
	if err != nil {
		return &AuthError{Host: s.host, Err: fmt.Errorf("privilege escalation: %w", err)}
	}
	if matched == 1 {
		return nil // already privileged
	}

	offset = s.buf.Len()
	if _, err := s.stdin.Write([]byte(secret + "\n")); err != nil {
		return &ConnectError{Host: s.host, Err: fmt.Errorf("write enable secret: %w", err)}
	}
	raw, err = s.readUntilPrompt(ctx, "enable secret", s.profile.Prompt, offset, timeout)
	if err != nil {
		return &AuthError{Host: s.host, Err: fmt.Errorf("privilege escalation: %w", err)}
	}
	if rejected(raw) {
		return &AuthError{Host: s.host, Err: errors.New("enable secret rejected")}
	}
	return nil
}

// rejected reports whether escalation output indicates a bad secret.
func rejected(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "denied") ||
		strings.Contains(lower, "bad secret") ||
		strings.Contains(lower, "invalid password")
}

// Close terminates the shell and the underlying connection.
func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		serr := s.sess.Close()
		cerr := s.client.Close()
		if serr != nil {
			s.closeErr = serr
		} else {
			s.closeErr = cerr
		}
	})
	return s.closeErr
}

// readUntilPrompt polls the capture buffer until pattern matches the
// trailing output, the timeout expires, or the context is cancelled.
func (s *sshSession) readUntilPrompt(ctx context.Context, op string, pattern *regexp.Regexp, offset int, timeout time.Duration) (string, error) {
	out, _, err := s.readUntilAny(ctx, op, offset, timeout, pattern)
	return out, err
}

// readUntilAny waits for the first of several patterns to match the
// end of the captured output. Returns the captured text and the index
// of the pattern that matched.
func (s *sshSession) readUntilAny(ctx context.Context, op string, offset int, timeout time.Duration, patterns ...*regexp.Regexp) (string, int, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(promptPollInterval)
	defer ticker.Stop()

	for {
		chunk := s.buf.Since(offset)
		tail := strings.TrimRight(chunk, " ")
		for i, p := range patterns {
			if p != nil && p.MatchString(tail) {
				return chunk, i, nil
			}
		}

		select {
		case <-ctx.Done():
			return chunk, -1, &TimeoutError{Host: s.host, Op: op, Err: ctx.Err()}
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return chunk, -1, &TimeoutError{Host: s.host, Op: op, Err: context.DeadlineExceeded}
		}
	}
}

// cleanOutput strips the echoed command from the head of the capture
// and the prompt line from its tail.
func cleanOutput(raw, command string, prompt *regexp.Regexp) string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	start := 0
	if len(lines) > 0 && strings.Contains(lines[0], command) {
		start = 1
	}

	end := len(lines)
	for end > start && (strings.TrimSpace(lines[end-1]) == "" || prompt.MatchString(strings.TrimRight(lines[end-1], " "))) {
		end--
	}

	return strings.TrimRight(strings.Join(lines[start:end], "\n"), "\n")
}

// resolveHostKeyCallback builds the host key callback.
func (t *SSH) resolveHostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.conf.HostKeyCallback != nil {
		return t.conf.HostKeyCallback, nil
	}

	if t.conf.AcceptUnknownHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}

	knownHostsPath := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(knownHostsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no known_hosts file found at %s; enable insecure mode to skip host key verification", knownHostsPath)
	}

	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// dialContext dials a network address with context cancellation support.
func dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, network, addr)
}

// newClientConn performs the SSH handshake with context cancellation.
func newClientConn(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}
