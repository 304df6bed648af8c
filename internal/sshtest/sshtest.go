// Package sshtest provides an in-process SSH server that imitates a
// network device's interactive shell for testing.
package sshtest

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Script describes how the simulated device answers the shell.
type Script struct {
	// Prompt is written after login and after every command,
	// e.g. "sw1# ".
	Prompt string

	// EnabledPrompt replaces Prompt once privilege escalation
	// succeeds. Empty means Prompt is reused.
	EnabledPrompt string

	// EnableSecret, when set, makes the "enable" command ask for a
	// secret before granting the privileged prompt.
	EnableSecret string

	// Responses maps a command line to its output. Commands not in
	// the map succeed with empty output unless RejectUnknown is set.
	Responses map[string]string

	// Hang lists commands the device swallows without ever answering.
	Hang map[string]bool

	// RejectUnknown makes unscripted commands fail the way IOS does.
	RejectUnknown bool
}

// ServerConfig holds options for a test SSH server.
type ServerConfig struct {
	PasswordAuth string
	NoAuth       bool
	Script       Script
}

// Option configures a test SSH server.
type Option func(*ServerConfig)

// WithPassword configures the server to accept the given password.
func WithPassword(pw string) Option {
	return func(c *ServerConfig) { c.PasswordAuth = pw }
}

// WithNoAuth configures the server to accept any connection.
func WithNoAuth() Option {
	return func(c *ServerConfig) { c.NoAuth = true }
}

// WithScript sets the device behaviour.
func WithScript(s Script) Option {
	return func(c *ServerConfig) { c.Script = s }
}

// Start launches an in-process SSH server. It returns the listener address
// and a cleanup function that shuts down the server.
func Start(t *testing.T, opts ...Option) (addr string, cleanup func()) {
	t.Helper()

	cfg := &ServerConfig{
		Script: Script{Prompt: "sw1# "},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Script.Prompt == "" {
		cfg.Script.Prompt = "sw1# "
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	serverConf := &ssh.ServerConfig{NoClientAuth: cfg.NoAuth}
	serverConf.AddHostKey(hostSigner)

	if cfg.PasswordAuth != "" {
		serverConf.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == cfg.PasswordAuth {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
		serverConf.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 1 && answers[0] == cfg.PasswordAuth {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleConnection(conn, serverConf, cfg)
		}
	}()

	return listener.Addr().String(), func() {
		listener.Close()
		<-done
	}
}

func handleConnection(conn net.Conn, config *ssh.ServerConfig, cfg *ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, requests, cfg.Script)
	}
}

// handleSession accepts the pty and shell requests, then runs the
// scripted command loop.
func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request, script Script) {
	defer ch.Close()

	shell := make(chan struct{})
	go func() {
		for req := range reqs {
			switch req.Type {
			case "pty-req", "window-change":
				req.Reply(true, nil)
			case "shell":
				req.Reply(true, nil)
				close(shell)
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()

	<-shell
	runShell(ch, script)
}

func runShell(ch ssh.Channel, script Script) {
	prompt := script.Prompt
	enabledPrompt := script.EnabledPrompt
	if enabledPrompt == "" {
		enabledPrompt = prompt
	}

	write := func(s string) bool {
		_, err := io.WriteString(ch, s)
		return err == nil
	}

	if !write(prompt) {
		return
	}

	r := bufio.NewReader(ch)
	elevated := false
	awaitingSecret := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")

		if awaitingSecret {
			awaitingSecret = false
			if cmd == script.EnableSecret {
				elevated = true
				prompt = enabledPrompt
				if !write("\r\n" + prompt) {
					return
				}
			} else if !write("% Bad secrets\r\n" + prompt) {
				return
			}
			continue
		}

		// Terminal echo, the way a real pty does it.
		if !write(cmd + "\r\n") {
			return
		}

		if script.Hang[cmd] {
			// Swallow the command and go quiet.
			io.Copy(io.Discard, ch)
			return
		}

		if cmd == "enable" && script.EnableSecret != "" && !elevated {
			awaitingSecret = true
			if !write("Password: ") {
				return
			}
			continue
		}

		if out, ok := script.Responses[cmd]; ok {
			out = strings.ReplaceAll(out, "\n", "\r\n")
			if out != "" && !strings.HasSuffix(out, "\r\n") {
				out += "\r\n"
			}
			if !write(out + prompt) {
				return
			}
			continue
		}

		if script.RejectUnknown {
			if !write("% Invalid input detected at '^' marker.\r\n" + prompt) {
				return
			}
			continue
		}

		if !write(prompt) {
			return
		}
	}
}

// ParseAddr splits an address into host and port.
func ParseAddr(t *testing.T, addr string) (host string, port int) {
	t.Helper()
	h, portStr, _ := net.SplitHostPort(addr)
	var p int
	fmt.Sscanf(portStr, "%d", &p)
	return h, p
}
