// Package sshpool maintains one multiplexed SSH connection per
// (user, host, port) and executes commands against it under a wall-clock
// timeout. Host-key verification is intentionally disabled: the
// operational model is a trusted internal network with keys
// pre-provisioned out of band (ssh.InsecureIgnoreHostKey).
package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// ErrRemoteTimeout is returned when a command exceeds its wall-clock
// timeout. The session is cancelled and the underlying connection is
// discarded so the next call rebuilds it.
var ErrRemoteTimeout = errors.New("sshpool: remote command timed out")

// Target describes the remote host to connect to. It deliberately holds
// only what the pool needs — host, user, port — not the full server
// record used by handlers.
type Target struct {
	Host string
	User string
	Port int
}

func (t Target) key() string {
	return fmt.Sprintf("%s@%s:%d", t.User, t.Host, t.Port)
}

// CommandResult holds the raw output and exit code of a remote command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited zero.
func (r CommandResult) Success() bool {
	return r.ExitCode == 0
}

// Check returns an error carrying the trimmed stderr (or the first 500
// bytes of stdout if stderr is empty) if the command did not succeed.
func (r CommandResult) Check(message string) error {
	if r.Success() {
		return nil
	}
	detail := strings.TrimSpace(r.Stderr)
	if detail == "" {
		detail = r.Stdout
		if len(detail) > 500 {
			detail = detail[:500]
		}
	}
	return fmt.Errorf("sshpool: %s: %s", message, detail)
}

// RunOptions configures a single command execution.
type RunOptions struct {
	Timeout time.Duration
	Env     map[string]string
}

// Pool owns a set of live SSH connections keyed by user@host:port. It is
// the sole mutator of that map; handlers only ever call Run/RunInRepo.
type Pool struct {
	mu          sync.Mutex
	conns       map[string]*ssh.Client
	keyPath     string
	logger      *zap.Logger
}

// New creates an empty pool. keyPath, if non-empty, is used as the sole
// private key for authentication; otherwise the pool falls back to
// ssh-agent-less password-less key discovery is not attempted — an empty
// keyPath means only host-provided defaults (none) are tried, matching
// the Python client_keys=[key_path] if set semantics.
func New(keyPath string, logger *zap.Logger) *Pool {
	return &Pool{
		conns:   make(map[string]*ssh.Client),
		keyPath: keyPath,
		logger:  logger,
	}
}

// Run executes command on the given target, returning its output once it
// completes, errors, or times out (default timeout 120s as in
// original_source/worker/ssh.py).
func (p *Pool) Run(ctx context.Context, target Target, command string, opts RunOptions) (CommandResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	cmd := command
	if len(opts.Env) > 0 {
		var b strings.Builder
		for k, v := range opts.Env {
			fmt.Fprintf(&b, "%s=%q ", k, v)
		}
		cmd = b.String() + command
	}

	client, err := p.getConnection(target)
	if err != nil {
		return CommandResult{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		p.discard(target)
		return CommandResult{}, fmt.Errorf("sshpool: opening session to %s: %w", target.key(), err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		p.discard(target)
		return CommandResult{}, ctx.Err()
	case <-time.After(timeout):
		_ = session.Signal(ssh.SIGKILL)
		p.discard(target)
		return CommandResult{}, fmt.Errorf("%w after %s", ErrRemoteTimeout, timeout)
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitStatus()
			} else {
				p.discard(target)
				return CommandResult{}, fmt.Errorf("sshpool: running command on %s: %w", target.key(), err)
			}
		}
		return CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
	}
}

// RunInRepo runs command with the working directory changed to repoDir
// first, i.e. `cd <repoDir> && <command>`.
func (p *Pool) RunInRepo(ctx context.Context, target Target, repoDir, command string, opts RunOptions) (CommandResult, error) {
	return p.Run(ctx, target, fmt.Sprintf("cd %s && %s", repoDir, command), opts)
}

// getConnection returns a live connection for target, checking liveness
// with a cheap `true` before reuse and rebuilding on any failure.
func (p *Pool) getConnection(target Target) (*ssh.Client, error) {
	key := target.key()

	p.mu.Lock()
	client, ok := p.conns[key]
	p.mu.Unlock()

	if ok {
		if p.isAlive(client) {
			return client, nil
		}
		p.discard(target)
	}

	client, err := p.dial(target)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.conns[key] = client
	p.mu.Unlock()

	return client, nil
}

func (p *Pool) isAlive(client *ssh.Client) bool {
	session, err := client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run("true") }()

	select {
	case err := <-done:
		return err == nil
	case <-time.After(5 * time.Second):
		return false
	}
}

func (p *Pool) dial(target Target) (*ssh.Client, error) {
	auth := []ssh.AuthMethod{}
	if p.keyPath != "" {
		keyBytes, err := os.ReadFile(p.keyPath)
		if err != nil {
			return nil, fmt.Errorf("sshpool: reading key %s: %w", p.keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("sshpool: parsing key %s: %w", p.keyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("sshpool: dialing %s: %w", addr, err)
	}

	if p.logger != nil {
		p.logger.Debug("sshpool: connected", zap.String("target", target.key()))
	}
	return client, nil
}

// discard closes and removes the connection for target, if any, so the
// next call to Run rebuilds it from scratch.
func (p *Pool) discard(target Target) {
	key := target.key()
	p.mu.Lock()
	client, ok := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()

	if ok {
		_ = client.Close()
	}
}

// ActiveConnections reports the current number of open multiplexed SSH
// connections, sampled by internal/obs's gauge on every /metrics scrape.
func (p *Pool) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every connection in the pool and empties it. Safe to call
// once at shutdown.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*ssh.Client)
	p.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
