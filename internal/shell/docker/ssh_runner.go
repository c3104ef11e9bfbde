package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHRunner runs the runtime binary on a remote node over SSH. The SSH
// connection is opened lazily and reused across commands.
type SSHRunner struct {
	node           *domain.HostNode
	binary         string
	signer         ssh.Signer
	hostKeys       ssh.HostKeyCallback
	connectTimeout time.Duration

	mu        sync.Mutex // Protects sshClient
	sshClient *ssh.Client
}

// NewSSHRunner creates a runner for a node using the node's SSH key file.
func NewSSHRunner(node *domain.HostNode, cfg Config) (*SSHRunner, error) {
	cfg = cfg.withDefaults()
	if node.SSHKeyPath == "" {
		return nil, &ValidationError{Field: "ssh_key_path", Value: node.ID, Reason: "ssh transport requires a key file"}
	}
	key, err := os.ReadFile(node.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	return newSSHRunner(node, cfg.Binary, signer, hostKeys, cfg.ConnectTimeout), nil
}

func newSSHRunner(node *domain.HostNode, binary string, signer ssh.Signer, hostKeys ssh.HostKeyCallback, timeout time.Duration) *SSHRunner {
	return &SSHRunner{
		node:           node,
		binary:         binary,
		signer:         signer,
		hostKeys:       hostKeys,
		connectTimeout: timeout,
	}
}

// =============================================================================
// Connection Management
// =============================================================================

// connect establishes the SSH connection if not already connected.
func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sshClient != nil {
		// Check if connection is still alive
		if _, _, err := r.sshClient.SendRequest("keepalive@fleet", true, nil); err == nil {
			return r.sshClient, nil
		}
		r.sshClient.Close()
		r.sshClient = nil
	}

	user := r.node.SSHUser
	if user == "" {
		user = "root"
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: r.hostKeys,
		Timeout:         r.connectTimeout,
	}

	addr := r.node.SSHAddress()
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, &ConnectivityError{Host: addr, Tier: "ssh", Err: err}
	}
	r.sshClient = client
	return client, nil
}

// Close closes the SSH connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sshClient != nil {
		err := r.sshClient.Close()
		r.sshClient = nil
		return err
	}
	return nil
}

// =============================================================================
// Execution
// =============================================================================

// Run executes the runtime binary on the node. On timeout the remote
// process is signalled and the session closed.
func (r *SSHRunner) Run(ctx context.Context, args []string, timeout time.Duration) (*ExecResult, error) {
	client, err := r.connect()
	if err != nil {
		return &ExecResult{Args: args, ExitCode: -1}, err
	}

	session, err := client.NewSession()
	if err != nil {
		return &ExecResult{Args: args, ExitCode: -1}, NewDockerError("Run", "session", r.node.ID, "failed to open SSH session", errors.Join(ErrConnectionFailed, err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdStr := shellJoin(append([]string{r.binary}, args...))
	start := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmdStr)
	}()

	result := &ExecResult{Args: args}
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		result.ExitCode = -1
		result.Duration = time.Since(start)
		return result, ctx.Err()
	case <-time.After(timeout):
		_ = session.Signal(ssh.SIGKILL)
		result.ExitCode = -1
		result.Duration = time.Since(start)
		return result, &CommandTimeoutError{Command: cmdStr, Timeout: timeout}
	case err := <-done:
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		result.Duration = time.Since(start)
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, &CommandExecutionError{
				Command:  cmdStr,
				ExitCode: result.ExitCode,
				Stdout:   result.Stdout,
				Stderr:   strings.TrimSpace(result.Stderr),
			}
		}
		result.ExitCode = -1
		return result, NewDockerError("Run", "session", r.node.ID, err.Error(), ErrConnectionFailed)
	}
}

// shellJoin quotes every argument for a POSIX shell.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
