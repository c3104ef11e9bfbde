package docker

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner executes a runtime command line somewhere and reports its
// output. Implementations enforce the timeout and kill the command when it
// expires.
type CommandRunner interface {
	Run(ctx context.Context, args []string, timeout time.Duration) (*ExecResult, error)
	Close() error
}

// =============================================================================
// Local Runner
// =============================================================================

// LocalRunner runs the runtime binary on the controller's own machine.
type LocalRunner struct {
	Binary string
}

// NewLocalRunner creates a local runner for the given binary.
func NewLocalRunner(binary string) *LocalRunner {
	if binary == "" {
		binary = "docker"
	}
	return &LocalRunner{Binary: binary}
}

// Run executes the binary with args. The process is killed when the
// timeout expires.
func (r *LocalRunner) Run(ctx context.Context, args []string, timeout time.Duration) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Args:     args,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		result.ExitCode = -1
		return result, ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		return result, &CommandTimeoutError{Command: commandLine(r.Binary, args), Timeout: timeout}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &CommandExecutionError{
				Command:  commandLine(r.Binary, args),
				ExitCode: result.ExitCode,
				Stdout:   result.Stdout,
				Stderr:   strings.TrimSpace(result.Stderr),
			}
		}
		result.ExitCode = -1
		return result, NewDockerError("Run", "command", r.Binary, err.Error(), ErrConnectionFailed)
	}
	return result, nil
}

// Close implements CommandRunner.
func (r *LocalRunner) Close() error {
	return nil
}

func commandLine(binary string, args []string) string {
	return binary + " " + strings.Join(args, " ")
}
