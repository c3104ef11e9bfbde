package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/backoff"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/dockercli"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// ExecuteWithRetry probes the runtime before running args. While the probe
// fails it waits attempt × BaseDelay and tries again, up to MaxAttempts.
// Command failures on a healthy runtime are returned as-is and not retried.
// On exhaustion the result's Output describes the failure and the error
// matches ErrRetriesExhausted.
func ExecuteWithRetry(ctx context.Context, c RuntimeClient, args []string, timeout time.Duration, p backoff.Policy, sleep backoff.SleepFunc) (*ExecResult, error) {
	result, called, err := whenHealthy(ctx, c, p, sleep, func() (*ExecResult, error) {
		return c.Execute(ctx, args, timeout)
	})
	if called {
		return result, err
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		return &ExecResult{Args: args, ExitCode: -1, Output: err.Error()}, err
	}

	p = p.Normalize()
	output := fmt.Sprintf("command %q not executed: runtime unavailable after %d attempts", strings.Join(args, " "), p.MaxAttempts)
	return &ExecResult{Args: args, ExitCode: -1, Output: output}, err
}

// RunWithRetry creates and starts a container once the runtime answers,
// with the same probe and backoff as ExecuteWithRetry. A failed run on a
// healthy runtime is returned as-is.
func RunWithRetry(ctx context.Context, c RuntimeClient, spec dockercli.RunSpec, p backoff.Policy, sleep backoff.SleepFunc) (*domain.ContainerInfo, error) {
	info, _, err := whenHealthy(ctx, c, p, sleep, func() (*domain.ContainerInfo, error) {
		return c.RunContainer(ctx, spec)
	})
	return info, err
}

// whenHealthy pings until the runtime answers, then calls fn exactly once
// and reports that it did. When the probe never succeeds the error matches
// ErrRetriesExhausted.
func whenHealthy[T any](ctx context.Context, c RuntimeClient, p backoff.Policy, sleep backoff.SleepFunc, fn func() (T, error)) (T, bool, error) {
	var result T
	var callErr error
	called := false

	err := backoff.Retry(ctx, p, sleep, func(attempt int) error {
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("attempt %d: runtime unhealthy: %w", attempt, err)
		}
		result, callErr = fn()
		called = true
		return nil
	})
	if called {
		return result, true, callErr
	}
	if errors.Is(err, backoff.ErrExhausted) {
		err = errors.Join(ErrRetriesExhausted, err)
	}
	return result, false, err
}
