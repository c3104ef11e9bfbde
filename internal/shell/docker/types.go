// Package docker talks to the container runtime of each host node. Two
// transports implement RuntimeClient: the CLI transport runs the docker
// binary locally or over SSH, and the API transport uses the engine API.
package docker

import (
	"context"
	"strings"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/dockercli"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Client Interface
// =============================================================================

// RuntimeClient is the set of runtime operations the fleet issues against
// one host.
type RuntimeClient interface {
	// Execute runs a raw runtime command. A zero timeout uses the
	// configured command timeout.
	Execute(ctx context.Context, args []string, timeout time.Duration) (*ExecResult, error)

	// Ping queries the runtime version. It is the API-tier probe.
	Ping(ctx context.Context) error

	// Container operations
	ListContainers(ctx context.Context, all bool) ([]domain.ContainerInfo, error)
	InspectContainer(ctx context.Context, idOrName string) (*domain.ContainerInfo, error)
	StartContainer(ctx context.Context, idOrName string) error
	StopContainer(ctx context.Context, idOrName string) error
	RestartContainer(ctx context.Context, idOrName string) error
	RemoveContainer(ctx context.Context, idOrName string, force bool) error
	RunContainer(ctx context.Context, spec dockercli.RunSpec) (*domain.ContainerInfo, error)
	ContainerLogs(ctx context.Context, idOrName string, tail int) (string, error)
	ContainerStats(ctx context.Context, idOrName string) (*domain.ContainerStats, error)

	// Image operations
	ListImages(ctx context.Context) ([]domain.ImageInfo, error)

	Close() error
}

// ExecResult is the outcome of one runtime command.
type ExecResult struct {
	Args     []string      `json:"args"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`

	// Output is a human-readable summary, set when the command never ran.
	Output string `json:"output,omitempty"`
}

// Success reports whether the command exited zero.
func (r *ExecResult) Success() bool {
	return r != nil && r.ExitCode == 0 && r.Output == ""
}

// =============================================================================
// Configuration
// =============================================================================

// Config tunes runtime clients.
type Config struct {
	Binary          string        // docker executable, local or remote
	CommandTimeout  time.Duration // default per-command timeout
	RunTimeout      time.Duration // timeout for run -d
	VerifyDelay     time.Duration // wait before verifying a started container
	AllowedPrefixes []string      // container name allow-list; empty allows all
	ConnectTimeout  time.Duration // SSH dial timeout
	KnownHostsPath  string        // empty disables host key verification
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Binary:          "docker",
		CommandTimeout:  30 * time.Second,
		RunTimeout:      60 * time.Second,
		VerifyDelay:     time.Second,
		AllowedPrefixes: append([]string(nil), dockercli.DefaultAllowedPrefixes...),
		ConnectTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Binary == "" {
		c.Binary = d.Binary
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.VerifyDelay < 0 {
		c.VerifyDelay = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	return c
}

// isUp reports whether a raw status describes a started container.
func isUp(status string) bool {
	s := strings.ToLower(status)
	return strings.HasPrefix(s, "up") || strings.Contains(s, "running")
}
