package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/backoff"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/dockercli"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/audit"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/metrics"
)

// =============================================================================
// CLI Client Implementation
// =============================================================================

// CLIClient implements RuntimeClient by running the docker CLI, either on
// the controller (with -H for remote nodes) or on the node over SSH.
type CLIClient struct {
	node   *domain.HostNode
	target dockercli.Target
	runner CommandRunner
	config Config
	policy dockercli.NamePolicy
	audit  audit.Sink
	sleep  backoff.SleepFunc
	logger *slog.Logger
}

// CLIOption configures a CLIClient.
type CLIOption func(*CLIClient)

// WithAuditSink sets the sink receiving allow-list and lifecycle events.
func WithAuditSink(s audit.Sink) CLIOption {
	return func(c *CLIClient) { c.audit = s }
}

// WithSleep replaces the wait used before verifying a started container.
func WithSleep(fn backoff.SleepFunc) CLIOption {
	return func(c *CLIClient) { c.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CLIOption {
	return func(c *CLIClient) { c.logger = l }
}

// NewCLIClient creates a CLI client for node using runner to execute
// commands.
func NewCLIClient(node *domain.HostNode, runner CommandRunner, cfg Config, opts ...CLIOption) *CLIClient {
	cfg = cfg.withDefaults()
	c := &CLIClient{
		node:   node,
		target: dockercli.TargetFor(node),
		runner: runner,
		config: cfg,
		policy: dockercli.NewNamePolicy(cfg.AllowedPrefixes),
		audit:  audit.Nop{},
		sleep:  backoff.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "runtime_cli", "host_id", node.ID)
	return c
}

// Close releases the underlying runner.
func (c *CLIClient) Close() error {
	return c.runner.Close()
}

// exec runs a subcommand against the client's target.
func (c *CLIClient) exec(ctx context.Context, op string, sub []string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = c.config.CommandTimeout
	}
	timer := metrics.NewTimer()
	result, err := c.runner.Run(ctx, c.target.Command(sub...), timeout)
	timer.ObserveDurationVec(metrics.RuntimeCommandDuration, op)
	metrics.RuntimeCommandsTotal.WithLabelValues(op, metrics.Result(err)).Inc()

	if err != nil {
		c.logger.Debug("runtime command failed", "op", op, "error", err)
	}
	return result, err
}

// Execute implements RuntimeClient.
func (c *CLIClient) Execute(ctx context.Context, args []string, timeout time.Duration) (*ExecResult, error) {
	return c.exec(ctx, "execute", args, timeout)
}

// Ping queries the server version.
func (c *CLIClient) Ping(ctx context.Context) error {
	result, err := c.exec(ctx, "ping", dockercli.VersionArgs(), 0)
	if err != nil {
		return &ConnectivityError{Host: c.node.HostIP, Tier: "runtime", Err: err}
	}
	if dockercli.ParseVersion(result.Stdout) == "" {
		return &ConnectivityError{Host: c.node.HostIP, Tier: "runtime", Err: errors.New("empty version response")}
	}
	return nil
}

// =============================================================================
// Container Operations
// =============================================================================

// ListContainers lists containers on the node; all includes stopped ones.
func (c *CLIClient) ListContainers(ctx context.Context, all bool) ([]domain.ContainerInfo, error) {
	result, err := c.exec(ctx, "list", dockercli.ListContainersArgs(all), 0)
	if err != nil {
		return nil, NewDockerError("ListContainers", "container", "", "failed to list containers", err)
	}
	containers := dockercli.ParseContainerList(result.Stdout)
	for i := range containers {
		containers[i].HostNodeID = c.node.ID
	}
	return containers, nil
}

// InspectContainer returns the container's current state.
func (c *CLIClient) InspectContainer(ctx context.Context, idOrName string) (*domain.ContainerInfo, error) {
	if err := c.validate(ctx, idOrName); err != nil {
		return nil, err
	}
	result, err := c.exec(ctx, "inspect", dockercli.InspectArgs(idOrName), 0)
	if err != nil {
		return nil, c.translate("InspectContainer", idOrName, err)
	}
	info, ok := dockercli.ParseContainerLine(firstLine(result.Stdout))
	if !ok {
		return nil, NewDockerError("InspectContainer", "container", idOrName, "unparseable inspect output", ErrContainerNotFound)
	}
	info.HostNodeID = c.node.ID
	return &info, nil
}

// StartContainer starts a stopped container.
func (c *CLIClient) StartContainer(ctx context.Context, idOrName string) error {
	return c.lifecycle(ctx, "StartContainer", audit.OpContainerStart, idOrName, dockercli.StartArgs(idOrName))
}

// StopContainer stops a running container.
func (c *CLIClient) StopContainer(ctx context.Context, idOrName string) error {
	return c.lifecycle(ctx, "StopContainer", audit.OpContainerStop, idOrName, dockercli.StopArgs(idOrName))
}

// RestartContainer restarts a container.
func (c *CLIClient) RestartContainer(ctx context.Context, idOrName string) error {
	return c.lifecycle(ctx, "RestartContainer", audit.OpContainerRestart, idOrName, dockercli.RestartArgs(idOrName))
}

// RemoveContainer removes a container.
func (c *CLIClient) RemoveContainer(ctx context.Context, idOrName string, force bool) error {
	return c.lifecycle(ctx, "RemoveContainer", audit.OpContainerRemove, idOrName, dockercli.RemoveArgs(idOrName, force))
}

func (c *CLIClient) lifecycle(ctx context.Context, op, auditOp, idOrName string, args []string) error {
	if err := c.validate(ctx, idOrName); err != nil {
		return err
	}
	_, err := c.exec(ctx, strings.ToLower(strings.TrimSuffix(op, "Container")), args, 0)
	c.audit.Record(ctx, audit.NewEvent(auditOp, c.resource(idOrName), true, errString(err)))
	if err != nil {
		return c.translate(op, idOrName, err)
	}
	c.logger.Info("container operation completed", "op", auditOp, "container", idOrName)
	return nil
}

// RunContainer creates and starts a container, then verifies that it is
// actually up. A zero exit code alone is not trusted.
func (c *CLIClient) RunContainer(ctx context.Context, spec dockercli.RunSpec) (*domain.ContainerInfo, error) {
	if err := c.validateName(ctx, spec.Name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, &ValidationError{Field: "image", Value: spec.Image, Reason: "image is required"}
	}

	_, err := c.exec(ctx, "run", dockercli.RunArgs(spec), c.config.RunTimeout)
	c.audit.Record(ctx, audit.NewEvent(audit.OpContainerRun, c.resource(spec.Name), true, errString(err)))
	if err != nil {
		return nil, c.translate("RunContainer", spec.Name, err)
	}

	if err := c.sleep(ctx, c.config.VerifyDelay); err != nil {
		return nil, err
	}

	result, err := c.exec(ctx, "verify", dockercli.FindByNameArgs(spec.Name), 0)
	if err != nil {
		return nil, NewDockerError("RunContainer", "container", spec.Name, "failed to verify container", err)
	}
	for _, info := range dockercli.ParseContainerList(result.Stdout) {
		if info.CleanName() != spec.Name {
			continue
		}
		info.HostNodeID = c.node.ID
		if isUp(info.Status) {
			return &info, nil
		}
		return nil, &CommandExecutionError{
			Command: "run " + spec.Name,
			Stdout:  info.Status,
			Stderr:  fmt.Sprintf("container %s is not running after start: %s", spec.Name, info.Status),
		}
	}
	return nil, &CommandExecutionError{
		Command: "run " + spec.Name,
		Stderr:  fmt.Sprintf("container %s not found after start", spec.Name),
	}
}

// ContainerLogs returns the last tail lines of the container's log.
func (c *CLIClient) ContainerLogs(ctx context.Context, idOrName string, tail int) (string, error) {
	if err := c.validate(ctx, idOrName); err != nil {
		return "", err
	}
	result, err := c.exec(ctx, "logs", dockercli.LogsArgs(idOrName, tail), 0)
	if err != nil {
		return "", c.translate("ContainerLogs", idOrName, err)
	}
	return result.Stdout + result.Stderr, nil
}

// ContainerStats returns a single resource snapshot.
func (c *CLIClient) ContainerStats(ctx context.Context, idOrName string) (*domain.ContainerStats, error) {
	if err := c.validate(ctx, idOrName); err != nil {
		return nil, err
	}
	result, err := c.exec(ctx, "stats", dockercli.StatsArgs(idOrName), 0)
	if err != nil {
		return nil, c.translate("ContainerStats", idOrName, err)
	}
	stats, ok := dockercli.ParseStats(result.Stdout)
	if !ok {
		return nil, NewDockerError("ContainerStats", "container", idOrName, "unparseable stats output", ErrExecutionFailed)
	}
	return stats, nil
}

// =============================================================================
// Image Operations
// =============================================================================

// ListImages lists images present on the node.
func (c *CLIClient) ListImages(ctx context.Context) ([]domain.ImageInfo, error) {
	result, err := c.exec(ctx, "images", dockercli.ImagesArgs(), 0)
	if err != nil {
		return nil, NewDockerError("ListImages", "image", "", "failed to list images", err)
	}
	return dockercli.ParseImageList(result.Stdout), nil
}

// =============================================================================
// Helpers
// =============================================================================

// validate applies the allow-list to a container name or ID before any
// command is issued.
func (c *CLIClient) validate(ctx context.Context, idOrName string) error {
	return c.refuse(ctx, idOrName, c.policy.ValidateIdentifier(idOrName))
}

// validateName applies the allow-list to a name; hex IDs get no bypass.
func (c *CLIClient) validateName(ctx context.Context, name string) error {
	return c.refuse(ctx, name, c.policy.ValidateName(name))
}

func (c *CLIClient) refuse(ctx context.Context, value string, err error) error {
	if err == nil {
		return nil
	}
	c.logger.Warn("container request refused", "container", value, "reason", err)
	c.audit.Record(ctx, audit.NewEvent(audit.OpContainerCheck, c.resource(value), false, err.Error()))
	return &ValidationError{Field: "container", Value: value, Reason: err.Error()}
}

// translate maps a runner error to the error taxonomy.
func (c *CLIClient) translate(op, id string, err error) error {
	var execErr *CommandExecutionError
	if errors.As(err, &execErr) && isNoSuchContainer(execErr.Stderr) {
		return NewDockerError(op, "container", id, "container not found", ErrContainerNotFound)
	}
	return NewDockerError(op, "container", id, err.Error(), err)
}

func (c *CLIClient) resource(name string) string {
	return c.node.ID + "/" + name
}

func isNoSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no such object")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
