package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/backoff"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/dockercli"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/audit"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/metrics"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/docker/go-units"
)

// maxLogBytes caps the log output returned by ContainerLogs.
const maxLogBytes = 64 * 1024

// =============================================================================
// API Client Implementation
// =============================================================================

// APIClient implements RuntimeClient using the Docker engine API over TCP,
// optionally with TLS. Raw commands passed to Execute go through the CLI
// against the same endpoint.
type APIClient struct {
	node   *domain.HostNode
	cli    *client.Client
	raw    *CLIClient
	config Config
	audit  audit.Sink
	sleep  backoff.SleepFunc
	logger *slog.Logger
}

// NewAPIClient creates an engine API client for a node. When the node has a
// TLS cert directory, ca.pem, cert.pem and key.pem from it are used.
func NewAPIClient(node *domain.HostNode, cfg Config, opts ...CLIOption) (*APIClient, error) {
	cfg = cfg.withDefaults()

	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
		client.WithHost(node.DockerEndpoint()),
	}
	if node.TLSCertPath != "" {
		tlsc, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   filepath.Join(node.TLSCertPath, "ca.pem"),
			CertFile: filepath.Join(node.TLSCertPath, "cert.pem"),
			KeyFile:  filepath.Join(node.TLSCertPath, "key.pem"),
		})
		if err != nil {
			return nil, NewDockerError("NewAPIClient", "host", node.ID, fmt.Sprintf("invalid TLS material: %v", err), ErrConnectionFailed)
		}
		clientOpts = append(clientOpts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsc},
		}))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, NewDockerError("NewAPIClient", "host", node.ID, "failed to create client", ErrConnectionFailed)
	}
	return newAPIClient(node, cli, cfg, opts...), nil
}

// newAPIClient wraps an engine client that is already configured for node.
func newAPIClient(node *domain.HostNode, cli *client.Client, cfg Config, opts ...CLIOption) *APIClient {
	cfg = cfg.withDefaults()
	raw := NewCLIClient(node, NewLocalRunner(cfg.Binary), cfg, opts...)
	return &APIClient{
		node:   node,
		cli:    cli,
		raw:    raw,
		config: cfg,
		audit:  raw.audit,
		sleep:  raw.sleep,
		logger: raw.logger.With("transport", "api"),
	}
}

// Close closes the engine API connection.
func (d *APIClient) Close() error {
	return d.cli.Close()
}

// Execute runs a raw command through the CLI against the node's endpoint.
func (d *APIClient) Execute(ctx context.Context, args []string, timeout time.Duration) (*ExecResult, error) {
	return d.raw.Execute(ctx, args, timeout)
}

// Ping checks that the runtime answers a version query.
func (d *APIClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.CommandTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	v, err := d.cli.ServerVersion(ctx)
	d.observe("ping", timer, err)
	if err != nil {
		return &ConnectivityError{Host: d.node.HostIP, Tier: "runtime", Err: err}
	}
	if v.Version == "" {
		return &ConnectivityError{Host: d.node.HostIP, Tier: "runtime", Err: fmt.Errorf("empty version response")}
	}
	return nil
}

// =============================================================================
// Container Operations
// =============================================================================

// ListContainers lists containers on the node; all includes stopped ones.
func (d *APIClient) ListContainers(ctx context.Context, all bool) ([]domain.ContainerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.CommandTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: all})
	d.observe("list", timer, err)
	if err != nil {
		return nil, NewDockerError("ListContainers", "container", "", err.Error(), d.wrap(ctx, err))
	}

	result := make([]domain.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		if name == "" {
			name = "unnamed-" + shortID(c.ID)
		}
		result = append(result, domain.ContainerInfo{
			ContainerID:  c.ID,
			Name:         name,
			Image:        c.Image,
			Status:       c.Status,
			PortMappings: formatPorts(listPorts(c)),
			HostNodeID:   d.node.ID,
		})
	}
	return result, nil
}

// InspectContainer returns the container's current state.
func (d *APIClient) InspectContainer(ctx context.Context, idOrName string) (*domain.ContainerInfo, error) {
	if err := d.raw.validate(ctx, idOrName); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.config.CommandTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	resp, err := d.cli.ContainerInspect(ctx, idOrName)
	d.observe("inspect", timer, err)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("InspectContainer", "container", idOrName, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("InspectContainer", "container", idOrName, err.Error(), d.wrap(ctx, err))
	}

	info := &domain.ContainerInfo{
		ContainerID: resp.ID,
		Name:        strings.TrimPrefix(resp.Name, "/"),
		HostNodeID:  d.node.ID,
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
	}
	if resp.State != nil {
		info.Status = resp.State.Status
	}
	if resp.NetworkSettings != nil {
		info.PortMappings = formatPortMap(resp.NetworkSettings.Ports)
	}
	return info, nil
}

// StartContainer starts a stopped container.
func (d *APIClient) StartContainer(ctx context.Context, idOrName string) error {
	return d.lifecycle(ctx, "StartContainer", audit.OpContainerStart, idOrName, func(ctx context.Context) error {
		return d.cli.ContainerStart(ctx, idOrName, container.StartOptions{})
	})
}

// StopContainer stops a running container.
func (d *APIClient) StopContainer(ctx context.Context, idOrName string) error {
	return d.lifecycle(ctx, "StopContainer", audit.OpContainerStop, idOrName, func(ctx context.Context) error {
		return d.cli.ContainerStop(ctx, idOrName, container.StopOptions{})
	})
}

// RestartContainer restarts a container.
func (d *APIClient) RestartContainer(ctx context.Context, idOrName string) error {
	return d.lifecycle(ctx, "RestartContainer", audit.OpContainerRestart, idOrName, func(ctx context.Context) error {
		return d.cli.ContainerRestart(ctx, idOrName, container.StopOptions{})
	})
}

// RemoveContainer removes a container.
func (d *APIClient) RemoveContainer(ctx context.Context, idOrName string, force bool) error {
	return d.lifecycle(ctx, "RemoveContainer", audit.OpContainerRemove, idOrName, func(ctx context.Context) error {
		return d.cli.ContainerRemove(ctx, idOrName, container.RemoveOptions{Force: force})
	})
}

func (d *APIClient) lifecycle(ctx context.Context, op, auditOp, idOrName string, call func(context.Context) error) error {
	if err := d.raw.validate(ctx, idOrName); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.config.CommandTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := call(ctx)
	d.observe(strings.ToLower(strings.TrimSuffix(op, "Container")), timer, err)
	d.audit.Record(ctx, audit.NewEvent(auditOp, d.raw.resource(idOrName), true, errString(err)))
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewDockerError(op, "container", idOrName, "container not found", ErrContainerNotFound)
		}
		return NewDockerError(op, "container", idOrName, err.Error(), d.wrap(ctx, err))
	}
	d.logger.Info("container operation completed", "op", auditOp, "container", idOrName)
	return nil
}

// RunContainer creates and starts a container, then verifies it is running.
func (d *APIClient) RunContainer(ctx context.Context, spec dockercli.RunSpec) (*domain.ContainerInfo, error) {
	if err := d.raw.validateName(ctx, spec.Name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, &ValidationError{Field: "image", Value: spec.Image, Reason: "image is required"}
	}

	config, hostConfig, err := buildContainerConfig(spec)
	if err != nil {
		return nil, &ValidationError{Field: "run_spec", Value: spec.Name, Reason: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, d.config.RunTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	resp, err := d.cli.ContainerCreate(runCtx, config, hostConfig, nil, nil, spec.Name)
	if err == nil {
		err = d.cli.ContainerStart(runCtx, resp.ID, container.StartOptions{})
	}
	d.observe("run", timer, err)
	d.audit.Record(ctx, audit.NewEvent(audit.OpContainerRun, d.raw.resource(spec.Name), true, errString(err)))
	if err != nil {
		return nil, NewDockerError("RunContainer", "container", spec.Name, err.Error(), d.wrap(runCtx, err))
	}

	if err := d.sleep(ctx, d.config.VerifyDelay); err != nil {
		return nil, err
	}

	inspect, err := d.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, NewDockerError("RunContainer", "container", spec.Name, "failed to verify container", d.wrap(ctx, err))
	}
	if inspect.State == nil || !inspect.State.Running {
		status := "unknown"
		if inspect.State != nil {
			status = inspect.State.Status
		}
		return nil, &CommandExecutionError{
			Command: "run " + spec.Name,
			Stdout:  status,
			Stderr:  fmt.Sprintf("container %s is not running after start: %s", spec.Name, status),
		}
	}

	return &domain.ContainerInfo{
		ContainerID: inspect.ID,
		Name:        strings.TrimPrefix(inspect.Name, "/"),
		Image:       spec.Image,
		Status:      inspect.State.Status,
		HostNodeID:  d.node.ID,
	}, nil
}

// ContainerLogs returns the last tail lines of the container's log.
func (d *APIClient) ContainerLogs(ctx context.Context, idOrName string, tail int) (string, error) {
	if err := d.raw.validate(ctx, idOrName); err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = 100
	}
	ctx, cancel := context.WithTimeout(ctx, d.config.CommandTimeout)
	defer cancel()

	reader, err := d.cli.ContainerLogs(ctx, idOrName, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", NewDockerError("ContainerLogs", "container", idOrName, "container not found", ErrContainerNotFound)
		}
		return "", NewDockerError("ContainerLogs", "container", idOrName, err.Error(), d.wrap(ctx, err))
	}
	defer reader.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, io.LimitReader(reader, maxLogBytes)); err != nil {
		return out.String(), NewDockerError("ContainerLogs", "container", idOrName, err.Error(), err)
	}
	return out.String(), nil
}

// ContainerStats returns a single resource snapshot.
func (d *APIClient) ContainerStats(ctx context.Context, idOrName string) (*domain.ContainerStats, error) {
	if err := d.raw.validate(ctx, idOrName); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.config.CommandTimeout)
	defer cancel()

	resp, err := d.cli.ContainerStats(ctx, idOrName, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewDockerError("ContainerStats", "container", idOrName, "container not found", ErrContainerNotFound)
		}
		return nil, NewDockerError("ContainerStats", "container", idOrName, err.Error(), d.wrap(ctx, err))
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, NewDockerError("ContainerStats", "container", idOrName, "failed to parse stats", err)
	}
	return calculateStats(idOrName, &raw), nil
}

// =============================================================================
// Image Operations
// =============================================================================

// ListImages lists images present on the node.
func (d *APIClient) ListImages(ctx context.Context) ([]domain.ImageInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.CommandTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	summaries, err := d.cli.ImageList(ctx, image.ListOptions{})
	d.observe("images", timer, err)
	if err != nil {
		return nil, NewDockerError("ListImages", "image", "", err.Error(), d.wrap(ctx, err))
	}

	var images []domain.ImageInfo
	for _, s := range summaries {
		tags := s.RepoTags
		if len(tags) == 0 {
			tags = []string{"<none>:<none>"}
		}
		for _, ref := range tags {
			repo, tag := splitRepoTag(ref)
			images = append(images, domain.ImageInfo{
				ImageID:    shortID(strings.TrimPrefix(s.ID, "sha256:")),
				Repository: repo,
				Tag:        tag,
				Size:       units.HumanSize(float64(s.Size)),
				CreatedAt:  time.Unix(s.Created, 0).UTC().Format(time.RFC3339),
			})
		}
	}
	return images, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (d *APIClient) observe(op string, timer *metrics.Timer, err error) {
	timer.ObserveDurationVec(metrics.RuntimeCommandDuration, op)
	metrics.RuntimeCommandsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
}

// wrap attaches the timeout or connection sentinel to an SDK error.
func (d *APIClient) wrap(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &CommandTimeoutError{Command: "engine api", Timeout: d.config.CommandTimeout}
	}
	if client.IsErrConnectionFailed(err) {
		return &ConnectivityError{Host: d.node.HostIP, Tier: "runtime", Err: err}
	}
	return err
}

// buildContainerConfig converts a run spec to engine API configs.
func buildContainerConfig(spec dockercli.RunSpec) (*container.Config, *container.HostConfig, error) {
	config := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Labels: spec.Labels,
	}
	for k, v := range spec.Env {
		config.Env = append(config.Env, k+"="+v)
	}

	hostConfig := &container.HostConfig{Binds: spec.Volumes}

	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}
		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
			if err != nil {
				return nil, nil, err
			}
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort != 0 {
				hostPort = strconv.Itoa(p.HostPort)
			}
			portBindings[containerPort] = append(portBindings[containerPort], nat.PortBinding{HostPort: hostPort})
		}
		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	if spec.Memory != "" {
		mem, err := units.RAMInBytes(spec.Memory)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid memory limit %q: %w", spec.Memory, err)
		}
		hostConfig.Memory = mem
	}
	if spec.CPUs != "" {
		cpus, err := strconv.ParseFloat(spec.CPUs, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid cpu limit %q: %w", spec.CPUs, err)
		}
		hostConfig.NanoCPUs = int64(cpus * 1e9)
	}
	if spec.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.Restart)}
	}
	return config, hostConfig, nil
}

// publishedPort is one row of a container's port table.
type publishedPort struct {
	IP          string
	PrivatePort uint16
	PublicPort  uint16
	Type        string
}

func listPorts(c container.Summary) []publishedPort {
	ports := make([]publishedPort, 0, len(c.Ports))
	for _, p := range c.Ports {
		ports = append(ports, publishedPort{IP: p.IP, PrivatePort: p.PrivatePort, PublicPort: p.PublicPort, Type: p.Type})
	}
	return ports
}

// formatPorts renders ports the way the CLI's Ports column does.
func formatPorts(ports []publishedPort) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		if p.PublicPort != 0 {
			ip := p.IP
			if ip == "" {
				ip = "0.0.0.0"
			}
			parts = append(parts, fmt.Sprintf("%s:%d->%d/%s", ip, p.PublicPort, p.PrivatePort, p.Type))
			continue
		}
		parts = append(parts, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
	}
	return strings.Join(parts, ", ")
}

func formatPortMap(pm nat.PortMap) string {
	var ports []publishedPort
	for port, bindings := range pm {
		private, _ := strconv.Atoi(port.Port())
		if len(bindings) == 0 {
			ports = append(ports, publishedPort{PrivatePort: uint16(private), Type: port.Proto()})
			continue
		}
		for _, b := range bindings {
			public, _ := strconv.Atoi(b.HostPort)
			ports = append(ports, publishedPort{IP: b.HostIP, PublicPort: uint16(public), PrivatePort: uint16(private), Type: port.Proto()})
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].PrivatePort < ports[j].PrivatePort })
	return formatPorts(ports)
}

// calculateStats derives a snapshot from an engine stats response.
func calculateStats(id string, stats *container.StatsResponse) *domain.ContainerStats {
	result := &domain.ContainerStats{ContainerID: id}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	cpuCount := float64(stats.CPUStats.OnlineCPUs)
	if cpuCount == 0 {
		cpuCount = 1
	}
	if systemDelta > 0 && cpuDelta > 0 {
		result.CPUPercent = (cpuDelta / systemDelta) * cpuCount * 100.0
	}

	usage, limit := stats.MemoryStats.Usage, stats.MemoryStats.Limit
	result.MemoryUsage = units.BytesSize(float64(usage)) + " / " + units.BytesSize(float64(limit))
	if limit > 0 {
		result.MemoryPercent = float64(usage) / float64(limit) * 100.0
	}
	return result
}

func splitRepoTag(ref string) (string, string) {
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i], ref[i+1:]
	}
	return ref, "latest"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
