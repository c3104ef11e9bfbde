package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/dockercli"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"golang.org/x/time/rate"
)

// ClientFactory creates the runtime client for a host node.
type ClientFactory func(node *domain.HostNode) (RuntimeClient, error)

// NewClientFactory returns the factory that picks a transport per node:
// cli runs the docker binary on the controller, ssh runs it on the node,
// and api talks to the engine API.
func NewClientFactory(cfg Config, opts ...CLIOption) ClientFactory {
	return func(node *domain.HostNode) (RuntimeClient, error) {
		switch node.Transport {
		case domain.TransportSSH:
			runner, err := NewSSHRunner(node, cfg)
			if err != nil {
				return nil, err
			}
			return NewCLIClient(node, runner, cfg, opts...), nil
		case domain.TransportAPI:
			return NewAPIClient(node, cfg, opts...)
		default:
			return NewCLIClient(node, NewLocalRunner(cfg.Binary), cfg, opts...), nil
		}
	}
}

// PoolConfig configures the host pool.
type PoolConfig struct {
	// CommandsPerSecond throttles commands sent to a single host. Zero
	// disables throttling.
	CommandsPerSecond float64
	Burst             int
}

// DefaultPoolConfig returns the default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{CommandsPerSecond: 5, Burst: 10}
}

// HostPool manages runtime clients for host nodes.
// It provides lazy initialization and connection caching.
type HostPool struct {
	clients map[string]RuntimeClient // nodeID -> client
	factory ClientFactory
	config  PoolConfig
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewHostPool creates a new host pool.
func NewHostPool(factory ClientFactory, config PoolConfig, logger *slog.Logger) *HostPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostPool{
		clients: make(map[string]RuntimeClient),
		factory: factory,
		config:  config,
		logger:  logger.With("component", "host_pool"),
	}
}

// GetClient returns the runtime client for the given node.
// If the client doesn't exist, it creates one (lazy initialization).
// The client is cached for subsequent calls.
func (p *HostPool) GetClient(_ context.Context, node *domain.HostNode) (RuntimeClient, error) {
	// Fast path: check if client exists
	p.mu.RLock()
	client, exists := p.clients[node.ID]
	p.mu.RUnlock()

	if exists {
		return client, nil
	}

	// Slow path: create client
	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if client, exists := p.clients[node.ID]; exists {
		return client, nil
	}

	client, err := p.factory(node)
	if err != nil {
		return nil, fmt.Errorf("create runtime client for host %s: %w", node.ID, err)
	}
	if p.config.CommandsPerSecond > 0 {
		burst := p.config.Burst
		if burst <= 0 {
			burst = 1
		}
		client = Throttle(client, rate.NewLimiter(rate.Limit(p.config.CommandsPerSecond), burst))
	}

	p.clients[node.ID] = client
	p.logger.Debug("runtime client created", "host_id", node.ID, "transport", node.Transport)
	return client, nil
}

// RemoveClient removes a client from the pool and closes its connection.
// Called when a node is deleted or its connection settings change.
func (p *HostPool) RemoveClient(nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, exists := p.clients[nodeID]
	if !exists {
		return nil
	}

	delete(p.clients, nodeID)
	return client.Close()
}

// RefreshClient forces recreation of a client for the given node.
func (p *HostPool) RefreshClient(ctx context.Context, node *domain.HostNode) (RuntimeClient, error) {
	if err := p.RemoveClient(node.ID); err != nil {
		p.logger.Warn("failed to close runtime client", "host_id", node.ID, "error", err)
	}
	return p.GetClient(ctx, node)
}

// CloseAll closes every client in the pool.
// This should be called when shutting down the application.
func (p *HostPool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for nodeID, client := range p.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close client for host %s: %w", nodeID, err)
		}
		delete(p.clients, nodeID)
	}

	return firstErr
}

// ClientCount returns the number of cached clients.
func (p *HostPool) ClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// HasClient checks if a client for the given node ID is cached.
func (p *HostPool) HasClient(nodeID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.clients[nodeID]
	return exists
}

// PingNode checks that the node's runtime answers.
func (p *HostPool) PingNode(ctx context.Context, node *domain.HostNode) error {
	client, err := p.GetClient(ctx, node)
	if err != nil {
		return fmt.Errorf("get client: %w", err)
	}
	return client.Ping(ctx)
}

// =============================================================================
// Throttled Client
// =============================================================================

// throttledClient waits on a per-host limiter before every runtime call.
type throttledClient struct {
	RuntimeClient
	limiter *rate.Limiter
}

// Throttle wraps c so calls are admitted at the limiter's rate.
func Throttle(c RuntimeClient, limiter *rate.Limiter) RuntimeClient {
	return &throttledClient{RuntimeClient: c, limiter: limiter}
}

func (t *throttledClient) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("runtime throttle: %w", err)
	}
	return nil
}

func (t *throttledClient) Execute(ctx context.Context, args []string, timeout time.Duration) (*ExecResult, error) {
	if err := t.wait(ctx); err != nil {
		return &ExecResult{Args: args, ExitCode: -1, Output: err.Error()}, err
	}
	return t.RuntimeClient.Execute(ctx, args, timeout)
}

func (t *throttledClient) Ping(ctx context.Context) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.RuntimeClient.Ping(ctx)
}

func (t *throttledClient) ListContainers(ctx context.Context, all bool) ([]domain.ContainerInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.RuntimeClient.ListContainers(ctx, all)
}

func (t *throttledClient) InspectContainer(ctx context.Context, idOrName string) (*domain.ContainerInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.RuntimeClient.InspectContainer(ctx, idOrName)
}

func (t *throttledClient) StartContainer(ctx context.Context, idOrName string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.RuntimeClient.StartContainer(ctx, idOrName)
}

func (t *throttledClient) StopContainer(ctx context.Context, idOrName string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.RuntimeClient.StopContainer(ctx, idOrName)
}

func (t *throttledClient) RestartContainer(ctx context.Context, idOrName string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.RuntimeClient.RestartContainer(ctx, idOrName)
}

func (t *throttledClient) RemoveContainer(ctx context.Context, idOrName string, force bool) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.RuntimeClient.RemoveContainer(ctx, idOrName, force)
}

func (t *throttledClient) RunContainer(ctx context.Context, spec dockercli.RunSpec) (*domain.ContainerInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.RuntimeClient.RunContainer(ctx, spec)
}

func (t *throttledClient) ContainerLogs(ctx context.Context, idOrName string, tail int) (string, error) {
	if err := t.wait(ctx); err != nil {
		return "", err
	}
	return t.RuntimeClient.ContainerLogs(ctx, idOrName, tail)
}

func (t *throttledClient) ContainerStats(ctx context.Context, idOrName string) (*domain.ContainerStats, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.RuntimeClient.ContainerStats(ctx, idOrName)
}

func (t *throttledClient) ListImages(ctx context.Context) ([]domain.ImageInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.RuntimeClient.ListImages(ctx)
}
