package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/backoff"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/scheduler"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/audit"
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// tiers is the scripted outcome of each probe tier for one host.
type tiers struct {
	runtime, dial, ping bool
	panics              bool
	// upAfter makes the runtime tier succeed from this attempt on (1-based).
	upAfter int
}

type fakeProber struct {
	mu       sync.Mutex
	byIP     map[string]*tiers
	attempts map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{byIP: make(map[string]*tiers), attempts: make(map[string]int)}
}

func (p *fakeProber) set(ip string, t tiers) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byIP[ip] = &t
}

func (p *fakeProber) runtimeAttempts(ip string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[ip]
}

func (p *fakeProber) Ping(_ context.Context, ip string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.byIP[ip]; t != nil && t.ping {
		return nil
	}
	return errors.New("100% packet loss")
}

func (p *fakeProber) Dial(_ context.Context, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip := addr[:strings.LastIndex(addr, ":")]
	if t := p.byIP[ip]; t != nil && t.dial {
		return nil
	}
	return errors.New("connection refused")
}

func (p *fakeProber) Runtime(_ context.Context, node *domain.HostNode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[node.HostIP]++
	t := p.byIP[node.HostIP]
	if t == nil {
		return errors.New("runtime unreachable")
	}
	if t.panics {
		panic("prober exploded")
	}
	if t.runtime || (t.upAfter > 0 && p.attempts[node.HostIP] >= t.upAfter) {
		return nil
	}
	return errors.New("Cannot connect to the Docker daemon")
}

type testEnv struct {
	store    *store.SQLiteStore
	prober   *fakeProber
	registry *Registry
	audit    *audit.Recorder
	waits    []time.Duration
	mu       sync.Mutex
}

func setupRegistry(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	env := &testEnv{store: s, prober: newFakeProber(), audit: &audit.Recorder{}}
	sleep := func(_ context.Context, d time.Duration) error {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.waits = append(env.waits, d)
		return nil
	}
	env.registry = New(s, nil, env.prober, DefaultConfig(), nil,
		WithSleep(sleep), WithAuditSink(env.audit))
	return env
}

func (e *testEnv) addHost(t *testing.T, name, ip string, status domain.NodeStatus) *domain.HostNode {
	t.Helper()
	node := &domain.HostNode{
		Name:        name,
		HostIP:      ip,
		NodeType:    domain.NodeTypeVM,
		Environment: domain.EnvironmentProduction,
	}
	require.NoError(t, e.registry.CreateNode(context.Background(), node))
	if status != "" {
		node.Status = status
		require.NoError(t, e.store.UpdateHost(context.Background(), node))
	}
	return node
}

// =============================================================================
// CRUD Tests
// =============================================================================

func TestCreateNode(t *testing.T) {
	env := setupRegistry(t)
	ctx := context.Background()

	node := env.addHost(t, "lab-node-1", "192.168.1.20", "")
	assert.True(t, strings.HasPrefix(node.ID, "host_"))
	assert.Equal(t, domain.DefaultDockerPort, node.DockerPort)
	assert.Equal(t, domain.NodeStatusError, node.Status)

	tests := []struct {
		name    string
		node    domain.HostNode
		wantErr error
	}{
		{"duplicate name", domain.HostNode{Name: "lab-node-1", HostIP: "192.168.1.21", NodeType: domain.NodeTypeVM, Environment: domain.EnvironmentProduction}, ErrDuplicateName},
		{"duplicate address", domain.HostNode{Name: "lab-node-2", HostIP: "192.168.1.20", NodeType: domain.NodeTypeVM, Environment: domain.EnvironmentProduction}, ErrDuplicateAddress},
		{"invalid address", domain.HostNode{Name: "lab-node-3", HostIP: "not-an-ip", NodeType: domain.NodeTypeVM, Environment: domain.EnvironmentProduction}, domain.ErrHostIPInvalid},
		{"invalid environment", domain.HostNode{Name: "lab-node-4", HostIP: "192.168.1.22", NodeType: domain.NodeTypeVM, Environment: "qa"}, domain.ErrEnvironmentInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := tt.node
			err := env.registry.CreateNode(ctx, &n)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.True(t, IsValidationError(domain.ErrHostIPInvalid))
	assert.False(t, IsValidationError(ErrDuplicateName))
}

func TestUpdateNode_RejectsRenameOntoExisting(t *testing.T) {
	env := setupRegistry(t)
	ctx := context.Background()

	env.addHost(t, "lab-node-1", "192.168.1.20", "")
	second := env.addHost(t, "lab-node-2", "192.168.1.21", "")

	second.Name = "lab-node-1"
	assert.ErrorIs(t, env.registry.UpdateNode(ctx, second), ErrDuplicateName)

	second.Name = "lab-node-2"
	second.Priority = 7
	require.NoError(t, env.registry.UpdateNode(ctx, second))

	got, err := env.registry.GetNode(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Priority)

	missing := *second
	missing.ID = "host_missing"
	assert.ErrorIs(t, env.registry.UpdateNode(ctx, &missing), ErrNodeNotFound)
}

func TestDeleteNode_CleansReferences(t *testing.T) {
	env := setupRegistry(t)
	ctx := context.Background()
	node := env.addHost(t, "lab-node-1", "192.168.1.20", domain.NodeStatusActive)

	asset := &domain.Asset{ID: "asset_1", Name: "web", PreferredHostNodeID: node.ID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, env.store.CreateAsset(ctx, asset))
	state, err := domain.NewContainerState(asset.ID, domain.DesiredRunning)
	require.NoError(t, err)
	state.HostNodeID = node.ID
	require.NoError(t, env.store.CreateContainerState(ctx, state))

	require.NoError(t, env.registry.DeleteNode(ctx, node.ID))

	_, err = env.registry.GetNode(ctx, node.ID)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	gotState, err := env.store.GetContainerState(ctx, state.ID)
	require.NoError(t, err)
	assert.Empty(t, gotState.HostNodeID)

	gotAsset, err := env.store.GetAsset(ctx, asset.ID)
	require.NoError(t, err)
	assert.Empty(t, gotAsset.PreferredHostNodeID)

	assert.Equal(t, []string{audit.OpHostDelete}, env.audit.Operations())
	assert.ErrorIs(t, env.registry.DeleteNode(ctx, node.ID), ErrNodeNotFound)
}

func TestSetMaintenance(t *testing.T) {
	env := setupRegistry(t)
	ctx := context.Background()
	node := env.addHost(t, "lab-node-1", "192.168.1.20", domain.NodeStatusActive)

	got, err := env.registry.SetMaintenance(ctx, node.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusMaintenance, got.Status)

	got, err = env.registry.SetMaintenance(ctx, node.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusError, got.Status)
}

// =============================================================================
// Health Check Tests
// =============================================================================

func TestPerformHealthCheck_TransitionTable(t *testing.T) {
	tests := []struct {
		name       string
		tiers      tiers
		wantStatus domain.NodeStatus
		wantActive bool
	}{
		{"runtime answers", tiers{runtime: true}, domain.NodeStatusActive, true},
		{"runtime answers without ping", tiers{runtime: true, dial: false, ping: false}, domain.NodeStatusActive, true},
		{"port open runtime down", tiers{dial: true, ping: true}, domain.NodeStatusDockerUnavailable, false},
		{"ping only", tiers{ping: true}, domain.NodeStatusPingOKDockerFail, false},
		{"nothing answers", tiers{}, domain.NodeStatusError, false},
		{"prober panics", tiers{panics: true}, domain.NodeStatusError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupRegistry(t)
			ctx := context.Background()
			node := env.addHost(t, "lab-node-1", "192.168.1.20", "")
			env.prober.set(node.HostIP, tt.tiers)

			active := env.registry.PerformHealthCheck(ctx, node)

			assert.Equal(t, tt.wantActive, active)
			got, err := env.registry.GetNode(ctx, node.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			require.NotNil(t, got.LastHealthCheck)
			if tt.wantActive {
				assert.Empty(t, got.LastError)
			} else {
				assert.NotEmpty(t, got.LastError)
			}
		})
	}
}

func TestPerformHealthCheck_SkipsMaintenance(t *testing.T) {
	env := setupRegistry(t)
	node := env.addHost(t, "lab-node-1", "192.168.1.20", domain.NodeStatusMaintenance)
	env.prober.set(node.HostIP, tiers{runtime: true})

	assert.False(t, env.registry.PerformHealthCheck(context.Background(), node))
	assert.Equal(t, 0, env.prober.runtimeAttempts(node.HostIP))
}

func TestTestConnection(t *testing.T) {
	env := setupRegistry(t)
	node := env.addHost(t, "lab-node-1", "192.168.1.20", "")

	assert.False(t, env.registry.TestConnection(context.Background(), node))
	env.prober.set(node.HostIP, tiers{runtime: true})
	assert.True(t, env.registry.TestConnection(context.Background(), node))

	got, err := env.registry.GetNode(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusError, got.Status, "connection tests do not persist")
}

func TestBatchHealthCheck(t *testing.T) {
	env := setupRegistry(t)
	ctx := context.Background()

	up := env.addHost(t, "node-up", "10.0.0.1", domain.NodeStatusActive)
	down := env.addHost(t, "node-down", "10.0.0.2", domain.NodeStatusActive)
	flaky := env.addHost(t, "node-flaky", "10.0.0.3", domain.NodeStatusError)
	maint := env.addHost(t, "node-maint", "10.0.0.4", domain.NodeStatusMaintenance)

	env.prober.set(up.HostIP, tiers{runtime: true})
	env.prober.set(down.HostIP, tiers{ping: true})
	env.prober.set(flaky.HostIP, tiers{upAfter: 2})
	env.prober.set(maint.HostIP, tiers{runtime: true})

	result := env.registry.BatchHealthCheck(ctx)

	assert.Equal(t, 3, result.Total)
	assert.ElementsMatch(t, []string{up.ID, flaky.ID}, result.Activated)
	assert.Equal(t, []string{down.ID}, result.Failed)
	require.Len(t, result.Transitions, 1)
	assert.Equal(t, Transition{NodeID: down.ID, NodeName: "node-down", From: domain.NodeStatusActive, To: domain.NodeStatusPingOKDockerFail}, result.Transitions[0])

	assert.Equal(t, 3, env.prober.runtimeAttempts(down.HostIP), "three attempts before giving up")
	assert.Equal(t, 2, env.prober.runtimeAttempts(flaky.HostIP))
	assert.Equal(t, 0, env.prober.runtimeAttempts(maint.HostIP))
	assert.ElementsMatch(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, env.waits)

	gotMaint, err := env.registry.GetNode(ctx, maint.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusMaintenance, gotMaint.Status)
}

func TestBatchHealthCheck_Empty(t *testing.T) {
	env := setupRegistry(t)

	result := env.registry.BatchHealthCheck(context.Background())

	assert.Equal(t, 0, result.Total)
	assert.Equal(t, "no hosts to check", result.Message)
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoadReporting(t *testing.T) {
	env := setupRegistry(t)
	ctx := context.Background()

	busy := env.addHost(t, "node-busy", "10.0.0.1", domain.NodeStatusActive)
	busy.MaxContainers = 10
	busy.Priority = 1
	require.NoError(t, env.store.UpdateHost(ctx, busy))
	idle := env.addHost(t, "node-idle", "10.0.0.2", domain.NodeStatusActive)
	idle.Priority = 5
	require.NoError(t, env.store.UpdateHost(ctx, idle))

	for i := 0; i < 9; i++ {
		state, err := domain.NewContainerState("asset_"+string(rune('a'+i)), domain.DesiredRunning)
		require.NoError(t, err)
		state.HostNodeID = busy.ID
		if i < 6 {
			state.MarkSynced(domain.CurrentRunning, time.Now())
		}
		require.NoError(t, env.store.CreateContainerState(ctx, state))
	}

	info, err := env.registry.GetNodeLoadInfo(ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, info.TotalContainers)
	assert.Equal(t, 6, info.RunningContainers)
	assert.Equal(t, 10, info.MaxContainers)
	assert.Equal(t, 0.9, info.LoadRatio)
	assert.Equal(t, 1, info.AvailableSlots)

	_, err = env.registry.GetNodeLoadInfo(ctx, "host_missing")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	recs, err := env.registry.RecommendDeploymentNodes(ctx, domain.EnvironmentProduction, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, idle.ID, recs[0].Node.ID)

	lb, err := env.registry.GetLoadBalancedNode(ctx, domain.EnvironmentProduction)
	require.NoError(t, err)
	assert.Equal(t, idle.ID, lb.Node.ID)

	_, err = env.registry.GetLoadBalancedNode(ctx, domain.EnvironmentStaging)
	assert.ErrorIs(t, err, scheduler.ErrNoNodesAvailable)

	alerts, err := env.registry.GetCapacityAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, busy.ID, alerts[0].NodeID)

	stats, err := env.registry.GetClusterLoadStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 9, stats.TotalContainers)
	assert.Equal(t, 1, stats.OverloadedNodes)
	assert.Equal(t, 1, stats.IdleNodes)
}

// =============================================================================
// Inventory Tests
// =============================================================================

const inventoryYAML = `
hosts:
  - name: lab-node-1
    host_ip: 192.168.1.20
    node_type: vm
    environment: production
    priority: 5
  - name: lab-node-2
    host_ip: 192.168.1.21
    node_type: dedicated
    environment: staging
    transport: ssh
    ssh_user: ops
    ssh_key_path: /etc/fleet/id_ed25519
  - name: broken
    host_ip: nope
    node_type: vm
    environment: production
`

func TestLoadInventory(t *testing.T) {
	nodes, err := LoadInventory(strings.NewReader(inventoryYAML))
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "lab-node-1", nodes[0].Name)
	assert.Equal(t, 5, nodes[0].Priority)
	assert.Equal(t, domain.TransportSSH, nodes[1].Transport)
	assert.Equal(t, "ops", nodes[1].SSHUser)

	_, err = LoadInventory(strings.NewReader("hosts:\n  - nmae: typo\n"))
	assert.Error(t, err)

	empty, err := LoadInventory(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestImportInventory(t *testing.T) {
	env := setupRegistry(t)
	ctx := context.Background()
	existing := env.addHost(t, "lab-node-1", "192.168.1.20", domain.NodeStatusActive)

	nodes, err := LoadInventory(strings.NewReader(inventoryYAML))
	require.NoError(t, err)

	result := env.registry.ImportInventory(ctx, nodes)

	assert.Equal(t, []string{"lab-node-2"}, result.Created)
	assert.Equal(t, []string{"lab-node-1"}, result.Updated)
	assert.Contains(t, result.Errors, "broken")

	got, err := env.registry.GetNode(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, domain.NodeStatusActive, got.Status, "import keeps runtime status")

	created, err := env.store.GetHostByName(ctx, "lab-node-2")
	require.NoError(t, err)
	assert.Equal(t, 22, created.SSHPort)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, backoff.Default(), cfg.Retry)
}
