package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestHost(t *testing.T, store Store, name, ip string) *domain.HostNode {
	t.Helper()
	host, err := domain.NewHostNode(name, ip, domain.NodeTypeVM, domain.EnvironmentProduction)
	require.NoError(t, err)
	require.NoError(t, store.CreateHost(context.Background(), host))
	return host
}

func createTestAsset(t *testing.T, store Store, name string, host *domain.HostNode) *domain.Asset {
	t.Helper()
	now := time.Now()
	asset := &domain.Asset{
		ID:          domain.GenerateAssetID(),
		Name:        name,
		AssetType:   domain.AssetTypeContainer,
		DockerImage: "nginx:1.25",
		Project:     "red-team-1",
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if host != nil {
		asset.PreferredHostNodeID = host.ID
		asset.PreferredHostNodeName = host.Name
	}
	require.NoError(t, store.CreateAsset(context.Background(), asset))
	return asset
}

func createTestState(t *testing.T, store Store, assetID, hostID, containerID string) *domain.ContainerState {
	t.Helper()
	state, err := domain.NewContainerState(assetID, domain.DesiredRunning)
	require.NoError(t, err)
	state.HostNodeID = hostID
	state.ContainerID = containerID
	require.NoError(t, store.CreateContainerState(context.Background(), state))
	return state
}

// =============================================================================
// Host Tests
// =============================================================================

func TestCreateHost_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	host, err := domain.NewHostNode("lab-node-1", "192.168.1.10", domain.NodeTypeDedicated, domain.EnvironmentStaging)
	require.NoError(t, err)
	host.Priority = 4
	host.CPUCores = 8
	host.SSHUser = "ops"
	checked := time.Now().Truncate(time.Second)
	host.LastHealthCheck = &checked

	require.NoError(t, store.CreateHost(ctx, host))

	got, err := store.GetHost(ctx, host.ID)
	require.NoError(t, err)
	assert.Equal(t, host.Name, got.Name)
	assert.Equal(t, host.HostIP, got.HostIP)
	assert.Equal(t, domain.NodeTypeDedicated, got.NodeType)
	assert.Equal(t, domain.EnvironmentStaging, got.Environment)
	assert.Equal(t, domain.TransportAPI, got.Transport)
	assert.Equal(t, 4, got.Priority)
	assert.Equal(t, 8.0, got.CPUCores)
	assert.Equal(t, "ops", got.SSHUser)
	require.NotNil(t, got.LastHealthCheck)
	assert.True(t, checked.Equal(*got.LastHealthCheck))

	byName, err := store.GetHostByName(ctx, "lab-node-1")
	require.NoError(t, err)
	assert.Equal(t, host.ID, byName.ID)

	byIP, err := store.GetHostByIP(ctx, "192.168.1.10")
	require.NoError(t, err)
	assert.Equal(t, host.ID, byIP.ID)
}

func TestCreateHost_Uniqueness(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	first := createTestHost(t, store, "lab-node-1", "192.168.1.10")

	tests := []struct {
		name    string
		mutate  func(h *domain.HostNode)
		wantErr error
	}{
		{"duplicate id", func(h *domain.HostNode) { h.ID = first.ID }, ErrDuplicateID},
		{"duplicate name", func(h *domain.HostNode) { h.Name = first.Name }, ErrDuplicateName},
		{"duplicate address", func(h *domain.HostNode) { h.HostIP = first.HostIP }, ErrDuplicateAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, err := domain.NewHostNode("lab-node-2", "192.168.1.11", domain.NodeTypeVM, domain.EnvironmentProduction)
			require.NoError(t, err)
			tt.mutate(host)

			err = store.CreateHost(ctx, host)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGetHost_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetHost(context.Background(), "host_missing")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetHost", storeErr.Op)
}

func TestUpdateHost(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, store, "lab-node-1", "192.168.1.10")
	createTestHost(t, store, "lab-node-2", "192.168.1.11")

	host.Status = domain.NodeStatusActive
	host.LastError = ""
	require.NoError(t, store.UpdateHost(ctx, host))

	got, err := store.GetHost(ctx, host.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeStatusActive, got.Status)

	host.Name = "lab-node-2"
	assert.ErrorIs(t, store.UpdateHost(ctx, host), ErrDuplicateName)

	missing := *host
	missing.ID = "host_missing"
	missing.Name = "other"
	missing.HostIP = "10.0.0.1"
	assert.ErrorIs(t, store.UpdateHost(ctx, &missing), ErrNotFound)
}

func TestListHosts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	low := createTestHost(t, store, "node-low", "10.0.0.1")
	high := createTestHost(t, store, "node-high", "10.0.0.2")
	high.Priority = 9
	high.Status = domain.NodeStatusActive
	require.NoError(t, store.UpdateHost(ctx, high))

	hosts, err := store.ListHosts(ctx, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, high.ID, hosts[0].ID)
	assert.Equal(t, low.ID, hosts[1].ID)

	page, err := store.ListHosts(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, low.ID, page[0].ID)

	active, err := store.ListHostsByStatus(ctx, domain.NodeStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, high.ID, active[0].ID)
}

func TestDeleteHost_ReferentialCleanup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	host := createTestHost(t, store, "lab-node-1", "192.168.1.10")
	other := createTestHost(t, store, "lab-node-2", "192.168.1.11")
	asset := createTestAsset(t, store, "web", host)
	asset.FallbackHostNodeID = host.ID
	require.NoError(t, store.UpdateAsset(ctx, asset))
	kept := createTestAsset(t, store, "db", other)
	state := createTestState(t, store, asset.ID, host.ID, "abc123")

	t.Run("plain delete violates references", func(t *testing.T) {
		err := store.DeleteHost(ctx, host.ID)
		assert.ErrorIs(t, err, ErrForeignKey)
	})

	t.Run("cleanup then delete", func(t *testing.T) {
		err := store.WithTx(ctx, func(tx Store) error {
			if err := tx.ClearHostReferences(ctx, host.ID); err != nil {
				return err
			}
			return tx.DeleteHost(ctx, host.ID)
		})
		require.NoError(t, err)

		_, err = store.GetHost(ctx, host.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		gotState, err := store.GetContainerState(ctx, state.ID)
		require.NoError(t, err)
		assert.Empty(t, gotState.HostNodeID)

		gotAsset, err := store.GetAsset(ctx, asset.ID)
		require.NoError(t, err)
		assert.Empty(t, gotAsset.PreferredHostNodeID)
		assert.Empty(t, gotAsset.PreferredHostNodeName)
		assert.Empty(t, gotAsset.FallbackHostNodeID)

		gotKept, err := store.GetAsset(ctx, kept.ID)
		require.NoError(t, err)
		assert.Equal(t, other.ID, gotKept.PreferredHostNodeID)
	})
}

func TestWithTx_RollsBack(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		host, err := domain.NewHostNode("lab-node-1", "192.168.1.10", domain.NodeTypeVM, domain.EnvironmentProduction)
		if err != nil {
			return err
		}
		if err := tx.CreateHost(ctx, host); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetHostByName(ctx, "lab-node-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Container State Tests
// =============================================================================

func TestContainerState_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, store, "lab-node-1", "192.168.1.10")

	state := createTestState(t, store, "asset_1", host.ID, "")
	got, err := store.GetContainerState(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncPending, got.SyncStatus)
	assert.Equal(t, domain.CurrentNotExists, got.CurrentStatus)
	assert.Equal(t, host.ID, got.HostNodeID)
	assert.Empty(t, got.ContainerID)
	assert.Nil(t, got.LastSyncAt)
	assert.Equal(t, domain.DefaultMaxSyncAttempts, got.MaxSyncAttempts)

	now := time.Now().Truncate(time.Second)
	got.ContainerID = "abc123"
	got.MarkSynced(domain.CurrentRunning, now)
	require.NoError(t, store.UpdateContainerState(ctx, got))

	updated, err := store.GetContainerStateByAssetAndContainer(ctx, "asset_1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSynced, updated.SyncStatus)
	require.NotNil(t, updated.LastSyncAt)
	assert.True(t, now.Equal(*updated.LastSyncAt))

	_, err = store.GetContainerStateByAssetAndContainer(ctx, "asset_1", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContainerState_UniquePerAssetAndContainer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestState(t, store, "asset_1", "", "abc123")
	createTestState(t, store, "asset_2", "", "abc123")

	dup, err := domain.NewContainerState("asset_1", domain.DesiredRunning)
	require.NoError(t, err)
	dup.ContainerID = "abc123"

	err = store.CreateContainerState(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateState)
}

func TestContainerState_SeveralWithoutContainer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, store, "lab-node-1", "192.168.1.10")

	first := createTestState(t, store, "asset_1", host.ID, "aaaaaaaaaaaa")
	second := createTestState(t, store, "asset_1", host.ID, "bbbbbbbbbbbb")

	// Both lose their container in one transaction, as a host move does
	err := store.WithTx(ctx, func(tx Store) error {
		for _, st := range []*domain.ContainerState{first, second} {
			st.Rebind(host.ID, time.Now())
			if err := tx.UpdateContainerState(ctx, st); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	states, err := store.ListContainerStatesByAsset(ctx, "asset_1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, st := range states {
		assert.Empty(t, st.ContainerID)
		assert.Equal(t, domain.SyncOutOfSync, st.SyncStatus)
	}

	got, err := store.GetContainerStateByAssetAndContainer(ctx, "asset_1", "")
	require.NoError(t, err)
	assert.Contains(t, []string{first.ID, second.ID}, got.ID)
}

func TestContainerState_UnknownHostRejected(t *testing.T) {
	store := setupTestStore(t)

	state, err := domain.NewContainerState("asset_1", domain.DesiredRunning)
	require.NoError(t, err)
	state.HostNodeID = "host_missing"

	err = store.CreateContainerState(context.Background(), state)
	assert.ErrorIs(t, err, ErrForeignKey)
}

func TestListStatesNeedingReconciliation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	pending := createTestState(t, store, "asset_pending", "", "")

	outOfSync := createTestState(t, store, "asset_oos", "", "")
	outOfSync.RecordAttemptFailure("start failed", now)
	require.NoError(t, store.UpdateContainerState(ctx, outOfSync))

	synced := createTestState(t, store, "asset_synced", "", "")
	synced.MarkSynced(domain.CurrentRunning, now)
	require.NoError(t, store.UpdateContainerState(ctx, synced))

	failed := createTestState(t, store, "asset_failed", "", "")
	failed.MarkFailed("container not found", now)
	require.NoError(t, store.UpdateContainerState(ctx, failed))

	exhausted := createTestState(t, store, "asset_exhausted", "", "")
	exhausted.SyncStatus = domain.SyncOutOfSync
	exhausted.SyncAttempts = exhausted.MaxSyncAttempts
	require.NoError(t, store.UpdateContainerState(ctx, exhausted))

	states, err := store.ListStatesNeedingReconciliation(ctx)
	require.NoError(t, err)

	ids := make([]string, len(states))
	for i, s := range states {
		ids[i] = s.ID
	}
	assert.ElementsMatch(t, []string{pending.ID, outOfSync.ID}, ids)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "ordered by id")
	}
}

func TestListContainerStatesFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	hostA := createTestHost(t, store, "node-a", "10.0.0.1")
	hostB := createTestHost(t, store, "node-b", "10.0.0.2")

	a1 := createTestState(t, store, "asset_1", hostA.ID, "c1")
	createTestState(t, store, "asset_1", hostB.ID, "c2")
	a3 := createTestState(t, store, "asset_3", hostA.ID, "c3")
	a3.MarkFailed("boom", time.Now())
	require.NoError(t, store.UpdateContainerState(ctx, a3))

	byAsset, err := store.ListContainerStatesByAsset(ctx, "asset_1")
	require.NoError(t, err)
	assert.Len(t, byAsset, 2)

	byHost, err := store.ListContainerStatesByHost(ctx, hostA.ID)
	require.NoError(t, err)
	assert.Len(t, byHost, 2)

	failed, err := store.ListContainerStatesBySyncStatus(ctx, domain.SyncFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a3.ID, failed[0].ID)

	pendingOnA, err := store.ListContainerStatesByHostAndStatus(ctx, hostA.ID, domain.SyncPending)
	require.NoError(t, err)
	require.Len(t, pendingOnA, 1)
	assert.Equal(t, a1.ID, pendingOnA[0].ID)

	require.NoError(t, store.DeleteContainerState(ctx, a1.ID))
	assert.ErrorIs(t, store.DeleteContainerState(ctx, a1.ID), ErrNotFound)
}

func TestCountContainerStates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	hostA := createTestHost(t, store, "node-a", "10.0.0.1")
	hostB := createTestHost(t, store, "node-b", "10.0.0.2")
	now := time.Now()

	for i, current := range []domain.CurrentStatus{domain.CurrentRunning, domain.CurrentRunning, domain.CurrentStopped} {
		s := createTestState(t, store, fmt.Sprintf("asset_%d", i), hostA.ID, "")
		s.MarkSynced(current, now)
		s.HealthStatus = domain.HealthHealthy
		require.NoError(t, store.UpdateContainerState(ctx, s))
	}
	failed := createTestState(t, store, "asset_f", hostA.ID, "")
	failed.MarkFailed("boom", now)
	require.NoError(t, store.UpdateContainerState(ctx, failed))
	createTestState(t, store, "asset_b", hostB.ID, "")

	counts, err := store.CountContainerStatesByHost(ctx, hostA.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCounts{Total: 4, Running: 2, Stopped: 1, Failed: 1}, counts)

	empty, err := store.CountContainerStatesByHost(ctx, "host_none")
	require.NoError(t, err)
	assert.Equal(t, StateCounts{}, empty)

	perHost, err := store.CountContainerStatesPerHost(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, perHost[hostA.ID].Total)
	assert.Equal(t, 1, perHost[hostB.ID].Total)

	bySync, err := store.CountBySyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, bySync[domain.SyncSynced])
	assert.Equal(t, 1, bySync[domain.SyncFailed])
	assert.Equal(t, 1, bySync[domain.SyncPending])

	byHealth, err := store.CountByHealthStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, byHealth[domain.HealthHealthy])
	assert.Equal(t, 2, byHealth[domain.HealthUnknown])
}

func TestResetFailedStates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	state := createTestState(t, store, "asset_1", "", "")
	for i := 0; i < state.MaxSyncAttempts; i++ {
		state.RecordAttemptFailure("start failed", now)
	}
	require.Equal(t, domain.SyncFailed, state.SyncStatus)
	require.NoError(t, store.UpdateContainerState(ctx, state))

	needing, err := store.ListStatesNeedingReconciliation(ctx)
	require.NoError(t, err)
	assert.Empty(t, needing)

	n, err := store.ResetFailedStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetContainerState(ctx, state.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncOutOfSync, got.SyncStatus)
	assert.Equal(t, 0, got.SyncAttempts)
	assert.Empty(t, got.LastError)

	needing, err = store.ListStatesNeedingReconciliation(ctx)
	require.NoError(t, err)
	assert.Len(t, needing, 1)
}

func TestDeleteSyncedStatesBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := createTestState(t, store, "asset_old", "", "")
	old.MarkSynced(domain.CurrentRunning, now.Add(-10*24*time.Hour))
	require.NoError(t, store.UpdateContainerState(ctx, old))

	recent := createTestState(t, store, "asset_recent", "", "")
	recent.MarkSynced(domain.CurrentRunning, now)
	require.NoError(t, store.UpdateContainerState(ctx, recent))

	oldFailed := createTestState(t, store, "asset_old_failed", "", "")
	oldFailed.MarkFailed("boom", now.Add(-10*24*time.Hour))
	require.NoError(t, store.UpdateContainerState(ctx, oldFailed))

	n, err := store.DeleteSyncedStatesBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetContainerState(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetContainerState(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = store.GetContainerState(ctx, oldFailed.ID)
	assert.NoError(t, err)
}

// =============================================================================
// Asset Tests
// =============================================================================

func TestAsset_NormalizedOnWrite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, store, "lab-node-1", "192.168.1.10")

	t.Run("empty strategy with preferred host becomes fixed", func(t *testing.T) {
		asset := createTestAsset(t, store, "web", host)

		got, err := store.GetAsset(ctx, asset.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StrategyFixed, got.DeploymentStrategy)
		assert.Equal(t, host.ID, got.PreferredHostNodeID)
	})

	t.Run("any clears preferred host", func(t *testing.T) {
		asset := createTestAsset(t, store, "db", host)
		asset.DeploymentStrategy = domain.StrategyAny
		asset.PreferredHostNodeID = host.ID
		require.NoError(t, store.UpdateAsset(ctx, asset))

		got, err := store.GetAsset(ctx, asset.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StrategyAny, got.DeploymentStrategy)
		assert.Empty(t, got.PreferredHostNodeID)
	})

	t.Run("empty strategy without host becomes any", func(t *testing.T) {
		asset := createTestAsset(t, store, "cache", nil)

		got, err := store.GetAsset(ctx, asset.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StrategyAny, got.DeploymentStrategy)
	})
}

func TestAsset_Lists(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, store, "lab-node-1", "192.168.1.10")

	bound := createTestAsset(t, store, "web", host)
	createTestAsset(t, store, "cache", nil)
	other := &domain.Asset{ID: domain.GenerateAssetID(), Name: "scanner", Project: "blue-team", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.CreateAsset(ctx, other))

	all, err := store.ListAssets(ctx, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byHost, err := store.ListAssetsByHost(ctx, host.ID)
	require.NoError(t, err)
	require.Len(t, byHost, 1)
	assert.Equal(t, bound.ID, byHost[0].ID)

	byProject, err := store.ListAssetsByProject(ctx, "red-team-1")
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	_, err = store.GetAsset(ctx, "asset_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	missing := *other
	missing.ID = "asset_missing"
	assert.ErrorIs(t, store.UpdateAsset(ctx, &missing), ErrNotFound)
}

func TestListOptions_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   ListOptions
		want ListOptions
	}{
		{"zero", ListOptions{}, ListOptions{Limit: 100}},
		{"too large", ListOptions{Limit: 5000, Offset: 3}, ListOptions{Limit: 1000, Offset: 3}},
		{"negative offset", ListOptions{Limit: 10, Offset: -1}, ListOptions{Limit: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}
