package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Node Status Tests
// =============================================================================

func TestNodeStatus_IsValid(t *testing.T) {
	tests := []struct {
		name   string
		status NodeStatus
		want   bool
	}{
		{"active is valid", NodeStatusActive, true},
		{"docker_unavailable is valid", NodeStatusDockerUnavailable, true},
		{"ping_ok_docker_fail is valid", NodeStatusPingOKDockerFail, true},
		{"error is valid", NodeStatusError, true},
		{"maintenance is valid", NodeStatusMaintenance, true},
		{"empty is invalid", NodeStatus(""), false},
		{"random is invalid", NodeStatus("random"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsValid())
		})
	}
}

func TestNodeStatus_IsAvailable(t *testing.T) {
	assert.True(t, NodeStatusActive.IsAvailable())
	assert.True(t, NodeStatusHealthy.IsAvailable())
	assert.False(t, NodeStatusDockerUnavailable.IsAvailable())
	assert.False(t, NodeStatusPingOKDockerFail.IsAvailable())
	assert.False(t, NodeStatusError.IsAvailable())
	assert.False(t, NodeStatusMaintenance.IsAvailable())
}

func TestNodeStatus_IsCheckable(t *testing.T) {
	assert.True(t, NodeStatusError.IsCheckable())
	assert.False(t, NodeStatusMaintenance.IsCheckable())
}

// =============================================================================
// NewHostNode Tests
// =============================================================================

func TestNewHostNode_Defaults(t *testing.T) {
	n, err := NewHostNode("range-a", "172.16.190.10", NodeTypeVM, EnvironmentProduction)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(n.ID, "host_"))
	assert.Equal(t, "range-a", n.DisplayName)
	assert.Equal(t, DefaultDockerPort, n.DockerPort)
	assert.Equal(t, DefaultMaxContainers, n.MaxContainers)
	assert.Equal(t, TransportAPI, n.Transport)
	assert.Equal(t, NodeStatusError, n.Status)
	assert.Equal(t, "tcp://172.16.190.10:2375", n.DockerEndpoint())
}

func TestNewHostNode_LocalUsesCLI(t *testing.T) {
	n, err := NewHostNode("local", "127.0.0.1", NodeTypeLocal, EnvironmentDevelopment)
	require.NoError(t, err)
	assert.Equal(t, TransportCLI, n.Transport)
	assert.True(t, n.IsLocal())
}

func TestNewHostNode_Validation(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		ip      string
		typ     NodeType
		env     Environment
		wantErr error
	}{
		{"empty name", "", "10.0.0.1", NodeTypeVM, EnvironmentProduction, ErrNodeNameRequired},
		{"short name", "a", "10.0.0.1", NodeTypeVM, EnvironmentProduction, ErrNodeNameTooShort},
		{"long name", strings.Repeat("n", 101), "10.0.0.1", NodeTypeVM, EnvironmentProduction, ErrNodeNameTooLong},
		{"missing ip", "node", "", NodeTypeVM, EnvironmentProduction, ErrHostIPRequired},
		{"bad ip", "node", "not-an-ip", NodeTypeVM, EnvironmentProduction, ErrHostIPInvalid},
		{"bad type", "node", "10.0.0.1", NodeType("cloud"), EnvironmentProduction, ErrNodeTypeInvalid},
		{"bad env", "node", "10.0.0.1", NodeTypeVM, Environment("qa"), ErrEnvironmentInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHostNode(tt.host, tt.ip, tt.typ, tt.env)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHostNode_Validate_Ports(t *testing.T) {
	n, err := NewHostNode("node", "10.0.0.1", NodeTypeShared, EnvironmentTesting)
	require.NoError(t, err)

	n.DockerPort = 70000
	assert.ErrorIs(t, n.Validate(), ErrDockerPortInvalid)

	n.DockerPort = 2376
	n.Transport = TransportSSH
	n.SSHPort = -1
	assert.ErrorIs(t, n.Validate(), ErrSSHPortInvalid)

	n.SSHPort = 22
	n.MemoryMB = -5
	assert.ErrorIs(t, n.Validate(), ErrCapacityInvalid)
}

func TestHostNode_ApplyDefaults_SSH(t *testing.T) {
	n := &HostNode{Name: "node", HostIP: "10.0.0.2", NodeType: NodeTypeDedicated, Transport: TransportSSH}
	n.ApplyDefaults()
	assert.Equal(t, 22, n.SSHPort)
	assert.Equal(t, "10.0.0.2:22", n.SSHAddress())
}

func TestHostNode_Label(t *testing.T) {
	n := &HostNode{Name: "node-1"}
	assert.Equal(t, "node-1", n.Label())
	n.DisplayName = "Red Team Node"
	assert.Equal(t, "Red Team Node", n.Label())
}
