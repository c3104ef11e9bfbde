// Package domain contains the core domain types and validation logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Node Errors
// =============================================================================

var (
	// Node name validation errors
	ErrNodeNameRequired = errors.New("node name is required")
	ErrNodeNameTooShort = errors.New("node name must be at least 2 characters")
	ErrNodeNameTooLong  = errors.New("node name must be at most 100 characters")

	// Address validation errors
	ErrHostIPRequired    = errors.New("host IP is required")
	ErrHostIPInvalid     = errors.New("host IP must be a valid IP address")
	ErrDockerPortInvalid = errors.New("docker port must be between 1 and 65535")
	ErrSSHPortInvalid    = errors.New("SSH port must be between 1 and 65535")

	// Classification validation errors
	ErrNodeTypeInvalid    = errors.New("node type must be one of local, vm, dedicated, shared, physical")
	ErrEnvironmentInvalid = errors.New("environment must be one of production, staging, testing, development")
	ErrTransportInvalid   = errors.New("transport must be one of cli, api, ssh")
	ErrCapacityInvalid    = errors.New("capacity values cannot be negative")

	// Node operation errors
	ErrNodeNotFound    = errors.New("node not found")
	ErrNodeUnavailable = errors.New("node is not active")
	ErrNodeMaintenance = errors.New("node is in maintenance mode")
)

// DefaultDockerPort is the plain TCP port of a remote runtime endpoint.
const DefaultDockerPort = 2375

// DefaultMaxContainers is assumed when a node has no configured capacity.
const DefaultMaxContainers = 50

// =============================================================================
// Node Status
// =============================================================================

// NodeStatus represents the operational status of a host node.
type NodeStatus string

const (
	NodeStatusActive            NodeStatus = "active"
	NodeStatusDockerUnavailable NodeStatus = "docker_unavailable"
	NodeStatusPingOKDockerFail  NodeStatus = "ping_ok_docker_fail"
	NodeStatusError             NodeStatus = "error"
	NodeStatusMaintenance       NodeStatus = "maintenance"

	// Accepted by the scorer for compatibility with externally reported states.
	NodeStatusHealthy NodeStatus = "healthy"
	NodeStatusWarning NodeStatus = "warning"
)

// IsValid checks if the node status is valid.
func (s NodeStatus) IsValid() bool {
	switch s {
	case NodeStatusActive, NodeStatusDockerUnavailable, NodeStatusPingOKDockerFail,
		NodeStatusError, NodeStatusMaintenance, NodeStatusHealthy, NodeStatusWarning:
		return true
	default:
		return false
	}
}

// IsAvailable returns true if the node can accept placements and reconciliation.
func (s NodeStatus) IsAvailable() bool {
	return s == NodeStatusActive || s == NodeStatusHealthy
}

// IsCheckable returns true if health sweeps should probe the node.
func (s NodeStatus) IsCheckable() bool {
	return s != NodeStatusMaintenance
}

// =============================================================================
// Node Classification
// =============================================================================

// NodeType classifies the machine behind a host node.
type NodeType string

const (
	NodeTypeLocal     NodeType = "local"
	NodeTypeVM        NodeType = "vm"
	NodeTypeDedicated NodeType = "dedicated"
	NodeTypeShared    NodeType = "shared"
	NodeTypePhysical  NodeType = "physical"
)

// IsValid checks if the node type is valid.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeTypeLocal, NodeTypeVM, NodeTypeDedicated, NodeTypeShared, NodeTypePhysical:
		return true
	default:
		return false
	}
}

// Environment is the deployment environment a node serves.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentTesting     Environment = "testing"
	EnvironmentDevelopment Environment = "development"
)

// IsValid checks if the environment is valid.
func (e Environment) IsValid() bool {
	switch e {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentTesting, EnvironmentDevelopment:
		return true
	default:
		return false
	}
}

// Transport selects how runtime commands reach a node.
type Transport string

const (
	TransportCLI Transport = "cli" // docker CLI, local or with -H tcp://
	TransportAPI Transport = "api" // docker engine API over TCP/TLS
	TransportSSH Transport = "ssh" // docker CLI executed on the node over SSH
)

// IsValid checks if the transport is valid.
func (t Transport) IsValid() bool {
	switch t {
	case TransportCLI, TransportAPI, TransportSSH:
		return true
	default:
		return false
	}
}

// =============================================================================
// Host Node
// =============================================================================

// HostNode is a machine running a container runtime, registered by an operator.
type HostNode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`

	HostIP      string    `json:"host_ip"`
	DockerPort  int       `json:"docker_port"`
	TLSCertPath string    `json:"tls_cert_path,omitempty"`
	Transport   Transport `json:"transport"`
	SSHUser     string    `json:"ssh_user,omitempty"`
	SSHPort     int       `json:"ssh_port,omitempty"`
	SSHKeyPath  string    `json:"ssh_key_path,omitempty"`

	NodeType    NodeType    `json:"node_type"`
	Environment Environment `json:"environment"`

	MaxContainers int     `json:"max_containers"`
	CPUCores      float64 `json:"cpu_cores"`
	MemoryMB      int64   `json:"memory_mb"`
	DiskGB        int64   `json:"disk_gb"`
	Priority      int     `json:"priority"`

	Status          NodeStatus `json:"status"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// GenerateNodeID generates a new node ID with "host_" prefix.
func GenerateNodeID() string {
	return "host_" + uuid.New().String()[:8]
}

// NewHostNode creates a host node with defaults applied and fields validated.
// New nodes start in the error state until their first health check.
func NewHostNode(name, hostIP string, nodeType NodeType, env Environment) (*HostNode, error) {
	now := time.Now()
	n := &HostNode{
		ID:          GenerateNodeID(),
		Name:        name,
		HostIP:      hostIP,
		NodeType:    nodeType,
		Environment: env,
		Status:      NodeStatusError,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	n.ApplyDefaults()
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// ApplyDefaults fills zero-valued optional fields.
func (n *HostNode) ApplyDefaults() {
	if n.DockerPort == 0 {
		n.DockerPort = DefaultDockerPort
	}
	if n.MaxContainers <= 0 {
		n.MaxContainers = DefaultMaxContainers
	}
	if n.DisplayName == "" {
		n.DisplayName = n.Name
	}
	if n.Transport == "" {
		if n.NodeType == NodeTypeLocal {
			n.Transport = TransportCLI
		} else {
			n.Transport = TransportAPI
		}
	}
	if n.Transport == TransportSSH && n.SSHPort == 0 {
		n.SSHPort = 22
	}
	if n.Status == "" {
		n.Status = NodeStatusError
	}
}

// Validate checks every field of the node.
func (n *HostNode) Validate() error {
	if err := ValidateNodeName(n.Name); err != nil {
		return err
	}
	if err := ValidateHostIP(n.HostIP); err != nil {
		return err
	}
	if n.DockerPort < 1 || n.DockerPort > 65535 {
		return ErrDockerPortInvalid
	}
	if n.Transport == TransportSSH && (n.SSHPort < 1 || n.SSHPort > 65535) {
		return ErrSSHPortInvalid
	}
	if !n.NodeType.IsValid() {
		return ErrNodeTypeInvalid
	}
	if !n.Environment.IsValid() {
		return ErrEnvironmentInvalid
	}
	if !n.Transport.IsValid() {
		return ErrTransportInvalid
	}
	if n.CPUCores < 0 || n.MemoryMB < 0 || n.DiskGB < 0 || n.MaxContainers < 0 {
		return ErrCapacityInvalid
	}
	return nil
}

// IsAvailable returns true if the node can accept new placements.
func (n *HostNode) IsAvailable() bool {
	return n.Status.IsAvailable()
}

// IsLocal reports whether commands run against the controller's own runtime.
func (n *HostNode) IsLocal() bool {
	return n.NodeType == NodeTypeLocal
}

// DockerEndpoint returns the tcp:// endpoint of the node's runtime.
func (n *HostNode) DockerEndpoint() string {
	return "tcp://" + n.DockerAddress()
}

// DockerAddress returns the runtime address in host:port form.
func (n *HostNode) DockerAddress() string {
	return net.JoinHostPort(n.HostIP, strconv.Itoa(n.DockerPort))
}

// SSHAddress returns the SSH connection address (host:port).
func (n *HostNode) SSHAddress() string {
	port := n.SSHPort
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(n.HostIP, strconv.Itoa(port))
}

// Label returns the display name, or the name when none is set.
func (n *HostNode) Label() string {
	if n.DisplayName != "" {
		return n.DisplayName
	}
	return n.Name
}

// =============================================================================
// Validation Functions
// =============================================================================

// ValidateNodeName validates a node name.
func ValidateNodeName(name string) error {
	if name == "" {
		return ErrNodeNameRequired
	}
	if len(name) < 2 {
		return ErrNodeNameTooShort
	}
	if len(name) > 100 {
		return ErrNodeNameTooLong
	}
	return nil
}

// ValidateHostIP validates a node address.
func ValidateHostIP(ip string) error {
	if ip == "" {
		return ErrHostIPRequired
	}
	if net.ParseIP(ip) == nil {
		return ErrHostIPInvalid
	}
	return nil
}
