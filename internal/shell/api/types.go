package api

import (
	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// HostRequest is the request body for creating or updating a host.
type HostRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=100"`
	DisplayName string `json:"display_name,omitempty" validate:"max=200"`
	HostIP      string `json:"host_ip" validate:"required,ip"`
	DockerPort  int    `json:"docker_port,omitempty" validate:"omitempty,min=1,max=65535"`
	TLSCertPath string `json:"tls_cert_path,omitempty"`
	Transport   string `json:"transport,omitempty" validate:"omitempty,oneof=cli api ssh"`
	SSHUser     string `json:"ssh_user,omitempty"`
	SSHPort     int    `json:"ssh_port,omitempty" validate:"omitempty,min=1,max=65535"`
	SSHKeyPath  string `json:"ssh_key_path,omitempty"`

	NodeType    string `json:"node_type" validate:"required,oneof=local vm dedicated shared physical"`
	Environment string `json:"environment" validate:"required,oneof=production staging testing development"`

	MaxContainers int     `json:"max_containers,omitempty" validate:"min=0"`
	CPUCores      float64 `json:"cpu_cores,omitempty" validate:"min=0"`
	MemoryMB      int64   `json:"memory_mb,omitempty" validate:"min=0"`
	DiskGB        int64   `json:"disk_gb,omitempty" validate:"min=0"`
	Priority      int     `json:"priority,omitempty" validate:"min=0,max=100"`
}

// toNode copies the request onto node, keeping node's ID and status.
func (r HostRequest) toNode(node *domain.HostNode) {
	node.Name = r.Name
	node.DisplayName = r.DisplayName
	node.HostIP = r.HostIP
	node.DockerPort = r.DockerPort
	node.TLSCertPath = r.TLSCertPath
	node.Transport = domain.Transport(r.Transport)
	node.SSHUser = r.SSHUser
	node.SSHPort = r.SSHPort
	node.SSHKeyPath = r.SSHKeyPath
	node.NodeType = domain.NodeType(r.NodeType)
	node.Environment = domain.Environment(r.Environment)
	node.MaxContainers = r.MaxContainers
	node.CPUCores = r.CPUCores
	node.MemoryMB = r.MemoryMB
	node.DiskGB = r.DiskGB
	node.Priority = r.Priority
}

// ImportRequest is the request body for importing a host's containers as
// assets.
type ImportRequest struct {
	Company string `json:"company" validate:"required"`
	Project string `json:"project" validate:"required"`
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// FieldError is one failed request-body constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// HostCheckResponse is the result of a connection test or health check.
type HostCheckResponse struct {
	Success bool              `json:"success"`
	Status  domain.NodeStatus `json:"status"`
	Message string            `json:"message,omitempty"`
}

// CountResponse reports how many records an operation touched.
type CountResponse struct {
	Success bool   `json:"success"`
	Count   int64  `json:"count"`
	Message string `json:"message"`
}
