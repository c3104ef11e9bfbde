package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// =============================================================================
// Host Operations
// =============================================================================

// hostRow represents a hosts row in the database.
type hostRow struct {
	ID              string  `db:"id"`
	Name            string  `db:"name"`
	DisplayName     string  `db:"display_name"`
	HostIP          string  `db:"host_ip"`
	DockerPort      int     `db:"docker_port"`
	TLSCertPath     string  `db:"tls_cert_path"`
	Transport       string  `db:"transport"`
	SSHUser         string  `db:"ssh_user"`
	SSHPort         int     `db:"ssh_port"`
	SSHKeyPath      string  `db:"ssh_key_path"`
	NodeType        string  `db:"node_type"`
	Environment     string  `db:"environment"`
	MaxContainers   int     `db:"max_containers"`
	CPUCores        float64 `db:"cpu_cores"`
	MemoryMB        int64   `db:"memory_mb"`
	DiskGB          int64   `db:"disk_gb"`
	Priority        int     `db:"priority"`
	Status          string  `db:"status"`
	LastHealthCheck *string `db:"last_health_check"`
	LastError       string  `db:"last_error"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

func hostToRow(h *domain.HostNode) hostRow {
	return hostRow{
		ID:              h.ID,
		Name:            h.Name,
		DisplayName:     h.DisplayName,
		HostIP:          h.HostIP,
		DockerPort:      h.DockerPort,
		TLSCertPath:     h.TLSCertPath,
		Transport:       string(h.Transport),
		SSHUser:         h.SSHUser,
		SSHPort:         h.SSHPort,
		SSHKeyPath:      h.SSHKeyPath,
		NodeType:        string(h.NodeType),
		Environment:     string(h.Environment),
		MaxContainers:   h.MaxContainers,
		CPUCores:        h.CPUCores,
		MemoryMB:        h.MemoryMB,
		DiskGB:          h.DiskGB,
		Priority:        h.Priority,
		Status:          string(h.Status),
		LastHealthCheck: nullTime(h.LastHealthCheck),
		LastError:       h.LastError,
		CreatedAt:       formatTime(h.CreatedAt),
		UpdatedAt:       formatTime(h.UpdatedAt),
	}
}

func rowToHost(r *hostRow) domain.HostNode {
	return domain.HostNode{
		ID:              r.ID,
		Name:            r.Name,
		DisplayName:     r.DisplayName,
		HostIP:          r.HostIP,
		DockerPort:      r.DockerPort,
		TLSCertPath:     r.TLSCertPath,
		Transport:       domain.Transport(r.Transport),
		SSHUser:         r.SSHUser,
		SSHPort:         r.SSHPort,
		SSHKeyPath:      r.SSHKeyPath,
		NodeType:        domain.NodeType(r.NodeType),
		Environment:     domain.Environment(r.Environment),
		MaxContainers:   r.MaxContainers,
		CPUCores:        r.CPUCores,
		MemoryMB:        r.MemoryMB,
		DiskGB:          r.DiskGB,
		Priority:        r.Priority,
		Status:          domain.NodeStatus(r.Status),
		LastHealthCheck: parseNullTime(r.LastHealthCheck),
		LastError:       r.LastError,
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
}

func (q queries) CreateHost(ctx context.Context, host *domain.HostNode) error {
	query := `
		INSERT INTO hosts (
			id, name, display_name, host_ip, docker_port, tls_cert_path, transport,
			ssh_user, ssh_port, ssh_key_path, node_type, environment,
			max_containers, cpu_cores, memory_mb, disk_gb, priority,
			status, last_health_check, last_error, created_at, updated_at
		) VALUES (
			:id, :name, :display_name, :host_ip, :docker_port, :tls_cert_path, :transport,
			:ssh_user, :ssh_port, :ssh_key_path, :node_type, :environment,
			:max_containers, :cpu_cores, :memory_mb, :disk_gb, :priority,
			:status, :last_health_check, :last_error, :created_at, :updated_at
		)`

	if _, err := q.exec.NamedExecContext(ctx, query, hostToRow(host)); err != nil {
		return NewStoreError("CreateHost", "host", host.ID, err.Error(), constraintError(err))
	}
	return nil
}

func (q queries) GetHost(ctx context.Context, id string) (*domain.HostNode, error) {
	return q.getHost(ctx, "GetHost", `SELECT * FROM hosts WHERE id = ?`, id)
}

func (q queries) GetHostByName(ctx context.Context, name string) (*domain.HostNode, error) {
	return q.getHost(ctx, "GetHostByName", `SELECT * FROM hosts WHERE name = ?`, name)
}

func (q queries) GetHostByIP(ctx context.Context, ip string) (*domain.HostNode, error) {
	return q.getHost(ctx, "GetHostByIP", `SELECT * FROM hosts WHERE host_ip = ?`, ip)
}

func (q queries) getHost(ctx context.Context, op, query, key string) (*domain.HostNode, error) {
	var row hostRow
	if err := q.exec.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError(op, "host", key, "host not found", ErrNotFound)
		}
		return nil, NewStoreError(op, "host", key, err.Error(), err)
	}
	host := rowToHost(&row)
	return &host, nil
}

func (q queries) UpdateHost(ctx context.Context, host *domain.HostNode) error {
	query := `
		UPDATE hosts SET
			name = :name,
			display_name = :display_name,
			host_ip = :host_ip,
			docker_port = :docker_port,
			tls_cert_path = :tls_cert_path,
			transport = :transport,
			ssh_user = :ssh_user,
			ssh_port = :ssh_port,
			ssh_key_path = :ssh_key_path,
			node_type = :node_type,
			environment = :environment,
			max_containers = :max_containers,
			cpu_cores = :cpu_cores,
			memory_mb = :memory_mb,
			disk_gb = :disk_gb,
			priority = :priority,
			status = :status,
			last_health_check = :last_health_check,
			last_error = :last_error,
			updated_at = :updated_at
		WHERE id = :id`

	res, err := q.exec.NamedExecContext(ctx, query, hostToRow(host))
	if err != nil {
		return NewStoreError("UpdateHost", "host", host.ID, err.Error(), constraintError(err))
	}
	if rowsAffected(res) == 0 {
		return NewStoreError("UpdateHost", "host", host.ID, "host not found", ErrNotFound)
	}
	return nil
}

func (q queries) DeleteHost(ctx context.Context, id string) error {
	res, err := q.exec.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id)
	if err != nil {
		return NewStoreError("DeleteHost", "host", id, err.Error(), constraintError(err))
	}
	if rowsAffected(res) == 0 {
		return NewStoreError("DeleteHost", "host", id, "host not found", ErrNotFound)
	}
	return nil
}

func (q queries) ListHosts(ctx context.Context, opts ListOptions) ([]domain.HostNode, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM hosts ORDER BY priority DESC, name ASC LIMIT ? OFFSET ?`
	return q.listHosts(ctx, "ListHosts", query, opts.Limit, opts.Offset)
}

func (q queries) ListHostsByStatus(ctx context.Context, status domain.NodeStatus) ([]domain.HostNode, error) {
	query := `SELECT * FROM hosts WHERE status = ? ORDER BY priority DESC, name ASC`
	return q.listHosts(ctx, "ListHostsByStatus", query, string(status))
}

func (q queries) listHosts(ctx context.Context, op, query string, args ...any) ([]domain.HostNode, error) {
	var rows []hostRow
	if err := q.exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError(op, "host", "", err.Error(), err)
	}
	hosts := make([]domain.HostNode, len(rows))
	for i := range rows {
		hosts[i] = rowToHost(&rows[i])
	}
	return hosts, nil
}

// ClearHostReferences detaches states and assets from a host so it can be
// deleted without cascading.
func (q queries) ClearHostReferences(ctx context.Context, hostID string) error {
	stmts := []string{
		`UPDATE container_states SET host_node_id = NULL WHERE host_node_id = ?`,
		`UPDATE assets SET preferred_host_node_id = NULL, preferred_host_node_name = '' WHERE preferred_host_node_id = ?`,
		`UPDATE assets SET fallback_host_node_id = NULL WHERE fallback_host_node_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := q.exec.ExecContext(ctx, stmt, hostID); err != nil {
			return NewStoreError("ClearHostReferences", "host", hostID, err.Error(), err)
		}
	}
	return nil
}
