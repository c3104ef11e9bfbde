package domain

import "strings"

// ContainerInfo is one container as reported by a runtime host.
type ContainerInfo struct {
	ContainerID  string `json:"container_id"`
	Name         string `json:"name"`
	Image        string `json:"image"`
	Status       string `json:"status"` // raw runtime status, e.g. "Up 2 hours"
	PortMappings string `json:"port_mappings,omitempty"`
	HostNodeID   string `json:"host_node_id,omitempty"`
}

// IsRunning reports whether the raw status describes a running container.
func (c ContainerInfo) IsRunning() bool {
	return MapRuntimeStatus(c.Status) == CurrentRunning
}

// CleanName returns the container name without the runtime's leading slash.
func (c ContainerInfo) CleanName() string {
	return strings.TrimPrefix(c.Name, "/")
}

// ImageInfo is one image present on a runtime host.
type ImageInfo struct {
	ImageID    string `json:"image_id"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Size       string `json:"size,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// Reference returns repository:tag.
func (i ImageInfo) Reference() string {
	if i.Tag == "" || i.Tag == "<none>" {
		return i.Repository
	}
	return i.Repository + ":" + i.Tag
}

// ContainerStats is a point-in-time resource snapshot of a container.
type ContainerStats struct {
	ContainerID   string  `json:"container_id"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   string  `json:"memory_usage"`
	MemoryPercent float64 `json:"memory_percent"`
}
