// Package discovery contains the pure side of container discovery: which
// containers are worth tracking, how a container becomes an asset record,
// and how well a container matches an asset whose binding was lost.
package discovery

import (
	"strings"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// Defaults applied to discovered assets when the caller gives no grouping.
const (
	DefaultCompany = "discovered containers"
	DefaultProject = "ungrouped"
	DiscoveredBy   = "system discovered"
)

// IsSuitableForAsset reports whether a container should be offered as an
// asset. Only well-known orchestrator and desktop-runtime system
// containers are excluded.
func IsSuitableForAsset(c domain.ContainerInfo) bool {
	name := strings.ToLower(c.Name)
	if strings.HasPrefix(name, "k8s_pause") || strings.HasPrefix(name, "k8s_coredns") {
		return false
	}
	if strings.Contains(name, "docker-desktop") || strings.Contains(name, "com.docker.") {
		return false
	}

	image := strings.ToLower(c.Image)
	if strings.HasPrefix(image, "k8s.gcr.io/pause") || strings.HasPrefix(image, "registry.k8s.io/pause") {
		return false
	}
	return true
}

// FilterSuitable drops system containers.
func FilterSuitable(containers []domain.ContainerInfo) []domain.ContainerInfo {
	out := make([]domain.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		if IsSuitableForAsset(c) {
			out = append(out, c)
		}
	}
	return out
}

// ConvertContainerToAsset derives an asset record from a discovered
// container. The asset is pinned to the host it was found on.
func ConvertContainerToAsset(c domain.ContainerInfo, host *domain.HostNode, company, project string) domain.Asset {
	if company == "" {
		company = DefaultCompany
	}
	if project == "" {
		project = DefaultProject
	}

	running := c.IsRunning()
	asset := domain.Asset{
		Name:               AssetName(c),
		AssetType:          domain.AssetTypeContainer,
		Company:            company,
		Project:            project,
		Owner:              DiscoveredBy,
		Enabled:            true,
		DockerImage:        c.Image,
		DeploymentStrategy: domain.StrategyFixed,
		ContainerPorts:     inferPorts(c.Image, running),
		HealthCheckURL:     inferHealthURL(c.Image),
		Visibility:         "blue",
	}
	if running {
		asset.Visibility = "both"
	}
	if host != nil {
		asset.PreferredHostNodeID = host.ID
		asset.PreferredHostNodeName = host.Label()
		asset.Environment = host.Environment
		asset.Notes = "discovered on host " + host.Label()
	}
	return asset
}

// AssetName returns the container's own name, falling back to one derived
// from the image.
func AssetName(c domain.ContainerInfo) string {
	if name := strings.TrimPrefix(c.Name, "/"); name != "" {
		return name
	}
	if base := ImageBase(c.Image); base != "" {
		return base + "-container"
	}
	return "unknown-container"
}

// ImageBase strips the tag and any registry or namespace path:
// "registry.local/team/nginx:1.25" becomes "nginx".
func ImageBase(image string) string {
	repo := ImageRepository(image)
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		repo = repo[i+1:]
	}
	return repo
}

// ImageRepository strips the tag but keeps the path.
func ImageRepository(image string) string {
	image = strings.TrimSpace(image)
	if i := strings.Index(image, "@"); i >= 0 {
		image = image[:i]
	}
	// A colon before the last slash belongs to a registry host:port.
	if i := strings.LastIndex(image, ":"); i > strings.LastIndex(image, "/") {
		image = image[:i]
	}
	return image
}

func inferPorts(image string, running bool) string {
	if !running {
		return "{}"
	}
	image = strings.ToLower(image)
	switch {
	case strings.Contains(image, "nginx"):
		return `{"80/tcp":"8080","443/tcp":"8443"}`
	case strings.Contains(image, "mysql"):
		return `{"3306/tcp":"3306"}`
	case strings.Contains(image, "redis"):
		return `{"6379/tcp":"6379"}`
	case strings.Contains(image, "postgres"):
		return `{"5432/tcp":"5432"}`
	case strings.Contains(image, "apache"), strings.Contains(image, "httpd"):
		return `{"80/tcp":"8080"}`
	}
	return "{}"
}

func inferHealthURL(image string) string {
	image = strings.ToLower(image)
	switch {
	case strings.Contains(image, "nginx"), strings.Contains(image, "apache"), strings.Contains(image, "httpd"):
		return "http://localhost:8080"
	case strings.Contains(image, "mysql"):
		return "tcp://localhost:3306"
	case strings.Contains(image, "redis"):
		return "tcp://localhost:6379"
	}
	return ""
}
