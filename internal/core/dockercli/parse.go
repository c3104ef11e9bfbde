package dockercli

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

const fieldSep = "|"

// ParseContainerLine parses one ContainerFormat or InspectFormat line.
// Lines with fewer than four fields or an empty ID are rejected.
func ParseContainerLine(line string) (domain.ContainerInfo, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return domain.ContainerInfo{}, false
	}
	parts := strings.Split(line, fieldSep)
	if len(parts) < 4 {
		return domain.ContainerInfo{}, false
	}

	id := strings.TrimSpace(parts[0])
	if id == "" {
		return domain.ContainerInfo{}, false
	}

	info := domain.ContainerInfo{
		ContainerID: id,
		Name:        strings.TrimPrefix(strings.TrimSpace(parts[1]), "/"),
		Image:       strings.TrimSpace(parts[2]),
		Status:      strings.TrimSpace(parts[3]),
	}
	if len(parts) > 4 {
		info.PortMappings = strings.TrimSpace(strings.Join(parts[4:], fieldSep))
	}
	if info.Name == "" {
		info.Name = "unnamed-" + shortID(id)
	}
	if info.Image == "" {
		info.Image = "unknown"
	}
	if info.Status == "" {
		info.Status = "unknown"
	}
	return info, true
}

// ParseContainerList parses multi-line container output, dropping
// malformed lines.
func ParseContainerList(out string) []domain.ContainerInfo {
	var containers []domain.ContainerInfo
	for _, line := range strings.Split(out, "\n") {
		if c, ok := ParseContainerLine(line); ok {
			containers = append(containers, c)
		}
	}
	return containers
}

// ParseImageList parses ImageFormat output, dropping malformed lines.
func ParseImageList(out string) []domain.ImageInfo {
	var images []domain.ImageInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, fieldSep)
		if len(parts) < 3 || strings.TrimSpace(parts[0]) == "" {
			continue
		}
		img := domain.ImageInfo{
			ImageID:    strings.TrimSpace(parts[0]),
			Repository: strings.TrimSpace(parts[1]),
			Tag:        strings.TrimSpace(parts[2]),
		}
		if len(parts) > 3 {
			img.Size = strings.TrimSpace(parts[3])
		}
		if len(parts) > 4 {
			img.CreatedAt = strings.TrimSpace(parts[4])
		}
		images = append(images, img)
	}
	return images
}

// ParseStats parses the first StatsFormat line of out.
func ParseStats(out string) (*domain.ContainerStats, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, fieldSep)
		if len(parts) < 3 {
			return nil, false
		}
		stats := &domain.ContainerStats{
			ContainerID: strings.TrimSpace(parts[0]),
			CPUPercent:  parsePercent(parts[1]),
			MemoryUsage: strings.TrimSpace(parts[2]),
		}
		if len(parts) > 3 {
			stats.MemoryPercent = parsePercent(parts[3])
		}
		return stats, true
	}
	return nil, false
}

// ParseVersion returns the trimmed server version, or "" if none.
func ParseVersion(out string) string {
	return strings.TrimSpace(out)
}

func parsePercent(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// =============================================================================
// Port and Environment Specs
// =============================================================================

var psPortPattern = regexp.MustCompile(`(?:[\d.:\[\]]*:(\d+)->)?(\d+)/(tcp|udp|sctp)`)

// ParsePortSpec parses an asset port specification. Accepted forms are a
// JSON object {"80/tcp": "8080"} and a comma list "8080:80,443/tcp".
// Unparseable entries are skipped.
func ParsePortSpec(spec string) []PortMapping {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "{}" {
		return nil
	}

	if strings.HasPrefix(spec, "{") {
		var obj map[string]string
		if err := json.Unmarshal([]byte(spec), &obj); err != nil {
			return nil
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var out []PortMapping
		for _, k := range keys {
			cport, proto := splitProto(k)
			c, err := strconv.Atoi(cport)
			if err != nil {
				continue
			}
			h, _ := strconv.Atoi(strings.TrimSpace(obj[k]))
			out = append(out, PortMapping{HostPort: h, ContainerPort: c, Protocol: proto})
		}
		return out
	}

	var out []PortMapping
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		body, proto := splitProto(entry)
		host, cont := "", body
		if i := strings.LastIndex(body, ":"); i >= 0 {
			host, cont = body[:i], body[i+1:]
			if j := strings.LastIndex(host, ":"); j >= 0 {
				host = host[j+1:]
			}
		}
		c, err := strconv.Atoi(cont)
		if err != nil {
			continue
		}
		h, _ := strconv.Atoi(host)
		out = append(out, PortMapping{HostPort: h, ContainerPort: c, Protocol: proto})
	}
	return out
}

func splitProto(s string) (string, string) {
	if i := strings.Index(s, "/"); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	}
	return strings.TrimSpace(s), "tcp"
}

// PortNumbers returns every port number mentioned in a port specification
// or in the runtime's Ports column ("0.0.0.0:8080->80/tcp"). Both host
// and container sides are included.
func PortNumbers(s string) []int {
	seen := make(map[int]bool)
	var ports []int
	add := func(p int) {
		if p > 0 && !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}

	if strings.Contains(s, "->") {
		for _, m := range psPortPattern.FindAllStringSubmatch(s, -1) {
			h, _ := strconv.Atoi(m[1])
			c, _ := strconv.Atoi(m[2])
			add(h)
			add(c)
		}
		return ports
	}

	for _, p := range ParsePortSpec(s) {
		add(p.HostPort)
		add(p.ContainerPort)
	}
	return ports
}

// ParseKeyValues parses "K=V,K2=V2" or a JSON object into a map.
func ParseKeyValues(spec string) map[string]string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if strings.HasPrefix(spec, "{") {
		var obj map[string]string
		if err := json.Unmarshal([]byte(spec), &obj); err != nil {
			return nil
		}
		return obj
	}
	out := make(map[string]string)
	for _, entry := range strings.Split(spec, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// ParseList splits a comma-separated list, dropping empty entries.
func ParseList(spec string) []string {
	var out []string
	for _, entry := range strings.Split(spec, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
