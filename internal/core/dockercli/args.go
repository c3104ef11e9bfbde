package dockercli

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
)

// Output formats. Every tabular format is pipe-delimited so a single
// field-by-field parser handles list and inspect output alike.
const (
	ContainerFormat = "{{.ID}}|{{.Names}}|{{.Image}}|{{.Status}}|{{.Ports}}"
	InspectFormat   = "{{.Id}}|{{.Name}}|{{.Config.Image}}|{{.State.Status}}|"
	ImageFormat     = "{{.ID}}|{{.Repository}}|{{.Tag}}|{{.Size}}|{{.CreatedSince}}"
	StatsFormat     = "{{.Container}}|{{.CPUPerc}}|{{.MemUsage}}|{{.MemPerc}}"
	VersionFormat   = "{{.Server.Version}}"
)

// Target describes where a CLI invocation is pointed.
type Target struct {
	// Endpoint is the -H value; empty for the local runtime.
	Endpoint string

	// CertDir holds ca.pem, cert.pem and key.pem for --tlsverify.
	CertDir string
}

// TargetFor builds the connection target for a node. Local nodes and nodes
// reached over SSH run the CLI against the runtime on the same machine.
func TargetFor(node *domain.HostNode) Target {
	if node == nil || node.IsLocal() || node.Transport == domain.TransportSSH {
		return Target{}
	}
	return Target{Endpoint: node.DockerEndpoint(), CertDir: node.TLSCertPath}
}

// GlobalArgs returns the connection flags that precede the subcommand.
func (t Target) GlobalArgs() []string {
	if t.Endpoint == "" {
		return nil
	}
	args := []string{"-H", t.Endpoint}
	if t.CertDir != "" {
		args = append(args,
			"--tlsverify",
			"--tlscacert", filepath.Join(t.CertDir, "ca.pem"),
			"--tlscert", filepath.Join(t.CertDir, "cert.pem"),
			"--tlskey", filepath.Join(t.CertDir, "key.pem"),
		)
	}
	return args
}

// Command prefixes the target's connection flags to a subcommand.
func (t Target) Command(sub ...string) []string {
	global := t.GlobalArgs()
	args := make([]string, 0, len(global)+len(sub))
	args = append(args, global...)
	return append(args, sub...)
}

// =============================================================================
// Subcommands
// =============================================================================

// ListContainersArgs lists containers; all includes stopped ones.
func ListContainersArgs(all bool) []string {
	args := []string{"ps"}
	if all {
		args = append(args, "-a")
	}
	return append(args, "--no-trunc", "--format", ContainerFormat)
}

// FindByNameArgs lists containers whose name is exactly name.
func FindByNameArgs(name string) []string {
	return []string{"ps", "-a", "--no-trunc", "--filter", "name=^/?" + name + "$", "--format", ContainerFormat}
}

// InspectArgs inspects a single container.
func InspectArgs(id string) []string {
	return []string{"inspect", "--type", "container", "--format", InspectFormat, id}
}

// StartArgs starts a container.
func StartArgs(id string) []string { return []string{"start", id} }

// StopArgs stops a container.
func StopArgs(id string) []string { return []string{"stop", id} }

// RestartArgs restarts a container.
func RestartArgs(id string) []string { return []string{"restart", id} }

// RemoveArgs removes a container.
func RemoveArgs(id string, force bool) []string {
	if force {
		return []string{"rm", "-f", id}
	}
	return []string{"rm", id}
}

// LogsArgs tails the last n lines of a container's log.
func LogsArgs(id string, tail int) []string {
	if tail <= 0 {
		tail = 100
	}
	return []string{"logs", "--tail", strconv.Itoa(tail), id}
}

// StatsArgs takes a single resource snapshot.
func StatsArgs(id string) []string {
	return []string{"stats", "--no-stream", "--format", StatsFormat, id}
}

// ImagesArgs lists images.
func ImagesArgs() []string {
	return []string{"images", "--format", ImageFormat}
}

// VersionArgs queries the server version; used as the API-tier probe.
func VersionArgs() []string {
	return []string{"version", "--format", VersionFormat}
}

// =============================================================================
// Run
// =============================================================================

// PortMapping maps a host port to a container port.
type PortMapping struct {
	HostPort      int
	ContainerPort int
	Protocol      string
}

// String renders the mapping as a -p value.
func (p PortMapping) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	if p.HostPort == 0 {
		return fmt.Sprintf("%d/%s", p.ContainerPort, proto)
	}
	return fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, proto)
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name    string
	Image   string
	Ports   []PortMapping
	Env     map[string]string
	Volumes []string
	Memory  string // e.g. "512m"
	CPUs    string // e.g. "1.5"
	Restart string // restart policy
	Labels  map[string]string
	Command []string
}

// AssetLabel marks containers created for an asset.
const AssetLabel = "fleet.asset"

// AssetContainerName derives a container name for an asset that does not
// have one yet. The result carries the platform prefix.
func AssetContainerName(asset *domain.Asset) string {
	var b strings.Builder
	for _, r := range strings.ToLower(asset.Name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-._")
	if name == "" {
		name = strings.TrimPrefix(asset.ID, "asset_")
	}
	return DefaultAllowedPrefixes[0] + name
}

// RunSpecForAsset builds the run spec that realizes the asset under the
// given container name. Ports, env and limits are read from the asset's
// stored specs; volumes are a comma list.
func RunSpecForAsset(asset *domain.Asset, name string) RunSpec {
	if name == "" {
		name = AssetContainerName(asset)
	}
	spec := RunSpec{
		Name:    name,
		Image:   strings.TrimSpace(asset.DockerImage),
		Ports:   ParsePortSpec(asset.ContainerPorts),
		Env:     ParseKeyValues(asset.ContainerEnv),
		Restart: "unless-stopped",
		Labels:  map[string]string{AssetLabel: asset.ID},
	}
	for _, v := range strings.Split(asset.ContainerVolumes, ",") {
		if v = strings.TrimSpace(v); v != "" {
			spec.Volumes = append(spec.Volumes, v)
		}
	}
	limits := ParseKeyValues(asset.ResourceLimits)
	spec.Memory = limits["memory"]
	spec.CPUs = limits["cpus"]
	return spec
}

// RunArgs builds a detached run command.
func RunArgs(spec RunSpec) []string {
	args := []string{"run", "-d", "--name", spec.Name}
	for _, p := range spec.Ports {
		args = append(args, "-p", p.String())
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, v := range spec.Volumes {
		args = append(args, "-v", v)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUs != "" {
		args = append(args, "--cpus", spec.CPUs)
	}
	if spec.Restart != "" {
		args = append(args, "--restart", spec.Restart)
	}
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
