package registry

import (
	"fmt"
	"io"

	"github.com/Hfirstxlovef/cyberlab-sub002/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// inventoryFile is the YAML host inventory:
//
//	hosts:
//	  - name: lab-node-1
//	    host_ip: 192.168.1.20
//	    node_type: vm
//	    environment: production
//	    priority: 5
type inventoryFile struct {
	Hosts []inventoryHost `yaml:"hosts"`
}

type inventoryHost struct {
	Name          string  `yaml:"name"`
	DisplayName   string  `yaml:"display_name"`
	HostIP        string  `yaml:"host_ip"`
	DockerPort    int     `yaml:"docker_port"`
	TLSCertPath   string  `yaml:"tls_cert_path"`
	Transport     string  `yaml:"transport"`
	SSHUser       string  `yaml:"ssh_user"`
	SSHPort       int     `yaml:"ssh_port"`
	SSHKeyPath    string  `yaml:"ssh_key_path"`
	NodeType      string  `yaml:"node_type"`
	Environment   string  `yaml:"environment"`
	MaxContainers int     `yaml:"max_containers"`
	CPUCores      float64 `yaml:"cpu_cores"`
	MemoryMB      int64   `yaml:"memory_mb"`
	DiskGB        int64   `yaml:"disk_gb"`
	Priority      int     `yaml:"priority"`
}

// LoadInventory parses a YAML host inventory. Entries are validated when
// imported, not here.
func LoadInventory(r io.Reader) ([]domain.HostNode, error) {
	var file inventoryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	nodes := make([]domain.HostNode, len(file.Hosts))
	for i, h := range file.Hosts {
		nodes[i] = domain.HostNode{
			Name:          h.Name,
			DisplayName:   h.DisplayName,
			HostIP:        h.HostIP,
			DockerPort:    h.DockerPort,
			TLSCertPath:   h.TLSCertPath,
			Transport:     domain.Transport(h.Transport),
			SSHUser:       h.SSHUser,
			SSHPort:       h.SSHPort,
			SSHKeyPath:    h.SSHKeyPath,
			NodeType:      domain.NodeType(h.NodeType),
			Environment:   domain.Environment(h.Environment),
			MaxContainers: h.MaxContainers,
			CPUCores:      h.CPUCores,
			MemoryMB:      h.MemoryMB,
			DiskGB:        h.DiskGB,
			Priority:      h.Priority,
		}
	}
	return nodes, nil
}
