package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Region is one region's node demand
type Region struct {
	Name  string   `yaml:"name"`
	Count int      `yaml:"count"`
	Zones []string `yaml:"zones,omitempty"`
}

// InstanceType is a launch candidate in preference order
type InstanceType struct {
	Name  string `yaml:"name"`
	Nodes int    `yaml:"nodes"`
}

// IngressPort is an extra port range opened on the security group
// (the workload's RPC ports)
type IngressPort struct {
	Protocol string `yaml:"protocol"`
	From     int    `yaml:"from"`
	To       int    `yaml:"to"`
}

// Build configures building the base image when no region has it
type Build struct {
	BaseImageID  string `yaml:"base_image_id"`
	InstanceType string `yaml:"instance_type"`
	ScriptPath   string `yaml:"script_path"`
	SSHUser      string `yaml:"ssh_user,omitempty"`
}

// Provider is one provider section of the request config
type Provider struct {
	UserTag         string         `yaml:"user_tag"`
	ImageName       string         `yaml:"image_name"`
	SSHKeyPath      string         `yaml:"ssh_key_path"`
	SSHUser         string         `yaml:"ssh_user,omitempty"`
	Spot            bool           `yaml:"spot,omitempty"`
	AdditionalNodes int            `yaml:"additional_nodes,omitempty"`
	IngressPorts    []IngressPort  `yaml:"ingress_ports,omitempty"`
	Build           *Build         `yaml:"build,omitempty"`
	Regions         []Region       `yaml:"regions"`
	InstanceTypes   []InstanceType `yaml:"instance_types"`
}

// Config is the full request config file
type Config struct {
	AWS *Provider `yaml:"aws,omitempty"`
}

// Load reads and validates a request config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the config is complete enough to provision from
func (c *Config) Validate() error {
	if c.AWS == nil {
		return fmt.Errorf("no provider section")
	}
	return c.AWS.validate()
}

func (p *Provider) validate() error {
	if p.UserTag == "" {
		return fmt.Errorf("user_tag is required")
	}
	if p.ImageName == "" {
		return fmt.Errorf("image_name is required")
	}
	if p.SSHKeyPath == "" {
		return fmt.Errorf("ssh_key_path is required")
	}
	if len(p.Regions) == 0 {
		return fmt.Errorf("at least one region is required")
	}
	for i, r := range p.Regions {
		if r.Name == "" {
			return fmt.Errorf("regions[%d]: name is required", i)
		}
		if r.Count <= 0 {
			return fmt.Errorf("region %s: count must be positive", r.Name)
		}
	}
	if len(p.InstanceTypes) == 0 {
		return fmt.Errorf("at least one instance type is required")
	}
	for i, t := range p.InstanceTypes {
		if t.Name == "" {
			return fmt.Errorf("instance_types[%d]: name is required", i)
		}
		if t.Nodes <= 0 {
			return fmt.Errorf("instance type %s: nodes must be positive", t.Name)
		}
	}
	if p.Build != nil {
		if p.Build.BaseImageID == "" || p.Build.InstanceType == "" || p.Build.ScriptPath == "" {
			return fmt.Errorf("build requires base_image_id, instance_type and script_path")
		}
	}
	return nil
}

// KeyPath returns the ssh key path with ~ expanded
func (p *Provider) KeyPath() string {
	path := p.SSHKeyPath
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}
