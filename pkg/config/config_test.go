package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
aws:
  user_tag: alice
  image_name: burrow-base
  ssh_key_path: ~/.ssh/id_ed25519
  spot: true
  ingress_ports:
    - protocol: tcp
      from: 1024
      to: 49151
  regions:
    - name: us-east-1
      count: 10
      zones: [us-east-1a, us-east-1b]
    - name: eu-west-1
      count: 5
  instance_types:
    - name: c5.xlarge
      nodes: 2
    - name: t3.large
      nodes: 1
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	require.NotNil(t, cfg.AWS)

	p := cfg.AWS
	assert.Equal(t, "alice", p.UserTag)
	assert.Equal(t, "burrow-base", p.ImageName)
	assert.True(t, p.Spot)

	require.Len(t, p.Regions, 2)
	assert.Equal(t, "us-east-1", p.Regions[0].Name)
	assert.Equal(t, 10, p.Regions[0].Count)
	assert.Equal(t, []string{"us-east-1a", "us-east-1b"}, p.Regions[0].Zones)
	assert.Empty(t, p.Regions[1].Zones)

	require.Len(t, p.InstanceTypes, 2)
	assert.Equal(t, InstanceType{Name: "c5.xlarge", Nodes: 2}, p.InstanceTypes[0])

	require.Len(t, p.IngressPorts, 1)
	assert.Equal(t, IngressPort{Protocol: "tcp", From: 1024, To: 49151}, p.IngressPorts[0])
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errSub  string
	}{
		{
			name:    "no provider",
			content: `{}`,
			errSub:  "no provider section",
		},
		{
			name: "missing user tag",
			content: `
aws:
  image_name: img
  ssh_key_path: /k
  regions: [{name: r1, count: 1}]
  instance_types: [{name: t1, nodes: 1}]
`,
			errSub: "user_tag",
		},
		{
			name: "no regions",
			content: `
aws:
  user_tag: a
  image_name: img
  ssh_key_path: /k
  instance_types: [{name: t1, nodes: 1}]
`,
			errSub: "at least one region",
		},
		{
			name: "zero count",
			content: `
aws:
  user_tag: a
  image_name: img
  ssh_key_path: /k
  regions: [{name: r1, count: 0}]
  instance_types: [{name: t1, nodes: 1}]
`,
			errSub: "count must be positive",
		},
		{
			name: "no instance types",
			content: `
aws:
  user_tag: a
  image_name: img
  ssh_key_path: /k
  regions: [{name: r1, count: 1}]
`,
			errSub: "at least one instance type",
		},
		{
			name: "zero nodes",
			content: `
aws:
  user_tag: a
  image_name: img
  ssh_key_path: /k
  regions: [{name: r1, count: 1}]
  instance_types: [{name: t1, nodes: 0}]
`,
			errSub: "nodes must be positive",
		},
		{
			name: "incomplete build",
			content: `
aws:
  user_tag: a
  image_name: img
  ssh_key_path: /k
  build: {base_image_id: ami-1}
  regions: [{name: r1, count: 1}]
  instance_types: [{name: t1, nodes: 1}]
`,
			errSub: "build requires",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "aws: ["))
	assert.Error(t, err)
}

func TestKeyPathExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	p := &Provider{SSHKeyPath: "~/.ssh/id_ed25519"}
	assert.Equal(t, filepath.Join(home, ".ssh/id_ed25519"), p.KeyPath())

	p = &Provider{SSHKeyPath: "/abs/key"}
	assert.Equal(t, "/abs/key", p.KeyPath())
}
