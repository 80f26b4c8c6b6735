package inventory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func testHosts() []types.HostSpec {
	return []types.HostSpec{
		{
			IP:           "203.0.113.7",
			NodesPerHost: 2,
			SSHUser:      "root",
			SSHKeyPath:   "/home/alice/.ssh/id_ed25519",
			Provider:     "aws",
			Region:       "us-east-1",
			InstanceID:   "i-0001",
		},
		{
			IP:           "203.0.113.8",
			NodesPerHost: 1,
			SSHUser:      "root",
			Provider:     "aws",
			Region:       "eu-west-1",
			InstanceID:   "i-0002",
		},
	}
}

func TestNewStampsTimestamp(t *testing.T) {
	inv := New(testHosts(), "logs")

	assert.Regexp(t, regexp.MustCompile(`^\d{14}$`), inv.Timestamp)
	assert.Equal(t, filepath.Join("logs", inv.Timestamp), inv.LogDir)
	assert.Len(t, inv.Hosts, 2)
}

func TestWriteProducesBothCopies(t *testing.T) {
	dir := t.TempDir()
	inv := New(testHosts(), filepath.Join(dir, "logs"))
	output := filepath.Join(dir, "hosts.json")

	require.NoError(t, inv.Write(output))

	wellKnown, err := os.ReadFile(output)
	require.NoError(t, err)
	logCopy, err := os.ReadFile(filepath.Join(inv.LogDir, "hosts.json"))
	require.NoError(t, err)
	assert.Equal(t, wellKnown, logCopy)
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	inv := New(testHosts(), filepath.Join(dir, "logs"))
	output := filepath.Join(dir, "hosts.json")
	require.NoError(t, inv.Write(output))

	loaded, err := Load(output)
	require.NoError(t, err)

	assert.Equal(t, inv.Timestamp, loaded.Timestamp)
	assert.Equal(t, inv.Hosts, loaded.Hosts)
}

func TestSchemaFieldNames(t *testing.T) {
	inv := New(testHosts(), "logs")
	data, err := json.Marshal(inv)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "timestamp")
	assert.Contains(t, doc, "log_dir")
	assert.Contains(t, doc, "hosts")

	hosts := doc["hosts"].([]any)
	first := hosts[0].(map[string]any)
	for _, field := range []string{"ip", "nodes_per_host", "ssh_user", "ssh_key_path", "provider", "region", "instance_id"} {
		assert.Contains(t, first, field)
	}

	// Empty key paths are omitted, not emitted as empty strings
	second := hosts[1].(map[string]any)
	assert.NotContains(t, second, "ssh_key_path")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
