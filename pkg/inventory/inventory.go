package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// TimestampFormat is the run timestamp layout used in inventory files and
// log directory names
const TimestampFormat = "20060102150405"

// Inventory is the JSON document produced at the end of a provisioning
// run, listing every ready host.
type Inventory struct {
	Timestamp string           `json:"timestamp"`
	LogDir    string           `json:"log_dir"`
	Hosts     []types.HostSpec `json:"hosts"`
}

// New builds an inventory stamped with the current time
func New(hosts []types.HostSpec, logRoot string) *Inventory {
	ts := time.Now().Format(TimestampFormat)
	return &Inventory{
		Timestamp: ts,
		LogDir:    filepath.Join(logRoot, ts),
		Hosts:     hosts,
	}
}

// Write persists the inventory twice: under the run's log directory and at
// the well-known output path the downstream deployer reads.
func (inv *Inventory) Write(outputPath string) error {
	data, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal inventory: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(inv.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir %s: %w", inv.LogDir, err)
	}
	logCopy := filepath.Join(inv.LogDir, filepath.Base(outputPath))
	if err := os.WriteFile(logCopy, data, 0o644); err != nil {
		return fmt.Errorf("write inventory %s: %w", logCopy, err)
	}

	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("write inventory %s: %w", outputPath, err)
	}
	return nil
}

// Load reads an inventory file written by a previous run
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", path, err)
	}

	var inv Inventory
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}
	return &inv, nil
}
