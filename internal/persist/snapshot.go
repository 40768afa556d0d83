// ABOUTME: Loader for operator-uploaded multi-tab snapshot files
// ABOUTME: Accepts the tabs-wrapped JSON shape, or the same structure written as YAML

package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/2389/linksync/internal/settings"
)

// readSnapshotFile loads {tabs: {<name>: {settings, settingMeta}}} from a
// file directly inside dir. Names with path components are rejected.
func readSnapshotFile(dir, fileName string) (settings.Snapshot, error) {
	if fileName == "" || fileName != filepath.Base(fileName) || fileName == "." || fileName == ".." ||
		strings.ContainsAny(fileName, `/\`) {
		return settings.Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}

	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return settings.Snapshot{}, fmt.Errorf("reading snapshot %q: %w", fileName, err)
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".yaml", ".yml":
		if data, err = yamlToJSON(data); err != nil {
			return settings.Snapshot{}, fmt.Errorf("parsing snapshot %q: %w", fileName, err)
		}
	}

	var snap settings.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return settings.Snapshot{}, fmt.Errorf("parsing snapshot %q: %w", fileName, err)
	}
	if snap.Tabs == nil {
		return settings.Snapshot{}, fmt.Errorf("parsing snapshot %q: missing tabs", fileName)
	}
	for name := range snap.Tabs {
		if err := settings.ValidateTabName(name); err != nil {
			return settings.Snapshot{}, fmt.Errorf("snapshot %q: %w", fileName, err)
		}
	}
	return snap, nil
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the
// JSON decoders of the settings types.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}
