// ABOUTME: Deep merge of persisted partial tab data into the live store at startup
// ABOUTME: Uses RFC 7386 merge patches so nested objects merge key-by-key

package settings

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// MergePersisted deep-merges persisted settings and metadata into the named
// tab, creating it if absent. Scalars and arrays in the persisted data replace
// the target value; objects merge key by key. Only used while restoring at
// startup.
func (s *Store) MergePersisted(name string, settings Values, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.ensureLocked(name)
	merged, err := mergeTab(*t, Tab{Settings: settings, SettingMeta: meta})
	if err != nil {
		return fmt.Errorf("merging tab %q: %w", name, err)
	}
	for _, cat := range ConventionalCategories {
		merged.ensureCategory(cat)
	}
	*t = merged
	return nil
}

// mergeTab applies patch over base and returns the merged tab. Descriptors
// are normalized afterwards since a field-level merge can mix variants.
func mergeTab(base, patch Tab) (Tab, error) {
	doc, err := json.Marshal(base)
	if err != nil {
		return Tab{}, err
	}

	partial := map[string]any{}
	if patch.Settings != nil {
		partial["settings"] = patch.Settings
	}
	if patch.SettingMeta != nil {
		partial["settingMeta"] = patch.SettingMeta
	}
	patchDoc, err := json.Marshal(partial)
	if err != nil {
		return Tab{}, err
	}

	out, err := jsonpatch.MergePatch(doc, patchDoc)
	if err != nil {
		return Tab{}, err
	}

	var merged Tab
	if err := json.Unmarshal(out, &merged); err != nil {
		return Tab{}, err
	}
	if merged.Settings == nil {
		merged.Settings = Values{}
	}
	if merged.SettingMeta == nil {
		merged.SettingMeta = Meta{}
	}
	for cat, kv := range merged.SettingMeta {
		for k, d := range kv {
			kv[k] = d.Normalize()
		}
		merged.SettingMeta[cat] = kv
	}
	return merged, nil
}
