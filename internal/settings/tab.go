// ABOUTME: Tab and Snapshot data types for the hierarchical settings store
// ABOUTME: Tabs map category -> key -> value plus a parallel descriptor map

package settings

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// ErrInvalidTabName is returned for tab names that cannot be stored safely.
var ErrInvalidTabName = errors.New("invalid tab name")

// ErrTabNameCollision is returned when two distinct tab names share a
// storage key.
var ErrTabNameCollision = errors.New("tab name collides with an existing tab")

// ValidateTabName rejects empty names, names carrying path separators or NUL
// bytes, and the dot names. Tab names end up in persisted file names.
func ValidateTabName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidTabName)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidTabName, name)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidTabName, name)
	}
	return nil
}

// Conventional categories created for every new tab.
const (
	CategoryRFLink         = "rfLink"
	CategoryLoaderFilter   = "loaderFilter"
	CategoryLoaderSettings = "loaderSettings"
)

// ConventionalCategories lists the categories initialised on tab creation.
var ConventionalCategories = []string{CategoryRFLink, CategoryLoaderFilter, CategoryLoaderSettings}

// Values maps category -> parameter key -> value.
type Values map[string]map[string]Value

// Meta maps category -> parameter key -> descriptor.
type Meta map[string]map[string]Descriptor

// Tab is one logical radio link.
type Tab struct {
	Settings    Values `json:"settings"`
	SettingMeta Meta   `json:"settingMeta"`
}

// Snapshot is a full copy of every tab, in the tabs-wrapped wire shape.
type Snapshot struct {
	Tabs map[string]Tab `json:"tabs"`
}

// NewTab returns a tab with empty conventional categories.
func NewTab() Tab {
	t := Tab{Settings: Values{}, SettingMeta: Meta{}}
	for _, c := range ConventionalCategories {
		t.Settings[c] = map[string]Value{}
		t.SettingMeta[c] = map[string]Descriptor{}
	}
	return t
}

// Clone returns a deep copy of t. Nil maps come back empty.
func (t Tab) Clone() Tab {
	c := Tab{
		Settings:    make(Values, len(t.Settings)),
		SettingMeta: make(Meta, len(t.SettingMeta)),
	}
	for cat, kv := range t.Settings {
		c.Settings[cat] = maps.Clone(kv)
		if c.Settings[cat] == nil {
			c.Settings[cat] = map[string]Value{}
		}
	}
	for cat, kv := range t.SettingMeta {
		m := make(map[string]Descriptor, len(kv))
		for k, d := range kv {
			m[k] = d.clone()
		}
		c.SettingMeta[cat] = m
	}
	return c
}

// Value returns the value at category/key.
func (t Tab) Value(category, key string) (Value, bool) {
	v, ok := t.Settings[category][key]
	return v, ok
}

// Descriptor returns the descriptor at category/key. A parameter may have a
// value without a descriptor.
func (t Tab) Descriptor(category, key string) (Descriptor, bool) {
	d, ok := t.SettingMeta[category][key]
	return d, ok
}

func (t *Tab) ensureCategory(category string) {
	if t.Settings == nil {
		t.Settings = Values{}
	}
	if t.SettingMeta == nil {
		t.SettingMeta = Meta{}
	}
	if t.Settings[category] == nil {
		t.Settings[category] = map[string]Value{}
	}
	if t.SettingMeta[category] == nil {
		t.SettingMeta[category] = map[string]Descriptor{}
	}
}
