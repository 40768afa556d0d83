// ABOUTME: Tests for the persistence backends, snapshot loading and startup restore
// ABOUTME: Uses temp directories and a temp SQLite database per test

package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/linksync/internal/settings"
)

func TestFileName(t *testing.T) {
	assert.Equal(t, "settings_default.json", FileName("Default"))
	assert.Equal(t, "settings_link_1.json", FileName("Link 1"))
	assert.Equal(t, "settings_my_big tab.json", FileName("My Big Tab"))
}

func sampleTab() settings.Tab {
	tab := settings.NewTab()
	tab.Settings[settings.CategoryRFLink]["txFrequency"] = settings.String("157.0")
	tab.Settings[settings.CategoryLoaderSettings]["rxOnly"] = settings.Bool(true)
	tab.SettingMeta[settings.CategoryRFLink]["powerOutput"] = settings.Range(0, 10, "W")
	return tab
}

func TestFileAdapter_SaveWritesRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	a := NewFileAdapter(dir, t.TempDir(), nil)

	require.NoError(t, a.Save(t.Context(), "Link 1", sampleTab()))

	data, err := os.ReadFile(filepath.Join(dir, "settings_link_1.json"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Link 1", got["tab"])
	assert.Contains(t, got, "settings")
	assert.Contains(t, got, "settingMeta")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileAdapter_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := NewFileAdapter(dir, dir, nil)

	require.NoError(t, a.Save(t.Context(), "Default", sampleTab()))
	require.NoError(t, a.Save(t.Context(), "Link 2", settings.NewTab()))

	records, err := a.LoadAll(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Default", records[0].Tab)
	assert.Equal(t, "Link 2", records[1].Tab)
	assert.True(t, settings.String("157.0").Equal(records[0].Settings[settings.CategoryRFLink]["txFrequency"]))
	assert.Equal(t, settings.TypeRange, records[0].SettingMeta[settings.CategoryRFLink]["powerOutput"].Type)
}

func TestFileAdapter_LoadAllMissingDirectory(t *testing.T) {
	a := NewFileAdapter(filepath.Join(t.TempDir(), "absent"), "", nil)

	records, err := a.LoadAll(t.Context())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFileAdapter_LoadAllSkipsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	a := NewFileAdapter(dir, dir, nil)
	require.NoError(t, a.Save(t.Context(), "Default", sampleTab()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings_broken.json"), []byte("{nope"), 0644))

	records, err := a.LoadAll(t.Context())
	require.Error(t, err)
	var entryErr *EntryError
	require.ErrorAs(t, err, &entryErr)
	assert.Equal(t, "settings_broken.json", entryErr.Name)

	require.Len(t, records, 1)
	assert.Equal(t, "Default", records[0].Tab)
}

func TestLoadSnapshot_JSON(t *testing.T) {
	uploads := t.TempDir()
	body := `{"tabs":{"Link 1":{"settings":{"rfLink":{"txFrequency":"150.0"}},"settingMeta":{}}}}`
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "snap.json"), []byte(body), 0644))

	snap, err := NewFileAdapter(t.TempDir(), uploads, nil).LoadSnapshot(t.Context(), "snap.json")
	require.NoError(t, err)
	require.Contains(t, snap.Tabs, "Link 1")
	assert.True(t, settings.String("150.0").Equal(snap.Tabs["Link 1"].Settings["rfLink"]["txFrequency"]))
}

func TestLoadSnapshot_YAML(t *testing.T) {
	uploads := t.TempDir()
	body := `
tabs:
  Default:
    settings:
      rfLink:
        txFrequency: "157.0"
      loaderSettings:
        rxOnly: true
    settingMeta:
      rfLink:
        powerOutput: {type: range, min: 0, max: 10, unit: W}
`
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "snap.yaml"), []byte(body), 0644))

	snap, err := NewFileAdapter(t.TempDir(), uploads, nil).LoadSnapshot(t.Context(), "snap.yaml")
	require.NoError(t, err)

	def := snap.Tabs["Default"]
	assert.True(t, settings.String("157.0").Equal(def.Settings["rfLink"]["txFrequency"]))
	assert.True(t, settings.Bool(true).Equal(def.Settings["loaderSettings"]["rxOnly"]))
	assert.Equal(t, settings.TypeRange, def.SettingMeta["rfLink"]["powerOutput"].Type)
}

func TestLoadSnapshot_Errors(t *testing.T) {
	uploads := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "notabs.json"), []byte(`{"settings":{}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "bad.json"), []byte(`[1,2`), 0644))
	a := NewFileAdapter(t.TempDir(), uploads, nil)

	for _, name := range []string{"../etc/passwd", "sub/snap.json", `..\snap.json`, "..", ""} {
		_, err := a.LoadSnapshot(t.Context(), name)
		assert.ErrorIs(t, err, ErrInvalidFileName, "name %q", name)
	}

	_, err := a.LoadSnapshot(t.Context(), "missing.json")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = a.LoadSnapshot(t.Context(), "notabs.json")
	assert.ErrorContains(t, err, "missing tabs")

	_, err = a.LoadSnapshot(t.Context(), "bad.json")
	assert.Error(t, err)
}

func TestSQLiteAdapter_RoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "linksync.db")
	a, err := NewSQLiteAdapter(dbPath, t.TempDir(), nil)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Save(t.Context(), "Default", settings.NewTab()))
	require.NoError(t, a.Save(t.Context(), "Default", sampleTab()))
	require.NoError(t, a.Save(t.Context(), "Link 1", settings.NewTab()))

	records, err := a.LoadAll(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Default", records[0].Tab)
	assert.True(t, settings.Bool(true).Equal(records[0].Settings[settings.CategoryLoaderSettings]["rxOnly"]))

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestSQLiteAdapter_SkipsCorruptRow(t *testing.T) {
	a, err := NewSQLiteAdapter(filepath.Join(t.TempDir(), "linksync.db"), "", nil)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Save(t.Context(), "Default", sampleTab()))
	_, err = a.db.ExecContext(t.Context(),
		`INSERT INTO tabs (name, settings, setting_meta, updated_at) VALUES ('Broken', '{oops', '{}', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	records, err := a.LoadAll(t.Context())
	var entryErr *EntryError
	require.ErrorAs(t, err, &entryErr)
	assert.Equal(t, "Broken", entryErr.Name)
	require.Len(t, records, 1)
}

func TestRestore_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	a := NewFileAdapter(dir, dir, nil)

	partial := settings.Tab{
		Settings: settings.Values{settings.CategoryRFLink: {"txFrequency": settings.String("160.0")}},
	}
	require.NoError(t, a.Save(t.Context(), "Default", partial))
	require.NoError(t, a.Save(t.Context(), "Link 7", sampleTab()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings_junk.json"), []byte("garbage"), 0644))

	s := settings.NewDefault()
	require.NoError(t, Restore(t.Context(), a, s, nil))

	v, ok := s.Parameter("Default", settings.CategoryRFLink, "txFrequency")
	require.True(t, ok)
	assert.True(t, settings.String("160.0").Equal(v))

	// Untouched defaults survive the merge.
	v, ok = s.Parameter("Default", settings.CategoryRFLink, "bandwidth")
	require.True(t, ok)
	assert.True(t, settings.String("12.5 kHz").Equal(v))
	def, _ := s.Tab("Default")
	_, ok = def.Descriptor(settings.CategoryRFLink, "powerOutput")
	assert.True(t, ok)

	_, ok = s.Tab("Link 7")
	assert.True(t, ok)
	assert.Equal(t, 4, s.Len())
}

func TestRestore_SaveThenRestoreIsIdentity(t *testing.T) {
	dir := t.TempDir()
	a := NewFileAdapter(dir, dir, nil)

	src := settings.NewDefault()
	for _, name := range src.Names() {
		tab, _ := src.Tab(name)
		require.NoError(t, a.Save(t.Context(), name, tab))
	}

	dst := settings.NewDefault()
	require.NoError(t, Restore(t.Context(), a, dst, nil))
	assert.Equal(t, src.All(), dst.All())
}

func TestFileAdapter_SaveRejectsUnsafeTabNames(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a", "b", "data")
	a := NewFileAdapter(dir, root, nil)

	for _, name := range []string{"x/../../../escaped", `x\..\escaped`, "..", "", "a\x00b"} {
		err := a.Save(t.Context(), name, sampleTab())
		assert.ErrorIs(t, err, settings.ErrInvalidTabName, "name %q", name)
	}

	_, err := os.Stat(filepath.Join(root, "escaped.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(dir)
	assert.ErrorIs(t, err, os.ErrNotExist, "nothing should have been written")
}

func TestFileAdapter_SaveRejectsCollidingTabName(t *testing.T) {
	dir := t.TempDir()
	a := NewFileAdapter(dir, dir, nil)

	require.NoError(t, a.Save(t.Context(), "Link 1", sampleTab()))
	require.NoError(t, a.Save(t.Context(), "Link 1", settings.NewTab()), "same tab may overwrite its own file")

	err := a.Save(t.Context(), "link 1", settings.NewTab())
	assert.ErrorIs(t, err, settings.ErrTabNameCollision)

	records, err := a.LoadAll(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Link 1", records[0].Tab)
}

func TestFileAdapter_ReplaceDropsAbsentTabs(t *testing.T) {
	dir := t.TempDir()
	a := NewFileAdapter(dir, dir, nil)
	for _, name := range []string{"Default", "Link 1", "Extra"} {
		require.NoError(t, a.Save(t.Context(), name, settings.NewTab()))
	}

	snap := settings.Snapshot{Tabs: map[string]settings.Tab{
		"Default": sampleTab(),
		"Field":   settings.NewTab(),
	}}
	require.NoError(t, a.Replace(t.Context(), snap))

	records, err := a.LoadAll(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Default", records[0].Tab)
	assert.True(t, settings.String("157.0").Equal(records[0].Settings[settings.CategoryRFLink]["txFrequency"]))
	assert.Equal(t, "Field", records[1].Tab)
}

func TestFileAdapter_ReplaceTakesOverCollidingFile(t *testing.T) {
	dir := t.TempDir()
	a := NewFileAdapter(dir, dir, nil)
	require.NoError(t, a.Save(t.Context(), "Link 1", settings.NewTab()))

	require.NoError(t, a.Replace(t.Context(), settings.Snapshot{Tabs: map[string]settings.Tab{"link 1": sampleTab()}}))

	records, err := a.LoadAll(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "link 1", records[0].Tab)

	err = a.Replace(t.Context(), settings.Snapshot{Tabs: map[string]settings.Tab{
		"Link 1": settings.NewTab(),
		"link 1": settings.NewTab(),
	}})
	assert.ErrorIs(t, err, settings.ErrTabNameCollision)
}

func TestSQLiteAdapter_ReplaceDropsAbsentTabs(t *testing.T) {
	a, err := NewSQLiteAdapter(filepath.Join(t.TempDir(), "linksync.db"), "", nil)
	require.NoError(t, err)
	defer a.Close()
	for _, name := range []string{"Default", "Link 1", "Extra"} {
		require.NoError(t, a.Save(t.Context(), name, settings.NewTab()))
	}

	require.NoError(t, a.Replace(t.Context(), settings.Snapshot{Tabs: map[string]settings.Tab{"Field": sampleTab()}}))

	records, err := a.LoadAll(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Field", records[0].Tab)

	err = a.Replace(t.Context(), settings.Snapshot{Tabs: map[string]settings.Tab{"../x": settings.NewTab()}})
	assert.ErrorIs(t, err, settings.ErrInvalidTabName)
	records, err = a.LoadAll(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1, "failed replace must roll back")
}

func TestRestore_AfterReplaceKeepsOnlySnapshotAndDefaults(t *testing.T) {
	ctx := t.Context()
	backends := map[string]func(t *testing.T) Adapter{
		"file": func(t *testing.T) Adapter {
			dir := t.TempDir()
			return NewFileAdapter(dir, dir, nil)
		},
		"sqlite": func(t *testing.T) Adapter {
			a, err := NewSQLiteAdapter(filepath.Join(t.TempDir(), "linksync.db"), "", nil)
			require.NoError(t, err)
			t.Cleanup(func() { a.Close() })
			return a
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			a := open(t)
			live := settings.NewDefault()
			_, err := live.CreateTab("Extra")
			require.NoError(t, err)
			for _, tab := range live.Names() {
				v, _ := live.Tab(tab)
				require.NoError(t, a.Save(ctx, tab, v))
			}

			live.LoadSnapshot(settings.Snapshot{Tabs: map[string]settings.Tab{"Field": sampleTab()}})
			require.NoError(t, a.Replace(ctx, live.All()))

			restarted := settings.NewDefault()
			require.NoError(t, Restore(ctx, a, restarted, nil))
			assert.Equal(t, []string{"Default", "Link 1", "Link 2", "Field"}, restarted.Names())
		})
	}
}

func TestRestore_SkipsInvalidTabNames(t *testing.T) {
	dir := t.TempDir()
	a := NewFileAdapter(dir, dir, nil)
	body := `{"tab":"../evil","settings":{},"settingMeta":{}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings_evil.json"), []byte(body), 0644))

	s := settings.NewDefault()
	require.NoError(t, Restore(t.Context(), a, s, nil))
	assert.Equal(t, settings.DefaultTabNames, s.Names())
}

func TestLoadSnapshot_RejectsUnsafeTabNames(t *testing.T) {
	uploads := t.TempDir()
	body := `{"tabs":{"Default":{"settings":{},"settingMeta":{}},"x/../../../escaped":{"settings":{},"settingMeta":{}}}}`
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "evil.json"), []byte(body), 0644))

	_, err := NewFileAdapter(t.TempDir(), uploads, nil).LoadSnapshot(t.Context(), "evil.json")
	assert.ErrorIs(t, err, settings.ErrInvalidTabName)
}
