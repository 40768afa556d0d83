// ABOUTME: JSON file persistence, one settings_<tab>.json per tab in the data directory
// ABOUTME: Writes are atomic (temp file + rename) so readers never see a partial file

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/2389/linksync/internal/settings"
)

// FileAdapter stores each tab as an indented JSON file.
type FileAdapter struct {
	dataDir    string
	uploadsDir string
	logger     *slog.Logger
}

// NewFileAdapter creates a file adapter. Directories are created on first
// write, not here.
func NewFileAdapter(dataDir, uploadsDir string, logger *slog.Logger) *FileAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileAdapter{
		dataDir:    dataDir,
		uploadsDir: uploadsDir,
		logger:     logger.With("component", "persist-file"),
	}
}

// Path returns the file that holds the named tab.
func (f *FileAdapter) Path(tab string) string {
	return filepath.Join(f.dataDir, FileName(tab))
}

// Save implements Adapter. It refuses a tab whose file already holds a
// different tab, such as "Link 1" after "link 1".
func (f *FileAdapter) Save(_ context.Context, name string, tab settings.Tab) error {
	return f.write(name, tab, true)
}

// Replace implements Adapter. Files of tabs absent from snap are removed
// after every tab in snap has been written.
func (f *FileAdapter) Replace(_ context.Context, snap settings.Snapshot) error {
	names := make([]string, 0, len(snap.Tabs))
	for name := range snap.Tabs {
		names = append(names, name)
	}
	sort.Strings(names)

	keep := make(map[string]string, len(names))
	var errs []error
	for _, name := range names {
		file := FileName(name)
		if other, ok := keep[file]; ok {
			errs = append(errs, fmt.Errorf("%w: %q and %q share %s", settings.ErrTabNameCollision, other, name, file))
			continue
		}
		if err := f.write(name, snap.Tabs[name], false); err != nil {
			errs = append(errs, err)
			continue
		}
		keep[file] = name
	}

	paths, err := filepath.Glob(filepath.Join(f.dataDir, "settings_*.json"))
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("listing settings files: %w", err))...)
	}
	for _, path := range paths {
		if _, ok := keep[filepath.Base(path)]; ok {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
			continue
		}
		f.logger.Debug("removed dropped tab", "path", path)
	}
	return errors.Join(errs...)
}

func (f *FileAdapter) write(name string, tab settings.Tab, checkOwner bool) error {
	if err := settings.ValidateTabName(name); err != nil {
		return err
	}
	path := f.Path(name)
	if filepath.Dir(path) != filepath.Clean(f.dataDir) {
		return fmt.Errorf("%w: %q resolves outside the data directory", settings.ErrInvalidTabName, name)
	}
	if checkOwner {
		if owner, ok := fileOwner(path); ok && owner != name {
			return fmt.Errorf("%w: %q would overwrite %q in %s", settings.ErrTabNameCollision, name, owner, filepath.Base(path))
		}
	}

	if err := os.MkdirAll(f.dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	data, err := json.MarshalIndent(Record{Tab: name, Settings: tab.Settings, SettingMeta: tab.SettingMeta}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tab %q: %w", name, err)
	}

	tmp, err := os.CreateTemp(f.dataDir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing tab %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}

	f.logger.Debug("saved tab", "tab", name, "path", path)
	return nil
}

// fileOwner returns the tab recorded in path. Missing or unreadable files
// have no owner.
func fileOwner(path string) (string, bool) {
	rec, err := readRecord(path)
	if err != nil {
		return "", false
	}
	return rec.Tab, true
}

// LoadAll implements Adapter. It reads every settings_*.json in the data
// directory in name order. A missing directory yields no records.
func (f *FileAdapter) LoadAll(_ context.Context) ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(f.dataDir, "settings_*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing settings files: %w", err)
	}
	sort.Strings(paths)

	var records []Record
	var errs []error
	for _, path := range paths {
		rec, err := readRecord(path)
		if err != nil {
			errs = append(errs, &EntryError{Name: filepath.Base(path), Err: err})
			continue
		}
		records = append(records, rec)
	}
	return records, errors.Join(errs...)
}

// LoadSnapshot implements Adapter.
func (f *FileAdapter) LoadSnapshot(_ context.Context, fileName string) (settings.Snapshot, error) {
	return readSnapshotFile(f.uploadsDir, fileName)
}

// Close implements Adapter.
func (f *FileAdapter) Close() error { return nil }

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	if rec.Tab == "" {
		return Record{}, errors.New("missing tab name")
	}
	return rec, nil
}
