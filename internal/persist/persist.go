// ABOUTME: Persistence adapter contract, the per-tab record shape and startup restore
// ABOUTME: Backends mirror each tab after a successful mutation and reload them at boot

package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/linksync/internal/settings"
)

// ErrInvalidFileName is returned for snapshot names that are not plain file
// names inside the uploads directory.
var ErrInvalidFileName = errors.New("invalid snapshot file name")

// EntryError reports one stored tab that could not be read. LoadAll joins
// these and still returns the records that did load.
type EntryError struct {
	Name string
	Err  error
}

func (e *EntryError) Error() string { return fmt.Sprintf("%s: %v", e.Name, e.Err) }

func (e *EntryError) Unwrap() error { return e.Err }

// Record is the persisted form of one tab.
type Record struct {
	Tab         string          `json:"tab"`
	Settings    settings.Values `json:"settings"`
	SettingMeta settings.Meta   `json:"settingMeta"`
}

// Adapter persists tabs and loads operator-supplied snapshots.
type Adapter interface {
	// Save overwrites the stored copy of one tab. Names failing
	// settings.ValidateTabName are rejected.
	Save(ctx context.Context, name string, tab settings.Tab) error
	// Replace stores exactly the tabs in snap and deletes every other
	// stored tab.
	Replace(ctx context.Context, snap settings.Snapshot) error
	// LoadAll returns every stored tab. Unreadable entries are skipped and
	// reported as joined *EntryError values alongside the records that loaded.
	LoadAll(ctx context.Context) ([]Record, error)
	// LoadSnapshot reads a named file from the uploads location.
	LoadSnapshot(ctx context.Context, fileName string) (settings.Snapshot, error)
	Close() error
}

// FileName returns the per-tab file name: lowercased, first space replaced
// with an underscore. Distinct tabs can share a file name ("Link 1" and
// "link 1"); the file backend refuses the second one.
func FileName(tab string) string {
	return "settings_" + strings.Replace(strings.ToLower(tab), " ", "_", 1) + ".json"
}

// Restore merges every stored tab into s. Missing tabs keep their built-in
// defaults and partial records only override the keys they contain.
// Unreadable entries are logged and skipped; any other load error is returned.
func Restore(ctx context.Context, a Adapter, s *settings.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	records, loadErr := a.LoadAll(ctx)
	if loadErr != nil {
		var entryErr *EntryError
		if !errors.As(loadErr, &entryErr) {
			return fmt.Errorf("loading persisted settings: %w", loadErr)
		}
		logger.Warn("skipped unreadable persisted settings", "error", loadErr)
	}

	for _, rec := range records {
		if err := settings.ValidateTabName(rec.Tab); err != nil {
			logger.Warn("skipped persisted tab with invalid name", "tab", rec.Tab, "error", err)
			continue
		}
		if err := s.MergePersisted(rec.Tab, rec.Settings, rec.SettingMeta); err != nil {
			logger.Error("failed to merge persisted tab", "tab", rec.Tab, "error", err)
			continue
		}
		logger.Debug("restored persisted tab", "tab", rec.Tab)
	}

	logger.Info("persisted settings restored", "records", len(records), "tabs", s.Len())
	return nil
}
