// ABOUTME: SQLite persistence backend using modernc.org/sqlite
// ABOUTME: One row per tab holding the settings and descriptor trees as JSON text

package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/linksync/internal/settings"
)

// SQLiteAdapter stores tabs in a SQLite database. Uploaded snapshots are still
// read from the uploads directory.
type SQLiteAdapter struct {
	db         *sql.DB
	uploadsDir string
	logger     *slog.Logger
}

// NewSQLiteAdapter opens (or creates) the database at path.
// Parent directories are created if needed.
func NewSQLiteAdapter(path, uploadsDir string, logger *slog.Logger) (*SQLiteAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "persist-sqlite")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	a := &SQLiteAdapter{db: db, uploadsDir: uploadsDir, logger: logger}
	if err := a.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite persistence initialized", "path", path)
	return a, nil
}

func (a *SQLiteAdapter) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tabs (
			name TEXT PRIMARY KEY,
			settings TEXT NOT NULL,
			setting_meta TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	_, err := a.db.Exec(schema)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Save implements Adapter.
func (a *SQLiteAdapter) Save(ctx context.Context, name string, tab settings.Tab) error {
	if err := upsertTab(ctx, a.db, name, tab); err != nil {
		return err
	}
	a.logger.Debug("saved tab", "tab", name)
	return nil
}

// Replace implements Adapter. The delete and inserts share one transaction.
func (a *SQLiteAdapter) Replace(ctx context.Context, snap settings.Snapshot) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tabs`); err != nil {
		return fmt.Errorf("clearing tabs: %w", err)
	}
	for name, tab := range snap.Tabs {
		if err := upsertTab(ctx, tx, name, tab); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tabs: %w", err)
	}

	a.logger.Debug("replaced tabs", "count", len(snap.Tabs))
	return nil
}

func upsertTab(ctx context.Context, db execer, name string, tab settings.Tab) error {
	if err := settings.ValidateTabName(name); err != nil {
		return err
	}
	values, err := json.Marshal(tab.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings for %q: %w", name, err)
	}
	meta, err := json.Marshal(tab.SettingMeta)
	if err != nil {
		return fmt.Errorf("encoding descriptors for %q: %w", name, err)
	}

	query := `
		INSERT OR REPLACE INTO tabs (name, settings, setting_meta, updated_at)
		VALUES (?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		name,
		string(values),
		string(meta),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving tab %q: %w", name, err)
	}
	return nil
}

// LoadAll implements Adapter.
func (a *SQLiteAdapter) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT name, settings, setting_meta FROM tabs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying tabs: %w", err)
	}
	defer rows.Close()

	var records []Record
	var errs []error
	for rows.Next() {
		var name, values, meta string
		if err := rows.Scan(&name, &values, &meta); err != nil {
			return nil, fmt.Errorf("scanning tab: %w", err)
		}
		rec := Record{Tab: name}
		if err := json.Unmarshal([]byte(values), &rec.Settings); err != nil {
			errs = append(errs, &EntryError{Name: name, Err: err})
			continue
		}
		if err := json.Unmarshal([]byte(meta), &rec.SettingMeta); err != nil {
			errs = append(errs, &EntryError{Name: name, Err: err})
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tabs: %w", err)
	}
	return records, errors.Join(errs...)
}

// LoadSnapshot implements Adapter.
func (a *SQLiteAdapter) LoadSnapshot(_ context.Context, fileName string) (settings.Snapshot, error) {
	return readSnapshotFile(a.uploadsDir, fileName)
}

// Close closes the database.
func (a *SQLiteAdapter) Close() error {
	a.logger.Info("closing SQLite persistence")
	return a.db.Close()
}
