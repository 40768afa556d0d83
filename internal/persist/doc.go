// Package persist mirrors settings tabs to durable storage and loads
// operator-uploaded snapshots.
//
// # Backends
//
//   - FileAdapter: one settings_<tab>.json per tab in the data directory
//   - SQLiteAdapter: one row per tab in a SQLite database (modernc.org/sqlite)
//
// Both read snapshots for updateFromFile from the uploads directory. Snapshot
// files may be JSON or YAML and must be plain file names. Replace stores a
// loaded snapshot and deletes every tab it does not contain.
//
// # Tab Names
//
// Names failing settings.ValidateTabName are never stored. The file backend
// also refuses a tab whose file already belongs to another tab, since
// FileName folds case ("Link 1" and "link 1" share settings_link_1.json).
//
// # Restore
//
// Restore runs once at startup. Each stored tab is deep-merged over the
// built-in defaults, so a file that only holds rfLink values leaves the
// default descriptors in place. Unreadable entries are logged and skipped.
package persist
