// Package settings holds the authoritative in-memory configuration of every
// radio link tab.
//
// # Data Model
//
// A Store maps tab names to Tabs. Each Tab carries two parallel maps keyed
// by category and parameter key:
//
//   - Settings: the parameter Values (string, number or bool)
//   - SettingMeta: the Descriptors (text, range, select, checkbox)
//
// Values are stored exactly as received. A number keeps its JSON text, so
// the string "1" and the number 1 are different values.
//
// # Mutation
//
//   - EnsureTab / SetParameter / CreateParameter create missing tabs and
//     categories implicitly
//   - CreateTab is the only operation with a duplicate check (ErrTabExists)
//   - LoadSnapshot replaces the whole store, it never merges
//   - MergePersisted deep-merges persisted data during startup restore
//
// Descriptor validation of values is off by default and enabled with
// WithValidation.
package settings
