// Package dispatch turns client messages into store mutations, device
// commands, replies and broadcasts.
//
// # Message Flow
//
// For setting_change, create_parameter and create_tab the store is mutated
// first and the device command runs second. Only when the device succeeds
// does the dispatcher reply to the sender, persist the tab and broadcast it.
// A device failure is reported to the sender alone and the store mutation
// stays in place.
//
// Broadcast audience:
//
//   - setting_change, create_parameter: every session except the sender
//   - create_tab: every session
//   - updateFromFile: every session, as one upload_settings message
//
// get_parameter and custom_command only ever reply to the sender.
//
// # Ordering
//
// Work on one tab runs under that tab's lock from mutation to broadcast, so
// sessions see a tab's updates in the order they were applied. updateFromFile
// holds an exclusive lock over all tabs while it replaces the store and the
// persisted copy.
//
// # Tab Names
//
// Unsafe tab names are rejected while decoding. With Options.TabKey set,
// a message that would create a tab sharing its storage key with an
// existing tab fails, and per-tab locks are taken by key.
package dispatch
