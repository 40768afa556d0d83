// Package config handles configuration loading for linksync.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml. Decoding starts from Default(), so every field is optional.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LINKSYNC_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/linksync/config.yaml
//  3. ~/.config/linksync/config.yaml
//
// `linksync init` writes Example() to the default location.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	modem:
//	  latency: "500ms"
//	  timeout: "5s"
//	session:
//	  ping_interval: "30s"
//	  read_timeout: "60s"
//
// # Configuration Sections
//
// Storage:
//
//	storage:
//	  backend: "file"              # file, sqlite
//	  data_dir: "./data"           # settings_<tab>.json files
//	  uploads_dir: "./uploads"     # snapshots for updateFromFile
//	  database_path: "./data/linksync.db"
//
// Device:
//
//	modem:
//	  backend: "http"              # simulated, http
//	  url: "http://modem.local/command"
//
// Message handling:
//
//	settings:
//	  validate_values: false       # check values against descriptors
//	  reject_unknown_messages: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
