// Package config loads, normalizes, and validates accession configuration.
//
// Configuration is TOML. Load applies repository defaults, decodes the file if
// present, expands paths, applies environment overrides, and validates the
// result so daemons and the CLI share one view of the coordination store, the
// per-stage consumer settings, and cleanup policy.
package config
