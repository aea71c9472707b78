// Package logging assembles structured slog loggers and formatting helpers used
// across accession daemons and the CLI.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so consumer and stage code tag
// log lines with item IDs, stages, daemon names, and correlation IDs. A no-op
// logger is provided for tests and wiring code that cannot fail.
package logging
