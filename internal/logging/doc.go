// Package logging configures the daemon's slog logger and provides the
// shared attribute helpers and field-name constants used across components.
//
// Two handler formats are supported: a compact console format for interactive
// use and JSON for machine consumption. Components derive their loggers with
// NewComponentLogger so every record carries a component attribute.
package logging
