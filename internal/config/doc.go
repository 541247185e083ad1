// Package config loads, normalizes, and validates termbus configuration.
//
// It supplies defaults, expands user paths, reads TOML files, and applies the
// TERMBUS_RUNTIME_DIR and TERMBUS_LOG_LEVEL environment overrides. Relay and
// client timing knobs are exposed as time.Duration helpers so callers never
// do unit conversion themselves.
package config
